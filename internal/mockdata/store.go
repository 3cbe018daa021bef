// Package mockdata holds the in-memory collections served by the mock platform API.
package mockdata

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// IDField is the record field used as the primary key of a collection.
const IDField = "id"

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrRecordNotFound     = errors.New("record not found")
	ErrDuplicateID        = errors.New("record id already exists")
	ErrInvalidKey         = errors.New("invalid collection key")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Record is one row of a collection.
type Record map[string]any

// Query filters, projects and orders the records of a collection.
type Query struct {
	Where  map[string]any
	Select []string
	SortBy string
	Desc   bool
	Limit  int
}

type collection struct {
	mu      sync.Mutex
	records []Record
}

// Store is the process-wide registry of named collections. It is handed to
// every run explicitly; writes to one collection are serialized on that
// collection's lock.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// ValidateKey reports whether key can name a collection.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Put replaces or inserts the named collection with a copy of data.
func (s *Store) Put(key string, data []Record) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	records := cloneRecords(data)

	c := s.lookupOrCreate(key)
	c.mu.Lock()
	c.records = records
	c.mu.Unlock()
	return nil
}

// Get returns a copy of the named collection.
func (s *Store) Get(key string) ([]Record, bool) {
	c := s.lookup(key)
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRecords(c.records), true
}

// All returns a copy of every collection keyed by name.
func (s *Store) All() map[string][]Record {
	s.mu.RLock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string][]Record, len(names))
	for _, name := range names {
		if records, ok := s.Get(name); ok {
			out[name] = records
		}
	}
	return out
}

// Keys returns the collection names in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.collections))
	for name := range s.collections {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether the named collection exists.
func (s *Store) Has(key string) bool {
	return s.lookup(key) != nil
}

// Query returns copies of the records matching q.
func (s *Store) Query(key string, q Query) ([]Record, error) {
	c := s.lookup(key)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, key)
	}

	c.mu.Lock()
	matched := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		if matches(rec, q.Where) {
			matched = append(matched, cloneRecord(rec))
		}
	}
	c.mu.Unlock()

	if q.SortBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			cmp := compareValues(matched[i][q.SortBy], matched[j][q.SortBy])
			if q.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	if len(q.Select) > 0 {
		for i, rec := range matched {
			matched[i] = project(rec, q.Select)
		}
	}
	return matched, nil
}

// Insert appends rec to the named collection, assigning an id when the record
// has none, and returns the stored copy.
func (s *Store) Insert(key string, rec Record) (Record, error) {
	c := s.lookup(key)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, key)
	}

	stored := cloneRecord(rec)
	if stored == nil {
		stored = Record{}
	}
	id := recordID(stored)
	if id == "" {
		id = uuid.New().String()
		stored[IDField] = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if indexOf(c.records, id) >= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateID, key, id)
	}
	c.records = append(c.records, stored)
	return cloneRecord(stored), nil
}

// Update merges fields into the record with the given id. The read, merge and
// write happen under the collection lock so concurrent updates of the same
// record are applied one after the other.
func (s *Store) Update(key, id string, fields Record) (Record, error) {
	c := s.lookup(key)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := indexOf(c.records, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, key, id)
	}

	merged := cloneRecord(c.records[i])
	for field, v := range fields {
		if field == IDField {
			continue
		}
		merged[field] = cloneValue(v)
	}
	c.records[i] = merged
	return cloneRecord(merged), nil
}

func (s *Store) lookup(key string) *collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections[key]
}

func (s *Store) lookupOrCreate(key string) *collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[key]
	if !ok {
		c = &collection{}
		s.collections[key] = c
	}
	return c
}

func indexOf(records []Record, id string) int {
	for i, rec := range records {
		if recordID(rec) == id {
			return i
		}
	}
	return -1
}

func recordID(rec Record) string {
	v, ok := rec[IDField]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("%v", f)
	}
	return fmt.Sprint(v)
}

func matches(rec Record, where map[string]any) bool {
	for field, want := range where {
		got, ok := rec[field]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func project(rec Record, fields []string) Record {
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}
