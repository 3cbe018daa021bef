package mockdata

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed fixtures/seed.yaml
var defaultFixtures []byte

// Fixtures maps collection names to their seed records.
type Fixtures map[string][]Record

// DefaultFixtures returns the collections compiled into the binary.
func DefaultFixtures() (Fixtures, error) {
	return LoadFixtures(bytes.NewReader(defaultFixtures))
}

// LoadFixtures decodes a YAML document of collection name to record list.
func LoadFixtures(r io.Reader) (Fixtures, error) {
	var fx Fixtures
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&fx); err != nil {
		if err == io.EOF {
			return Fixtures{}, nil
		}
		return nil, fmt.Errorf("decoding fixtures: %w", err)
	}
	for key, records := range fx {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
		// yaml.v3 decodes nested mappings as Record.
		fx[key] = cloneRecords(records)
	}
	return fx, nil
}

// LoadFixturesFile reads fixtures from path.
func LoadFixturesFile(path string) (Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fixtures: %w", err)
	}
	defer f.Close()
	return LoadFixtures(f)
}

// NewSeededStore returns a store holding fx. When path is non-empty the
// fixtures are read from that file instead of the embedded defaults.
func NewSeededStore(path string) (*Store, error) {
	var (
		fx  Fixtures
		err error
	)
	if path != "" {
		fx, err = LoadFixturesFile(path)
	} else {
		fx, err = DefaultFixtures()
	}
	if err != nil {
		return nil, err
	}

	s := NewStore()
	if err := s.Seed(fx); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed puts every fixture collection into the store.
func (s *Store) Seed(fx Fixtures) error {
	for key, records := range fx {
		if err := s.Put(key, records); err != nil {
			return fmt.Errorf("seeding %s: %w", key, err)
		}
	}
	return nil
}
