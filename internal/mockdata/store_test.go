package mockdata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore()
	data := []Record{
		{"id": "a", "n": 1, "tags": []any{"x", "y"}},
		{"id": "b", "n": 2, "nested": map[string]any{"k": "v"}},
	}
	if err := s.Put("things", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get("things")
	if !ok {
		t.Fatal("Get returned ok=false for stored collection")
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0]["id"] != "a" || got[1]["id"] != "b" {
		t.Errorf("order not preserved: %v", got)
	}

	// Mutating the input or output must not leak into the store.
	data[0]["n"] = 99
	got[1]["nested"].(map[string]any)["k"] = "changed"

	again, _ := s.Get("things")
	if again[0]["n"] != 1 {
		t.Errorf("input mutation leaked: n = %v", again[0]["n"])
	}
	if again[1]["nested"].(map[string]any)["k"] != "v" {
		t.Errorf("output mutation leaked: %v", again[1]["nested"])
	}
}

func TestPutReplaces(t *testing.T) {
	s := NewStore()
	_ = s.Put("c", []Record{{"id": "1"}, {"id": "2"}})
	_ = s.Put("c", []Record{{"id": "3"}})

	got, _ := s.Get("c")
	if len(got) != 1 || got[0]["id"] != "3" {
		t.Errorf("Put did not replace collection: %v", got)
	}
}

func TestPutInvalidKey(t *testing.T) {
	s := NewStore()
	for _, key := range []string{"", "-leading", "has space", strings.Repeat("a", 200)} {
		if err := s.Put(key, nil); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get("nope"); ok {
		t.Error("Get on missing collection returned ok=true")
	}
}

func TestAllAndKeys(t *testing.T) {
	s := NewStore()
	_ = s.Put("b", []Record{{"id": "1"}})
	_ = s.Put("a", nil)

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
	if all["a"] == nil || len(all["a"]) != 0 {
		t.Errorf("empty collection should be an empty slice, got %#v", all["a"])
	}

	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}
}

func TestQuery(t *testing.T) {
	s := NewStore()
	_ = s.Put("orders", []Record{
		{"id": "o1", "status": "open", "total": 10},
		{"id": "o2", "status": "closed", "total": 30.5},
		{"id": "o3", "status": "open", "total": float64(20)},
	})

	tests := []struct {
		name    string
		q       Query
		wantIDs []string
	}{
		{"all", Query{}, []string{"o1", "o2", "o3"}},
		{"where string", Query{Where: map[string]any{"status": "open"}}, []string{"o1", "o3"}},
		{"where number across types", Query{Where: map[string]any{"total": int64(20)}}, []string{"o3"}},
		{"sort asc", Query{SortBy: "total"}, []string{"o1", "o3", "o2"}},
		{"sort desc", Query{SortBy: "total", Desc: true}, []string{"o2", "o3", "o1"}},
		{"limit", Query{SortBy: "total", Limit: 2}, []string{"o1", "o3"}},
		{"no match", Query{Where: map[string]any{"status": "void"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query("orders", tt.q)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i]["id"] != id {
					t.Errorf("record %d id = %v, want %s", i, got[i]["id"], id)
				}
			}
		})
	}
}

func TestQuerySelect(t *testing.T) {
	s := NewStore()
	_ = s.Put("c", []Record{{"id": "1", "name": "x", "secret": "y"}})

	got, err := s.Query("c", Query{Select: []string{"name"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got[0]) != 1 || got[0]["name"] != "x" {
		t.Errorf("projection = %v, want only name", got[0])
	}
}

func TestQueryMissingCollection(t *testing.T) {
	s := NewStore()
	if _, err := s.Query("missing", Query{}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("err = %v, want ErrCollectionNotFound", err)
	}
}

func TestInsert(t *testing.T) {
	s := NewStore()
	_ = s.Put("c", nil)

	rec, err := s.Insert("c", Record{"name": "new"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id, _ := rec["id"].(string)
	if id == "" {
		t.Fatal("Insert did not assign an id")
	}

	if _, err := s.Insert("c", Record{"id": id}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate insert err = %v, want ErrDuplicateID", err)
	}
	if _, err := s.Insert("missing", Record{}); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("insert into missing err = %v, want ErrCollectionNotFound", err)
	}

	got, _ := s.Get("c")
	if len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestUpdate(t *testing.T) {
	s := NewStore()
	_ = s.Put("c", []Record{{"id": "1", "a": 1, "b": 2}})

	rec, err := s.Update("c", "1", Record{"b": 3, "id": "hijack"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec["a"] != 1 || rec["b"] != 3 || rec["id"] != "1" {
		t.Errorf("merged record = %v", rec)
	}

	if _, err := s.Update("c", "missing", Record{}); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestConcurrentUpdatesKeepAllFields(t *testing.T) {
	s := NewStore()
	_ = s.Put("c", []Record{{"id": "r"}})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Update("c", "r", Record{fmt.Sprintf("f%d", i): i}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := s.Get("c")
	// id plus one field per writer.
	if len(got[0]) != writers+1 {
		t.Errorf("record has %d fields, want %d", len(got[0]), writers+1)
	}
}

func TestDefaultFixtures(t *testing.T) {
	s, err := NewSeededStore("")
	if err != nil {
		t.Fatalf("NewSeededStore: %v", err)
	}
	for _, key := range []string{"customers", "orders", "products", "tasks"} {
		if !s.Has(key) {
			t.Errorf("default fixtures missing %q", key)
		}
	}
}

func TestLoadFixturesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fx.yaml")
	content := "widgets:\n  - id: w1\n    size: 3\n    meta:\n      color: red\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := NewSeededStore(path)
	if err != nil {
		t.Fatalf("NewSeededStore: %v", err)
	}
	got, ok := s.Get("widgets")
	if !ok || len(got) != 1 {
		t.Fatalf("widgets = %v", got)
	}
	if got[0]["size"] != 3 {
		t.Errorf("size = %#v, want 3", got[0]["size"])
	}
	if meta, _ := got[0]["meta"].(map[string]any); meta["color"] != "red" {
		t.Errorf("meta = %#v", got[0]["meta"])
	}
}

func TestLoadFixturesNestedValuesArePlainMaps(t *testing.T) {
	content := `
widgets:
  - id: w1
    meta:
      color: red
      dims: {w: 2, h: 3}
    parts:
      - name: bolt
      - name: nut
`
	fx, err := LoadFixtures(strings.NewReader(content))
	if err != nil {
		t.Fatalf("LoadFixtures: %v", err)
	}

	rec := fx["widgets"][0]
	meta, ok := rec["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta is %T, want map[string]any", rec["meta"])
	}
	if _, ok := meta["dims"].(map[string]any); !ok {
		t.Errorf("meta.dims is %T, want map[string]any", meta["dims"])
	}
	parts, ok := rec["parts"].([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("parts = %#v", rec["parts"])
	}
	if part, ok := parts[0].(map[string]any); !ok || part["name"] != "bolt" {
		t.Errorf("parts[0] = %#v (%T)", parts[0], parts[0])
	}
}

func TestPutFlattensNestedRecords(t *testing.T) {
	s := NewStore()
	if err := s.Put("things", []Record{{"id": "t1", "inner": Record{"a": 1}, "list": []Record{{"b": 2}}}}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("things")
	if _, ok := got[0]["inner"].(map[string]any); !ok {
		t.Errorf("inner is %T, want map[string]any", got[0]["inner"])
	}
	list, ok := got[0]["list"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("list = %#v", got[0]["list"])
	}
	if _, ok := list[0].(map[string]any); !ok {
		t.Errorf("list[0] is %T, want map[string]any", list[0])
	}
}

func TestLoadFixturesRejectsBadKey(t *testing.T) {
	_, err := LoadFixtures(strings.NewReader("\"bad key\":\n  - id: 1\n"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestApproxSizeGrows(t *testing.T) {
	small := ApproxSize(map[string]any{"a": "b"})
	large := ApproxSize(map[string]any{"a": strings.Repeat("b", 1000)})
	if large <= small {
		t.Errorf("ApproxSize did not grow: small=%d large=%d", small, large)
	}
}
