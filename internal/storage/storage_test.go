package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "scripts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { lite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": lite,
	}
}

func TestStoreVersions(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			scripts := []*Script{
				{ProjectID: "p1", VersionID: "v1", Source: "console.log(1)", CreatedAt: base},
				{ProjectID: "p1", VersionID: "v2", Source: "console.log(2)", CreatedAt: base.Add(time.Hour)},
				{ProjectID: "p2", VersionID: "v1", Source: "console.log(3)", CreatedAt: base},
			}
			for _, s := range scripts {
				if err := store.PutScript(ctx, s); err != nil {
					t.Fatalf("PutScript: %v", err)
				}
			}

			tests := []struct {
				project, version string
				wantSource       string
				wantErr          error
			}{
				{"p1", "v1", "console.log(1)", nil},
				{"p1", "", "console.log(2)", nil},
				{"p2", "", "console.log(3)", nil},
				{"p1", "v9", "", ErrScriptNotFound},
				{"nope", "", "", ErrScriptNotFound},
			}
			for _, tt := range tests {
				got, err := store.GetScript(ctx, tt.project, tt.version)
				if tt.wantErr != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Errorf("GetScript(%s, %s) err = %v, want %v", tt.project, tt.version, err, tt.wantErr)
					}
					continue
				}
				if err != nil {
					t.Fatalf("GetScript(%s, %s): %v", tt.project, tt.version, err)
				}
				if got.Source != tt.wantSource {
					t.Errorf("GetScript(%s, %s) source = %q, want %q", tt.project, tt.version, got.Source, tt.wantSource)
				}
				if got.Filename != tt.project+".js" {
					t.Errorf("filename = %q", got.Filename)
				}
			}

			if !store.Healthy(ctx) {
				t.Error("store reports unhealthy")
			}
		})
	}
}

func TestStoreReplaceVersion(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = store.PutScript(ctx, &Script{ProjectID: "p1", VersionID: "v1", Source: "old"})
			if err := store.PutScript(ctx, &Script{ProjectID: "p1", VersionID: "v1", Source: "new"}); err != nil {
				t.Fatal(err)
			}
			got, err := store.GetScript(ctx, "p1", "v1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Source != "new" {
				t.Errorf("source = %q, want new", got.Source)
			}
		})
	}
}

func TestMemoryStoreRejectsMissingIDs(t *testing.T) {
	if err := NewMemoryStore().PutScript(context.Background(), &Script{ProjectID: "p1"}); err == nil {
		t.Error("expected error for missing version id")
	}
}

func TestMemoryStoreLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string, mod time.Time) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	write("p1/v1.js", "console.log('v1')", now.Add(-time.Hour))
	write("p1/v2.js", "console.log('v2')", now)
	write("p1/notes.txt", "ignored", now)
	write("README.md", "ignored", now)

	store := NewMemoryStore()
	n, err := store.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d scripts, want 2", n)
	}

	latest, err := store.GetScript(context.Background(), "p1", "")
	if err != nil {
		t.Fatal(err)
	}
	if latest.VersionID != "v2" || latest.Filename != "v2.js" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestMemoryStoreLoadDirMissing(t *testing.T) {
	if _, err := NewMemoryStore().LoadDir(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}
