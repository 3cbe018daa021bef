package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps scripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string][]Script // ordered by CreatedAt
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string][]Script)}
}

// GetScript returns the requested version, or the latest when versionID is empty.
func (m *MemoryStore) GetScript(_ context.Context, projectID, versionID string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.projects[projectID]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: project %s", ErrScriptNotFound, projectID)
	}
	if versionID == "" {
		s := versions[len(versions)-1]
		return &s, nil
	}
	for _, s := range versions {
		if s.VersionID == versionID {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: project %s version %s", ErrScriptNotFound, projectID, versionID)
}

// PutScript stores s, replacing an existing script with the same version.
func (m *MemoryStore) PutScript(_ context.Context, s *Script) error {
	if s.ProjectID == "" || s.VersionID == "" {
		return fmt.Errorf("script requires project and version ids")
	}
	cp := *s
	prepare(&cp)

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.projects[cp.ProjectID]
	kept := versions[:0]
	for _, v := range versions {
		if v.VersionID != cp.VersionID {
			kept = append(kept, v)
		}
	}
	kept = append(kept, cp)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	m.projects[cp.ProjectID] = kept
	return nil
}

// LoadDir reads scripts laid out as <dir>/<project>/<version>.js. File
// modification times order the versions of a project.
func (m *MemoryStore) LoadDir(ctx context.Context, dir string) (int, error) {
	projects, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading scripts dir: %w", err)
	}

	loaded := 0
	for _, p := range projects {
		if !p.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, p.Name()))
		if err != nil {
			return loaded, fmt.Errorf("reading project %s: %w", p.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".js" {
				continue
			}
			path := filepath.Join(dir, p.Name(), f.Name())
			src, err := os.ReadFile(path)
			if err != nil {
				return loaded, fmt.Errorf("reading %s: %w", path, err)
			}
			info, err := f.Info()
			if err != nil {
				return loaded, fmt.Errorf("stat %s: %w", path, err)
			}
			err = m.PutScript(ctx, &Script{
				ProjectID: p.Name(),
				VersionID: strings.TrimSuffix(f.Name(), ".js"),
				Filename:  f.Name(),
				Source:    string(src),
				CreatedAt: info.ModTime().UTC(),
			})
			if err != nil {
				return loaded, err
			}
			loaded++
		}
	}

	log.Info().Str("dir", dir).Int("scripts", loaded).Msg("loaded scripts from directory")
	return loaded, nil
}

// Healthy always reports true.
func (m *MemoryStore) Healthy(context.Context) bool { return true }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
