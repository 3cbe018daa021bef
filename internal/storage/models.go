package storage

import (
	"context"
	"errors"
	"time"
)

// ErrScriptNotFound is returned when no script matches a project/version.
var ErrScriptNotFound = errors.New("script not found")

// Script is one stored version of a project's test script.
type Script struct {
	ProjectID string    `json:"project_id" db:"project_id"`
	VersionID string    `json:"version_id" db:"version_id"`
	Filename  string    `json:"filename" db:"filename"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ScriptStore resolves scripts for execution. An empty versionID selects the
// most recently created version of the project.
type ScriptStore interface {
	GetScript(ctx context.Context, projectID, versionID string) (*Script, error)
}

// Store is a ScriptStore that can also be written to and health-checked.
type Store interface {
	ScriptStore
	PutScript(ctx context.Context, s *Script) error
	Healthy(ctx context.Context) bool
	Close() error
}

func prepare(s *Script) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Filename == "" {
		s.Filename = s.ProjectID + ".js"
	}
}
