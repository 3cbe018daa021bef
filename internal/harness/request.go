package harness

import (
	"math"
	"regexp"
	"time"

	"script-harness/internal/platform"
	"script-harness/internal/sandbox"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ExecutionRequest asks for one run of a stored script version.
type ExecutionRequest struct {
	ProjectID string           `json:"projectId"`
	VersionID string           `json:"versionId,omitempty"` // empty selects the latest version
	Config    *ExecutionConfig `json:"config,omitempty"`
	TestData  map[string]any   `json:"testData,omitempty"`
}

// ExecutionConfig overrides the default limits of a run. Nil fields keep the
// configured defaults.
type ExecutionConfig struct {
	TimeoutMs        *int64 `json:"timeoutMs,omitempty"`
	MemoryLimitBytes *int64 `json:"memoryLimitBytes,omitempty"`
	APICallLimit     *int64 `json:"apiCallLimit,omitempty"`

	SimulatedErrors []platform.ErrorRule `json:"simulatedErrors,omitempty"`
	RequireIdentity bool                 `json:"requireIdentity,omitempty"`
}

// maxTimeoutMs is the largest timeout that still fits in a time.Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// Validate checks ids and explicit config values.
func (r ExecutionRequest) Validate() error {
	if r.ProjectID == "" {
		return invalidf("validate", "projectId is required")
	}
	if !idPattern.MatchString(r.ProjectID) {
		return invalidf("validate", "projectId %q is malformed", r.ProjectID)
	}
	if r.VersionID != "" && !idPattern.MatchString(r.VersionID) {
		return invalidf("validate", "versionId %q is malformed", r.VersionID)
	}

	c := r.Config
	if c == nil {
		return nil
	}
	if c.TimeoutMs != nil && *c.TimeoutMs <= 0 {
		return invalidf("validate", "timeoutMs must be positive, got %d", *c.TimeoutMs)
	}
	if c.TimeoutMs != nil && *c.TimeoutMs > maxTimeoutMs {
		return invalidf("validate", "timeoutMs %d is out of range", *c.TimeoutMs)
	}
	if c.MemoryLimitBytes != nil && *c.MemoryLimitBytes <= 0 {
		return invalidf("validate", "memoryLimitBytes must be positive, got %d", *c.MemoryLimitBytes)
	}
	if c.APICallLimit != nil && *c.APICallLimit <= 0 {
		return invalidf("validate", "apiCallLimit must be positive, got %d", *c.APICallLimit)
	}
	for i, rule := range c.SimulatedErrors {
		if err := rule.Validate(); err != nil {
			return invalidf("validate", "simulatedErrors[%d]: %v", i, err)
		}
	}
	return nil
}

// limits fills unset values from defaults. The result is a fresh value.
func (r ExecutionRequest) limits(defaults sandbox.Limits) sandbox.Limits {
	l := defaults
	if c := r.Config; c != nil {
		if c.TimeoutMs != nil {
			l.Timeout = time.Duration(*c.TimeoutMs) * time.Millisecond
		}
		if c.MemoryLimitBytes != nil {
			l.MemoryBytes = *c.MemoryLimitBytes
		}
		if c.APICallLimit != nil {
			l.APICallLimit = *c.APICallLimit
		}
	}
	return l
}

func (r ExecutionRequest) sessionOptions() platform.SessionOptions {
	if r.Config == nil {
		return platform.SessionOptions{}
	}
	return platform.SessionOptions{
		Rules:           append([]platform.ErrorRule(nil), r.Config.SimulatedErrors...),
		RequireIdentity: r.Config.RequireIdentity,
	}
}
