package sandbox

// Status is the externally reported classification of a run.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// Reason refines a failed or errored status.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonScriptError    Reason = "script_error"
	ReasonAssertion      Reason = "assertion"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonTimeout        Reason = "timeout"
	ReasonMemoryExceeded Reason = "memory_exceeded"
	ReasonLoadFailed     Reason = "load_failed"
	ReasonCancelled      Reason = "cancelled"
	ReasonInternal       Reason = "internal"
)

// Outcome is the closed set of run results: Passed, Failed or Errored.
// Failed means the script signalled a problem; Errored means the harness
// stopped or could not run it.
type Outcome interface {
	Status() Status
	outcome()
}

type Passed struct{}

type Failed struct {
	Reason  Reason
	Message string
}

type Errored struct {
	Reason  Reason
	Message string
}

func (Passed) Status() Status  { return StatusPassed }
func (Failed) Status() Status  { return StatusFailed }
func (Errored) Status() Status { return StatusError }

func (Passed) outcome()  {}
func (Failed) outcome()  {}
func (Errored) outcome() {}

// ReasonOf returns the reason carried by o.
func ReasonOf(o Outcome) Reason {
	switch v := o.(type) {
	case Failed:
		return v.Reason
	case Errored:
		return v.Reason
	default:
		return ReasonNone
	}
}
