package saga

import (
	"maps"
	"slices"
	"time"
)

// Snapshot is an immutable view of a run. Executors publish a new one after every
// mutation; readers never see partial updates.
type Snapshot struct {
	RunID                string            `json:"run_id"`
	Saga                 string            `json:"saga"`
	Status               Status            `json:"status"`
	Results              map[string]string `json:"results,omitempty"`
	LastError            string            `json:"last_error,omitempty"`
	ErrorKind            ErrorKind         `json:"error_kind,omitempty"`
	CompletedSteps       []string          `json:"completed_steps,omitempty"`
	Compensated          []string          `json:"compensated,omitempty"`
	PendingCompensations []string          `json:"pending_compensations,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	FinishedAt           *time.Time        `json:"finished_at,omitempty"`
}

// Result returns a published step result.
func (s Snapshot) Result(key string) (string, bool) {
	v, ok := s.Results[key]
	return v, ok
}

// Error returns the last recorded error, if any.
func (s Snapshot) Error() (string, bool) {
	return s.LastError, s.LastError != ""
}

// Terminal reports whether the run has ended.
func (s Snapshot) Terminal() bool {
	return s.Status.IsTerminal()
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Results = maps.Clone(s.Results)
	out.CompletedSteps = slices.Clone(s.CompletedSteps)
	out.Compensated = slices.Clone(s.Compensated)
	out.PendingCompensations = slices.Clone(s.PendingCompensations)
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// StatusView answers status queries for one run without blocking on it.
type StatusView interface {
	Status() Status
	Result(key string) (string, bool)
	LastError() (string, bool)
	Snapshot() Snapshot
}
