package model

import "time"

// RunStatus represents the state of an ingestion pass.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunRecord is one ingestion pass (cycle) as kept in the run log.
type RunRecord struct {
	ID          string     `json:"id"`
	Cycle       int64      `json:"cycle"`
	Status      RunStatus  `json:"status"`
	Sources     []string   `json:"sources,omitempty"`
	Report      *RunReport `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunReport summarizes the outcome of an ingestion pass.
type RunReport struct {
	Ingested              int                       `json:"ingested"`
	Skipped               int                       `json:"skipped"`
	Merged                int                       `json:"merged"`
	Created               int                       `json:"created"`
	Updated               int                       `json:"updated"`
	Unchanged             int                       `json:"unchanged"`
	Stale                 int                       `json:"stale"`
	Conflicts             int                       `json:"conflicts"`
	ClassificationChanges int                       `json:"classification_changes"`
	Deactivated           int                       `json:"deactivated"`
	Reactivated           int                       `json:"reactivated"`
	Diagnostics           map[string]int            `json:"diagnostics,omitempty"`
	DiagnosticsBySource   map[string]map[string]int `json:"diagnostics_by_source,omitempty"`
}

// AddDiagnostic counts one occurrence of code for sourceID.
func (r *RunReport) AddDiagnostic(sourceID, code string) {
	r.AddDiagnostics(sourceID, code, 1)
}

// AddDiagnostics counts n occurrences of code for sourceID.
func (r *RunReport) AddDiagnostics(sourceID, code string, n int) {
	if n <= 0 {
		return
	}
	if r.Diagnostics == nil {
		r.Diagnostics = make(map[string]int)
	}
	r.Diagnostics[code] += n
	if sourceID == "" {
		return
	}
	if r.DiagnosticsBySource == nil {
		r.DiagnosticsBySource = make(map[string]map[string]int)
	}
	bySource := r.DiagnosticsBySource[sourceID]
	if bySource == nil {
		bySource = make(map[string]int)
		r.DiagnosticsBySource[sourceID] = bySource
	}
	bySource[code] += n
}
