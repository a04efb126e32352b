package sync

import "github.com/wesm/offlinesales/internal/db"

// Phase describes what a queue's sync loop is doing.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
)

// Progress reports sync progress to listeners.
type Progress struct {
	Type   db.OperationType `json:"type"`
	Phase  Phase            `json:"phase"`
	Total  int              `json:"total"`
	Done   int              `json:"done"`
	Failed int              `json:"failed"`
}

// Percent returns the sync progress as a percentage (0–100).
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Done+p.Failed) / float64(p.Total) * 100
}

// ProgressFunc is called with progress updates during sync.
type ProgressFunc func(Progress)

// OpError pairs a failed operation with its captured message.
type OpError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarizes one sync pass.
//
// Synced plus len(Errors) equals the number of records the pass
// picked up, unless Err reports that the pass was cut short.
// Err is set when no pass ran (offline, already running) or the
// store failed; per-record remote failures only go to Errors.
type Result struct {
	Success    bool      `json:"success"`
	Synced     int       `json:"sincronizados"`
	Errors     []OpError `json:"errores"`
	InProgress bool      `json:"inProgress,omitempty"`
	Offline    bool      `json:"offline,omitempty"`
	Err        error     `json:"-"`
}

func newResult() Result {
	return Result{Errors: []OpError{}}
}

// RecordSynced counts one completed operation.
func (r *Result) RecordSynced() {
	r.Synced++
}

// RecordFailed captures one failed operation.
func (r *Result) RecordFailed(id string, err error) {
	r.Errors = append(r.Errors, OpError{ID: id, Error: err.Error()})
}

func (r *Result) finish() {
	r.Success = r.Err == nil && len(r.Errors) == 0
}
