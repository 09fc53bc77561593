package sync

import (
	"errors"
	"sync"
	"time"
)

// Sync pass modes.
const (
	ModeFull    = "full"
	ModeDelta   = "delta"
	ModeRestore = "restore"
)

// Result summarizes one pass. Per-record failures land in Errors instead of
// aborting the pass.
type Result struct {
	Mode        string        `json:"mode"`
	Uploaded    int           `json:"uploaded"`
	Downloaded  int           `json:"downloaded"`
	Quarantined int           `json:"quarantined"`
	Restored    int           `json:"restored"`
	Skipped     int           `json:"skipped"`
	Deleted     int           `json:"deleted"`
	Moved       int           `json:"moved"`
	Errors      []error       `json:"-"`
	Duration    time.Duration `json:"duration"`

	mu      sync.Mutex
	started time.Time
}

func newResult(mode string, now time.Time) *Result {
	return &Result{Mode: mode, started: now}
}

func (r *Result) update(fn func(*Result)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *Result) addError(err error) {
	r.update(func(r *Result) { r.Errors = append(r.Errors, err) })
}

// Err joins the collected errors.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.Errors...)
}

// Changed reports whether the pass touched any local record.
func (r *Result) Changed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Downloaded+r.Quarantined+r.Restored+r.Deleted+r.Moved > 0
}
