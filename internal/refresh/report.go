package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// Status is the outcome of one snapshot record.
type Status string

// Record outcomes. Invalid is terminal for the run.
const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusInvalid Status = "invalid"
)

// Result reports what happened to one input record. The input record itself
// is never modified; Record is the engine's working copy, carrying the
// resolved foreign keys and, on success, the assigned id.
type Result struct {
	Collection string
	Index      int // position in the input batch
	ID         int64
	Status     Status
	Linked     bool // lineage parent was set after the batch
	Err        error
	Record     *snapshot.Record
}

// Label names the record for logs and errors.
func (r *Result) Label() string {
	if r.Record != nil {
		if l := r.Record.Label(); l != "" {
			return l
		}
	}

	return fmt.Sprintf("#%d", r.Index)
}

// Report summarizes one refresh run.
type Report struct {
	RunID    string
	EMSID    int64
	Target   Target
	Duration time.Duration

	Results []*Result

	Disconnected          int
	PartiallyDisconnected int
	Requeued              int
	DisconnectSuppressed  bool
	Duplicates            []string
}

func (r *Report) add(res *Result) {
	r.Results = append(r.Results, res)
}

// Collection returns the results for one collection in batch order.
func (r *Report) Collection(name string) []*Result {
	var out []*Result

	for _, res := range r.Results {
		if res.Collection == name {
			out = append(out, res)
		}
	}

	return out
}

// Result returns the result for the record at index of collection, or nil.
func (r *Report) Result(collection string, index int) *Result {
	for _, res := range r.Results {
		if res.Collection == collection && res.Index == index {
			return res
		}
	}

	return nil
}

// Count returns how many results of collection ended with status. An empty
// collection counts across all collections.
func (r *Report) Count(collection string, status Status) int {
	n := 0

	for _, res := range r.Results {
		if (collection == "" || res.Collection == collection) && res.Status == status {
			n++
		}
	}

	return n
}

// Invalid returns every result that ended invalid.
func (r *Report) Invalid() []*Result {
	var out []*Result

	for _, res := range r.Results {
		if res.Status == StatusInvalid {
			out = append(out, res)
		}
	}

	return out
}

// Err joins the per-record errors, or returns nil when every record was
// saved.
func (r *Report) Err() error {
	var errs []error

	for _, res := range r.Invalid() {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.Collection, res.Label(), res.Err))
		}
	}

	return errors.Join(errs...)
}
