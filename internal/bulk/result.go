package bulk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"apsbulk/internal/checkpoint"
)

// Process exit codes
const (
	ExitOK           = 0
	ExitPartial      = 1
	ExitStartFailure = 2
	ExitCancelled    = 3
)

// ItemDetail is the final record of one item
type ItemDetail struct {
	ID        string
	Label     string
	Status    checkpoint.ItemStatus
	Output    string
	Error     string
	Retryable bool
	Attempts  int
	Payload   json.RawMessage
}

// Result summarizes an operation after a run. Details follow the
// operation's canonical item order.
type Result struct {
	OperationID string
	Kind        string
	Status      checkpoint.OperationStatus
	Counters    checkpoint.Counters
	Details     []ItemDetail
	DryRun      bool
	Duration    time.Duration
}

// NewResult summarizes state
func NewResult(state *checkpoint.OperationState, d time.Duration) *Result {
	r := &Result{
		OperationID: state.ID,
		Kind:        state.Kind,
		Status:      state.Status,
		Counters:    state.Counters,
		Details:     make([]ItemDetail, 0, len(state.Items)),
		Duration:    d,
	}
	for _, item := range state.Items {
		r.Details = append(r.Details, ItemDetail{
			ID:        item.ID,
			Label:     item.Label,
			Status:    item.Status,
			Output:    item.Output,
			Error:     item.Error,
			Retryable: item.Retryable,
			Attempts:  item.Attempts,
			Payload:   item.Payload,
		})
	}
	return r
}

// Outputs returns the outputs of completed items in canonical order
func (r *Result) Outputs() []string {
	var out []string
	for _, d := range r.Details {
		if d.Status == checkpoint.ItemCompleted {
			out = append(out, d.Output)
		}
	}
	return out
}

// Failures returns the failed items
func (r *Result) Failures() []ItemDetail {
	var out []ItemDetail
	for _, d := range r.Details {
		if d.Status == checkpoint.ItemFailed {
			out = append(out, d)
		}
	}
	return out
}

// Err combines the item failures, nil when there are none
func (r *Result) Err() error {
	var result *multierror.Error
	for _, d := range r.Failures() {
		result = multierror.Append(result, fmt.Errorf("%s: %s", d.ID, d.Error))
	}
	return result.ErrorOrNil()
}

// ExitCode maps the result to the process exit code
func (r *Result) ExitCode() int {
	switch {
	case r.Status == checkpoint.StatusCancelled:
		return ExitCancelled
	case r.DryRun:
		return ExitOK
	case r.Counters.Failed > 0, r.Counters.Pending > 0, r.Counters.InFlight > 0:
		return ExitPartial
	}
	return ExitOK
}
