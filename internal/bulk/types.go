// Package bulk runs a processor over a list of work items with bounded
// concurrency, retries, checkpointing and resume.
package bulk

import (
	"context"
	"encoding/json"
	"errors"

	"apsbulk/internal/checkpoint"
)

// WorkItem is one unit of work. ID is unique within an operation and
// Payload is persisted so the item can be rebuilt on resume.
type WorkItem struct {
	ID      string
	Label   string
	Payload json.RawMessage
	// Bytes is the volume the item transfers, zero when not applicable
	Bytes int64
}

// DisplayName returns the label, falling back to the id
func (w WorkItem) DisplayName() string {
	if w.Label != "" {
		return w.Label
	}
	return w.ID
}

// ResultKind is the outcome class of one processor call
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultSkipped
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultSkipped:
		return "skipped"
	case ResultFailed:
		return "failed"
	}
	return "unknown"
}

// ItemResult is what a processor returns for an item
type ItemResult struct {
	Kind ResultKind
	// Output is the success value or the skip reason.
	Output string
	// Err is set for failures.
	Err error
	// Retryable is filled by the engine on the final result.
	Retryable bool
	// Bytes is the data volume handled, used for throughput reporting.
	Bytes int64
}

// Success reports a processed item
func Success(output string) ItemResult {
	return ItemResult{Kind: ResultSuccess, Output: output}
}

// Skipped reports an item that needed no work
func Skipped(reason string) ItemResult {
	return ItemResult{Kind: ResultSkipped, Output: reason}
}

// Failed reports a failed attempt
func Failed(err error) ItemResult {
	if err == nil {
		err = errors.New("processor reported failure without an error")
	}
	return ItemResult{Kind: ResultFailed, Err: err}
}

// WithBytes records the data volume of the item
func (r ItemResult) WithBytes(n int64) ItemResult {
	r.Bytes = n
	return r
}

// Processor handles one item. It must honor ctx cancellation and must be
// safe for concurrent use.
type Processor func(ctx context.Context, item WorkItem) ItemResult

func (r ItemResult) status() checkpoint.ItemStatus {
	switch r.Kind {
	case ResultSuccess:
		return checkpoint.ItemCompleted
	case ResultSkipped:
		return checkpoint.ItemSkipped
	}
	return checkpoint.ItemFailed
}
