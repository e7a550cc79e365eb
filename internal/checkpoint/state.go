package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the version written into every persisted OperationState.
const SchemaVersion = 1

// OperationStatus is the lifecycle status of a bulk operation
type OperationStatus string

const (
	StatusCreated   OperationStatus = "created"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// Terminal reports whether dispatch has ended for the operation.
func (s OperationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ItemStatus is the status of a single work item
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemInFlight  ItemStatus = "in_flight"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// Terminal reports whether the item has a final outcome.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed || s == ItemSkipped
}

// ItemSeed describes an item when an operation is created
type ItemSeed struct {
	ID      string
	Label   string
	Payload json.RawMessage
}

// ItemState is the persisted record of one work item
type ItemState struct {
	ID        string          `json:"id"`
	Label     string          `json:"label,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    ItemStatus      `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Counters aggregates item statuses
type Counters struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Done returns the number of items with a terminal outcome.
func (c Counters) Done() int {
	return c.Completed + c.Failed + c.Skipped
}

// OperationState is the durable record of one bulk operation
type OperationState struct {
	Version   int             `json:"version"`
	ID        string          `json:"operation_id"`
	Kind      string          `json:"kind"`
	Status    OperationStatus `json:"status"`
	Params    map[string]any  `json:"params,omitempty"`
	Items     []ItemState     `json:"items"`
	Counters  Counters        `json:"counters"`
	Sequence  uint64          `json:"sequence"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewOperationState builds the initial state of an operation.
func NewOperationState(id, kind string, params map[string]any, seeds []ItemSeed, now time.Time) (*OperationState, error) {
	seen := make(map[string]struct{}, len(seeds))
	items := make([]ItemState, 0, len(seeds))
	for _, seed := range seeds {
		if seed.ID == "" {
			return nil, fmt.Errorf("%w: empty item id", ErrInvalidItems)
		}
		if _, dup := seen[seed.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item id %q", ErrInvalidItems, seed.ID)
		}
		seen[seed.ID] = struct{}{}
		items = append(items, ItemState{
			ID:        seed.ID,
			Label:     seed.Label,
			Payload:   seed.Payload,
			Status:    ItemPending,
			UpdatedAt: now,
		})
	}

	state := &OperationState{
		Version:   SchemaVersion,
		ID:        id,
		Kind:      kind,
		Status:    StatusCreated,
		Params:    params,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	state.Recount()
	return state, nil
}

// Recount recomputes Counters from the item list.
func (s *OperationState) Recount() {
	c := Counters{Total: len(s.Items)}
	for i := range s.Items {
		switch s.Items[i].Status {
		case ItemPending:
			c.Pending++
		case ItemInFlight:
			c.InFlight++
		case ItemCompleted:
			c.Completed++
		case ItemFailed:
			c.Failed++
		case ItemSkipped:
			c.Skipped++
		}
	}
	s.Counters = c
}

// Item returns the item with the given id.
func (s *OperationState) Item(id string) (*ItemState, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// Dispatchable returns the items that a run still has to process, in
// canonical order. InFlight items had no recorded outcome at the last
// checkpoint and are dispatched again.
func (s *OperationState) Dispatchable() []ItemState {
	var out []ItemState
	for _, item := range s.Items {
		if item.Status == ItemPending || item.Status == ItemInFlight {
			out = append(out, item)
		}
	}
	return out
}

// Clone returns a deep copy of the state.
func (s *OperationState) Clone() *OperationState {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = append([]ItemState(nil), s.Items...)
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Summary condenses an OperationState for listings
type Summary struct {
	ID        string          `json:"operation_id" yaml:"operation_id"`
	Kind      string          `json:"kind" yaml:"kind"`
	Status    OperationStatus `json:"status" yaml:"status"`
	Counters  Counters        `json:"counters" yaml:"counters"`
	Sequence  uint64          `json:"sequence" yaml:"sequence"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Summarize returns the listing view of the state.
func (s *OperationState) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Kind:      s.Kind,
		Status:    s.Status,
		Counters:  s.Counters,
		Sequence:  s.Sequence,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// Filter selects operations in List. Zero fields match everything.
type Filter struct {
	Status OperationStatus
	Kind   string
}

// Match reports whether the state passes the filter.
func (f Filter) Match(s *OperationState) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Kind != "" && s.Kind != f.Kind {
		return false
	}
	return true
}
