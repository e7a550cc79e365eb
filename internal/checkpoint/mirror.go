package checkpoint

import (
	"fmt"
	"time"
)

// Mirror is an in-memory copy of an operation updated in place, with an
// index from item id to position. It is not safe for concurrent use.
type Mirror struct {
	state *OperationState
	index map[string]int
}

// NewMirror copies s into a new mirror
func NewMirror(s *OperationState) *Mirror {
	state := s.Clone()
	state.Recount()
	index := make(map[string]int, len(state.Items))
	for i := range state.Items {
		index[state.Items[i].ID] = i
	}
	return &Mirror{state: state, index: index}
}

// Transition applies t to its item. On error nothing changes.
func (m *Mirror) Transition(t ItemTransition, now time.Time) error {
	i, ok := m.index[t.ItemID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, t.ItemID)
	}
	item := &m.state.Items[i]
	from := item.Status
	if err := t.applyTo(item, now); err != nil {
		return err
	}
	m.state.Counters.move(from, item.Status)
	m.touch(now)
	return nil
}

// SetStatus moves the operation to status
func (m *Mirror) SetStatus(status OperationStatus, now time.Time) error {
	if err := (StatusChange{Status: status}).apply(m.state, now); err != nil {
		return err
	}
	m.touch(now)
	return nil
}

func (m *Mirror) touch(now time.Time) {
	m.state.Sequence++
	m.state.UpdatedAt = now
}

// Counters returns the current counters
func (m *Mirror) Counters() Counters {
	return m.state.Counters
}

// Snapshot returns a deep copy of the mirrored state
func (m *Mirror) Snapshot() *OperationState {
	return m.state.Clone()
}

func (c *Counters) move(from, to ItemStatus) {
	if from == to {
		return
	}
	c.add(from, -1)
	c.add(to, 1)
}

func (c *Counters) add(s ItemStatus, n int) {
	switch s {
	case ItemPending:
		c.Pending += n
	case ItemInFlight:
		c.InFlight += n
	case ItemCompleted:
		c.Completed += n
	case ItemFailed:
		c.Failed += n
	case ItemSkipped:
		c.Skipped += n
	}
}
