package checkpoint

import (
	"fmt"
	"time"
)

// Update is a state mutation accepted by Store.Apply.
type Update interface {
	apply(s *OperationState, now time.Time) error
}

// ItemTransition moves one item to a new status.
type ItemTransition struct {
	ItemID    string
	Status    ItemStatus
	Attempts  int
	Output    string
	Error     string
	Retryable bool
}

// ProgressCheckpoint records a batch of item transitions in one write.
// An empty batch only advances the sequence.
type ProgressCheckpoint struct {
	Transitions []ItemTransition
}

// StatusChange moves the operation to a new status.
type StatusChange struct {
	Status OperationStatus
}

// Apply mutates state with u. On error state is left untouched.
func Apply(state *OperationState, u Update, now time.Time) error {
	next := state.Clone()
	if err := u.apply(next, now); err != nil {
		return err
	}
	next.Sequence++
	next.UpdatedAt = now
	next.Recount()
	*state = *next
	return nil
}

func (t ItemTransition) apply(s *OperationState, now time.Time) error {
	item, ok := s.Item(t.ItemID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownItem, t.ItemID)
	}
	return t.applyTo(item, now)
}

func (t ItemTransition) applyTo(item *ItemState, now time.Time) error {
	if !itemTransitionAllowed(item.Status, t.Status) {
		return fmt.Errorf("%w: item %q %s -> %s", ErrInvalidTransition, item.ID, item.Status, t.Status)
	}
	item.Status = t.Status
	if t.Attempts > item.Attempts {
		item.Attempts = t.Attempts
	}
	item.Output = t.Output
	item.Error = t.Error
	item.Retryable = t.Retryable
	item.UpdatedAt = now
	return nil
}

func (p ProgressCheckpoint) apply(s *OperationState, now time.Time) error {
	if len(p.Transitions) == 0 {
		return nil
	}
	index := make(map[string]int, len(s.Items))
	for i := range s.Items {
		index[s.Items[i].ID] = i
	}
	for _, t := range p.Transitions {
		i, ok := index[t.ItemID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownItem, t.ItemID)
		}
		if err := t.applyTo(&s.Items[i], now); err != nil {
			return err
		}
	}
	return nil
}

func (c StatusChange) apply(s *OperationState, _ time.Time) error {
	if !operationTransitionAllowed(s.Status, c.Status) && !lateCompletion(s, c.Status) {
		return fmt.Errorf("%w: operation %s -> %s", ErrInvalidTransition, s.Status, c.Status)
	}
	s.Status = c.Status
	return nil
}

// Items never leave a terminal status. InFlight -> InFlight covers an
// item re-dispatched after an interrupted run; InFlight -> Pending
// requeues an item abandoned after a cancel.
func itemTransitionAllowed(from, to ItemStatus) bool {
	switch from {
	case ItemPending:
		return to == ItemInFlight || to.Terminal()
	case ItemInFlight:
		return to == ItemInFlight || to == ItemPending || to.Terminal()
	}
	return false
}

// lateCompletion lets a run finish as completed when a cancel request
// landed after its last item.
func lateCompletion(s *OperationState, to OperationStatus) bool {
	return s.Status == StatusCancelled && to == StatusCompleted &&
		s.Counters.Pending+s.Counters.InFlight == 0
}

func operationTransitionAllowed(from, to OperationStatus) bool {
	switch from {
	case StatusCreated:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusRunning || to.Terminal()
	case StatusFailed, StatusCancelled:
		return to == StatusRunning || to == StatusCancelled
	}
	return false
}
