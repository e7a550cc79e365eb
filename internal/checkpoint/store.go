package checkpoint

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("checkpoint: operation not found")
	ErrCorrupt            = errors.New("checkpoint: corrupt operation state")
	ErrUnsupportedVersion = errors.New("checkpoint: unsupported state version")
	ErrInvalidTransition  = errors.New("checkpoint: invalid transition")
	ErrUnknownItem        = errors.New("checkpoint: unknown item")
	ErrInvalidItems       = errors.New("checkpoint: invalid items")
	ErrClosed             = errors.New("checkpoint: store closed")
	ErrLocked             = errors.New("checkpoint: operation is locked by another run")
)

// Store persists operation states. Implementations serialize Apply calls
// per operation; each Apply is atomic and increments Sequence.
type Store interface {
	// Create persists a new operation in status Created and returns its id.
	Create(ctx context.Context, kind string, params map[string]any, items []ItemSeed) (string, error)
	// Load returns the current state. It never mutates the stored state.
	Load(ctx context.Context, id string) (*OperationState, error)
	// Apply applies u and returns the new state.
	Apply(ctx context.Context, id string, u Update) (*OperationState, error)
	// List returns summaries, most recently updated first.
	List(ctx context.Context, filter Filter) ([]Summary, error)
	// Delete removes an operation. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	// Lock takes the exclusive run lease of an operation, across
	// processes sharing the store. It fails with ErrLocked while a live
	// owner holds it; leases of dead processes on this host are taken over.
	Lock(ctx context.Context, id string) (ReleaseFunc, error)
	Close() error
}
