package bulk

import (
	"fmt"
	"time"
)

// Config controls one executor
type Config struct {
	// Concurrency caps the number of items in flight.
	Concurrency int
	// MaxAttempts is the attempt budget per item, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      JitterPolicy
	// Idempotent declares whether repeating a processor call is safe.
	Idempotent bool
	// ContinueOnError keeps dispatching after an item fails terminally.
	ContinueOnError bool
	DryRun          bool
	// A checkpoint is written after CheckpointEvery outcomes or
	// CheckpointInterval, whichever comes first.
	CheckpointEvery    int
	CheckpointInterval time.Duration
	// GraceTimeout bounds how long in-flight items may finish after a
	// cancel. Zero waits for them.
	GraceTimeout time.Duration
	// RequeueAbandoned returns items cut off by the grace timeout to
	// pending, so a resume dispatches them again, instead of recording
	// them skipped.
	RequeueAbandoned bool
	// CancelPollInterval is how often a run reads the store for a cancel
	// requested by another process. Zero disables polling.
	CancelPollInterval time.Duration
	// AttemptTimeout bounds a single processor call. Zero disables it.
	AttemptTimeout time.Duration
	// OperationTimeout bounds a run; expiry behaves like a cancel.
	OperationTimeout time.Duration
	ProgressInterval time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		MaxAttempts:        5,
		BaseDelay:          time.Second,
		MaxDelay:           60 * time.Second,
		Jitter:             JitterFull,
		Idempotent:         true,
		ContinueOnError:    true,
		CheckpointEvery:    25,
		CheckpointInterval: 5 * time.Second,
		GraceTimeout:       30 * time.Second,
		CancelPollInterval: time.Second,
		AttemptTimeout:     2 * time.Minute,
		ProgressInterval:   500 * time.Millisecond,
	}
}

// Validate checks the config
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidConfig)
	case c.BaseDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	case c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay:
		return fmt.Errorf("%w: base delay exceeds max delay", ErrInvalidConfig)
	case c.CheckpointEvery < 1:
		return fmt.Errorf("%w: checkpoint every must be at least 1", ErrInvalidConfig)
	case c.CheckpointInterval <= 0:
		return fmt.Errorf("%w: checkpoint interval must be positive", ErrInvalidConfig)
	case c.GraceTimeout < 0 || c.AttemptTimeout < 0 || c.OperationTimeout < 0 || c.CancelPollInterval < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if _, err := ParseJitter(string(c.Jitter)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
