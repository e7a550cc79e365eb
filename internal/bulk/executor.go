package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"apsbulk/internal/checkpoint"
	"apsbulk/internal/progress"
)

// Recorder receives engine events, typically for metrics
type Recorder interface {
	ItemStarted(kind string)
	ItemFinished(kind string, status checkpoint.ItemStatus, attempts int, elapsed time.Duration, bytes int64)
	AttemptFailed(kind, reason string, willRetry bool)
	CheckpointWritten(kind string, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ItemStarted(string) {}

func (nopRecorder) ItemFinished(string, checkpoint.ItemStatus, int, time.Duration, int64) {}

func (nopRecorder) AttemptFailed(string, string, bool) {}

func (nopRecorder) CheckpointWritten(string, time.Duration, error) {}

// ProgressFunc receives progress snapshots
type ProgressFunc func(progress.Snapshot)

// Executor runs bulk operations against a state store. At most one run
// per operation id is active in the process.
type Executor struct {
	store    checkpoint.Store
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer sets the tracer used for item spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor backed by store
func NewExecutor(store checkpoint.Store, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("apsbulk/internal/bulk"),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates an operation for items and executes it
func (e *Executor) Start(ctx context.Context, kind string, params map[string]any, items []WorkItem, p Processor, cfg Config, onProgress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seeds := make([]checkpoint.ItemSeed, len(items))
	for i, item := range items {
		seeds[i] = checkpoint.ItemSeed{ID: item.ID, Label: item.Label, Payload: item.Payload}
	}
	id, err := e.store.Create(ctx, kind, params, seeds)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	return e.Execute(ctx, id, items, p, cfg, onProgress)
}

// Execute runs a freshly created operation. items must be exactly the
// operation's items.
func (e *Executor) Execute(ctx context.Context, id string, items []WorkItem, p Processor, cfg Config, onProgress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Status != checkpoint.StatusCreated {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, id, state.Status)
	}
	if err := matchItems(state, items); err != nil {
		return nil, err
	}
	return e.run(ctx, state, items, p, cfg, onProgress)
}

// Resume continues an interrupted operation. Items with a recorded
// outcome are not dispatched again; items left in flight are.
func (e *Executor) Resume(ctx context.Context, id string, p Processor, cfg Config, onProgress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unlock, err := e.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrCannotResume, err)
		}
		return nil, err
	}
	if state.Status == checkpoint.StatusCompleted {
		return nil, fmt.Errorf("%w: %s already completed", ErrCannotResume, id)
	}
	if len(state.Dispatchable()) == 0 {
		return nil, fmt.Errorf("%w: %s has no pending items", ErrCannotResume, id)
	}

	items := make([]WorkItem, len(state.Items))
	for i, item := range state.Items {
		items[i] = WorkItem{ID: item.ID, Label: item.Label, Payload: item.Payload}
	}
	return e.run(ctx, state, items, p, cfg, onProgress)
}

// lock takes the store lease of id for the length of a run, so no other
// process or executor runs the operation at the same time.
func (e *Executor) lock(ctx context.Context, id string) (func(), error) {
	release, err := e.store.Lock(ctx, id)
	if errors.Is(err, checkpoint.ErrLocked) {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyRunning, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock operation: %w", err)
	}
	return func() {
		if err := release(); err != nil {
			e.logger.Warn("Failed to release operation lock", zap.String("operation_id", id), zap.Error(err))
		}
	}, nil
}

// Cancel requests cancellation. A run in this process stops dispatching
// and drains. Otherwise the operation is marked cancelled in the store,
// where a run in another process picks it up on its next poll or
// checkpoint.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r := e.runs[id]
	e.mu.Unlock()
	if r != nil {
		r.requestCancel("cancel requested")
		return nil
	}

	state, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	switch state.Status {
	case checkpoint.StatusCancelled:
		return nil
	case checkpoint.StatusCompleted:
		return fmt.Errorf("%w: %s already completed", ErrNotRunning, id)
	}
	_, err = e.store.Apply(ctx, id, checkpoint.StatusChange{Status: checkpoint.StatusCancelled})
	return err
}

// Status returns the persisted state without modifying it
func (e *Executor) Status(ctx context.Context, id string) (*checkpoint.OperationState, error) {
	return e.store.Load(ctx, id)
}

// Running reports whether id has an active run in this process
func (e *Executor) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

func (e *Executor) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[r.id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, r.id)
	}
	e.runs[r.id] = r
	return nil
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

func matchItems(state *checkpoint.OperationState, items []WorkItem) error {
	if len(items) != len(state.Items) {
		return fmt.Errorf("%w: got %d items, operation has %d", ErrItemMismatch, len(items), len(state.Items))
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := state.Item(item.ID); !ok {
			return fmt.Errorf("%w: unknown item %q", ErrItemMismatch, item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: duplicate item %q", ErrItemMismatch, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, state *checkpoint.OperationState, items []WorkItem, p Processor, cfg Config, onProgress ProgressFunc) (*Result, error) {
	started := time.Now()
	storeCtx := context.WithoutCancel(ctx)

	if cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OperationTimeout)
		defer cancel()
	}
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	// processors outlive a caller cancel until the grace period ends
	procCtx, abort := context.WithCancel(storeCtx)
	defer abort()

	tracker := progress.NewTracker(len(state.Items), cfg.ProgressInterval, onProgress)
	if total := totalBytes(items); total > 0 {
		tracker.SetTotalBytes(total)
	}
	r := newRun(e, state, cfg, stopDispatch, tracker)
	if err := e.register(r); err != nil {
		return nil, err
	}
	defer e.unregister(r.id)

	logger := e.logger.With(zap.String("operation_id", r.id), zap.String("kind", r.kind))

	if cfg.DryRun {
		logger.Info("Dry run, no items will be processed", zap.Int("items", len(state.Dispatchable())))
		return r.dryRun(started), nil
	}

	running, err := e.store.Apply(storeCtx, r.id, checkpoint.StatusChange{Status: checkpoint.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("failed to mark operation running: %w", err)
	}
	r.mirror = checkpoint.NewMirror(running)

	queue := dispatchQueue(running, items)
	logger.Info("Starting bulk operation",
		zap.Int("items", len(running.Items)),
		zap.Int("pending", len(queue)),
		zap.Int("concurrency", cfg.Concurrency),
		zap.Bool("continue_on_error", cfg.ContinueOnError),
	)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.requestCancel(interruptReason(ctx))
		case <-watchDone:
		}
	}()
	go r.checkpointLoop(storeCtx, watchDone)

	limiter := NewLimiter(cfg.Concurrency)
	var wg sync.WaitGroup
	for _, item := range queue {
		if r.stopping() {
			break
		}
		if err := limiter.Acquire(dispatchCtx); err != nil {
			break
		}
		if !r.begin(item) {
			limiter.Release()
			break
		}
		wg.Add(1)
		go func(item WorkItem) {
			defer wg.Done()
			defer limiter.Release()
			begun := time.Now()
			res, attempts := e.process(procCtx, r, item, p)
			r.settle(item, res, attempts, time.Since(begun))
		}(item)
	}

	if ctx.Err() != nil {
		r.requestCancel(interruptReason(ctx))
	}
	r.await(&wg, abort)
	close(watchDone)

	status := r.finish()
	// the terminal status is only written once every outcome is durable,
	// otherwise the operation stays running and resumable
	ckErr := r.flush(storeCtx)
	if ckErr == nil {
		ckErr = e.persistStatus(storeCtx, r, status)
	} else {
		logger.Error("Final checkpoint failed, operation left running for resume", zap.Error(ckErr))
	}
	r.tracker.Flush()

	result := NewResult(r.snapshot(), time.Since(started))
	logger.Info("Bulk operation finished",
		zap.String("status", string(result.Status)),
		zap.Int("completed", result.Counters.Completed),
		zap.Int("failed", result.Counters.Failed),
		zap.Int("skipped", result.Counters.Skipped),
		zap.Int("pending", result.Counters.Pending+result.Counters.InFlight),
		zap.Int("peak_in_flight", limiter.Peak()),
		zap.Duration("duration", result.Duration),
	)
	if ckErr != nil {
		return result, fmt.Errorf("%w: %w", ErrCheckpoint, ckErr)
	}
	return result, nil
}

func totalBytes(items []WorkItem) int64 {
	var n int64
	for _, item := range items {
		n += item.Bytes
	}
	return n
}

// persistStatus writes the final status. A cancel written by another
// process after dispatch ended wins over failed.
func (e *Executor) persistStatus(ctx context.Context, r *run, status checkpoint.OperationStatus) error {
	_, err := e.store.Apply(ctx, r.id, checkpoint.StatusChange{Status: status})
	if errors.Is(err, checkpoint.ErrInvalidTransition) {
		if st, lerr := e.store.Load(ctx, r.id); lerr == nil && st.Status == checkpoint.StatusCancelled {
			status, err = checkpoint.StatusCancelled, nil
		}
	}
	if err != nil {
		return err
	}
	r.complete(status)
	return nil
}

func interruptReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "operation timeout"
	}
	return "interrupted"
}

// dispatchQueue lists the items to process in canonical order, preferring
// the caller's payloads over the stored ones.
func dispatchQueue(state *checkpoint.OperationState, items []WorkItem) []WorkItem {
	byID := make(map[string]WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	var queue []WorkItem
	for _, st := range state.Dispatchable() {
		item, ok := byID[st.ID]
		if !ok {
			item = WorkItem{ID: st.ID, Label: st.Label, Payload: st.Payload}
		}
		queue = append(queue, item)
	}
	return queue
}

// process runs item until it succeeds, is skipped, fails terminally or
// exhausts its attempts.
func (e *Executor) process(ctx context.Context, r *run, item WorkItem, p Processor) (ItemResult, int) {
	ctx, span := e.tracer.Start(ctx, "bulk.item", trace.WithAttributes(
		attribute.String("operation.id", r.id),
		attribute.String("operation.kind", r.kind),
		attribute.String("item.id", item.ID),
	))
	defer span.End()

	for attempt := 1; ; attempt++ {
		res := attemptOnce(ctx, item, p, r.cfg.AttemptTimeout)
		if res.Kind != ResultFailed {
			span.SetAttributes(attribute.Int("item.attempts", attempt), attribute.String("item.result", res.Kind.String()))
			return res, attempt
		}
		if ctx.Err() != nil {
			return res, attempt
		}

		d := r.classifier.Classify(res.Err, attempt, r.cfg.Idempotent)
		e.recorder.AttemptFailed(r.kind, d.Reason, d.Retry)
		if !d.Retry {
			res.Retryable = d.Retryable
			if d.Downgraded {
				res.Err = fmt.Errorf("%s: %w", ReasonUnconfirmed, res.Err)
			}
			span.SetAttributes(attribute.Int("item.attempts", attempt), attribute.String("item.result", res.Kind.String()))
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, d.Reason)
			e.logger.Warn("Item failed",
				zap.String("operation_id", r.id),
				zap.String("item_id", item.ID),
				zap.Int("attempts", attempt),
				zap.String("reason", d.Reason),
				zap.Error(res.Err),
			)
			return res, attempt
		}

		e.logger.Debug("Retrying item",
			zap.String("operation_id", r.id),
			zap.String("item_id", item.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", d.Delay),
			zap.String("reason", d.Reason),
		)
		timer := time.NewTimer(d.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return res, attempt
		}
	}
}

func attemptOnce(ctx context.Context, item WorkItem, p Processor, timeout time.Duration) (res ItemResult) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			res = Failed(Permanent(fmt.Errorf("processor panic: %v", rec)))
		}
	}()

	res = p(ctx, item)
	if res.Kind == ResultFailed && res.Err == nil {
		res.Err = errors.New("processor reported failure without an error")
	}
	return res
}
