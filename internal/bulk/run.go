package bulk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"apsbulk/internal/checkpoint"
	"apsbulk/internal/progress"
)

// run is the mutable state of one active execution. Item outcomes are
// applied to an in-memory mirror of the operation state and queued for
// the next checkpoint write.
type run struct {
	id         string
	kind       string
	cfg        Config
	exec       *Executor
	classifier *Classifier
	tracker    *progress.Tracker

	mu           sync.Mutex
	mirror       *checkpoint.Mirror
	pending      []checkpoint.ItemTransition
	sinceFlush   int
	lastFlush    time.Time
	inflight     map[string]WorkItem
	settled      map[string]bool
	sealed       bool
	halted       bool
	cancelled    bool
	cancelReason string
	abandoned    int
	cancelCh     chan struct{}
	stopDispatch context.CancelFunc

	flushMu sync.Mutex
}

func newRun(e *Executor, state *checkpoint.OperationState, cfg Config, stop context.CancelFunc, tracker *progress.Tracker) *run {
	c := state.Counters
	tracker.Preload(c.Completed, c.Failed, c.Skipped, 0)
	return &run{
		id:           state.ID,
		kind:         state.Kind,
		cfg:          cfg,
		exec:         e,
		classifier:   NewClassifier(cfg),
		tracker:      tracker,
		mirror:       checkpoint.NewMirror(state),
		lastFlush:    time.Now(),
		inflight:     make(map[string]WorkItem),
		settled:      make(map[string]bool),
		cancelCh:     make(chan struct{}),
		stopDispatch: stop,
	}
}

func (r *run) requestCancel(reason string) {
	r.mu.Lock()
	first := !r.cancelled
	if first {
		r.cancelled = true
		r.cancelReason = reason
		close(r.cancelCh)
	}
	r.mu.Unlock()

	if first {
		r.exec.logger.Info("Cancelling operation, no new items will be dispatched",
			zap.String("operation_id", r.id),
			zap.String("reason", reason),
		)
	}
	r.stopDispatch()
}

func (r *run) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.halted
}

// record applies t to the mirror and queues it. Callers hold r.mu.
func (r *run) record(t checkpoint.ItemTransition) {
	if err := r.mirror.Transition(t, time.Now().UTC()); err != nil {
		r.exec.logger.Error("Rejected item transition",
			zap.String("operation_id", r.id),
			zap.String("item_id", t.ItemID),
			zap.Error(err),
		)
		return
	}
	r.pending = append(r.pending, t)
}

// begin marks item in flight. It returns false once the run is
// stopping, in which case nothing is recorded.
func (r *run) begin(item WorkItem) bool {
	r.mu.Lock()
	if r.cancelled || r.halted {
		r.mu.Unlock()
		return false
	}
	r.inflight[item.ID] = item
	r.record(checkpoint.ItemTransition{ItemID: item.ID, Status: checkpoint.ItemInFlight})
	r.mu.Unlock()

	r.tracker.Begin(item.ID, item.DisplayName())
	r.exec.recorder.ItemStarted(r.kind)
	return true
}

// settle records the final outcome of item. Outcomes arriving after the
// run was sealed, or for an item already settled, are discarded.
func (r *run) settle(item WorkItem, res ItemResult, attempts int, elapsed time.Duration) {
	r.mu.Lock()
	if r.sealed || r.settled[item.ID] {
		r.mu.Unlock()
		r.exec.logger.Debug("Discarding late item outcome",
			zap.String("operation_id", r.id),
			zap.String("item_id", item.ID),
		)
		return
	}
	r.settled[item.ID] = true
	delete(r.inflight, item.ID)

	t := checkpoint.ItemTransition{
		ItemID:    item.ID,
		Status:    res.status(),
		Attempts:  attempts,
		Output:    res.Output,
		Retryable: res.Retryable,
	}
	if res.Err != nil {
		t.Error = res.Err.Error()
	}
	r.record(t)
	r.sinceFlush++

	due := r.sinceFlush >= r.cfg.CheckpointEvery || time.Since(r.lastFlush) >= r.cfg.CheckpointInterval
	halt := res.Kind == ResultFailed && !r.cfg.ContinueOnError && !r.halted
	if halt {
		r.halted = true
	}
	r.mu.Unlock()

	if halt {
		r.exec.logger.Warn("Item failed, halting dispatch",
			zap.String("operation_id", r.id),
			zap.String("item_id", item.ID),
		)
		r.stopDispatch()
	}

	r.tracker.Finish(item.ID, outcomeOf(res.Kind), res.Bytes)
	r.exec.recorder.ItemFinished(r.kind, t.Status, attempts, elapsed, res.Bytes)
	if due {
		r.flush(context.Background())
	}
}

func outcomeOf(k ResultKind) progress.Outcome {
	switch k {
	case ResultSuccess:
		return progress.OutcomeCompleted
	case ResultSkipped:
		return progress.OutcomeSkipped
	}
	return progress.OutcomeFailed
}

// await blocks until every dispatched item settled. After a cancel the
// in-flight items get the grace period; the rest are abandoned and their
// contexts cancelled.
func (r *run) await(wg *sync.WaitGroup, abort context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-r.cancelCh:
	}

	if r.cfg.GraceTimeout == 0 {
		<-done
		return
	}
	timer := time.NewTimer(r.cfg.GraceTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.abandon()
		abort()
	}
}

// abandon settles the items still in flight after the grace period:
// skipped with output "cancelled", or back to pending when the config
// requeues them.
func (r *run) abandon() {
	status, output, outcome := checkpoint.ItemSkipped, "cancelled", "recorded as skipped"
	if r.cfg.RequeueAbandoned {
		status, output, outcome = checkpoint.ItemPending, "", "requeued"
	}

	r.mu.Lock()
	r.sealed = true
	var abandoned []WorkItem
	for id, item := range r.inflight {
		r.settled[id] = true
		r.record(checkpoint.ItemTransition{ItemID: id, Status: status, Output: output})
		abandoned = append(abandoned, item)
	}
	r.inflight = make(map[string]WorkItem)
	r.abandoned += len(abandoned)
	r.mu.Unlock()

	for _, item := range abandoned {
		if r.cfg.RequeueAbandoned {
			r.tracker.Drop(item.ID)
		} else {
			r.tracker.Finish(item.ID, progress.OutcomeSkipped, 0)
		}
		r.exec.recorder.ItemFinished(r.kind, status, 0, 0, 0)
	}
	if len(abandoned) > 0 {
		r.exec.logger.Warn("Grace period expired, in-flight items "+outcome,
			zap.String("operation_id", r.id),
			zap.Int("items", len(abandoned)),
		)
	}
}

// finish seals the run and returns the final operation status. The
// mirror keeps its status until complete is called.
func (r *run) finish() checkpoint.OperationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true

	c := r.mirror.Counters()
	remaining := c.Pending + c.InFlight
	switch {
	case r.cancelled && (remaining > 0 || r.abandoned > 0):
		return checkpoint.StatusCancelled
	case remaining > 0:
		return checkpoint.StatusFailed
	}
	return checkpoint.StatusCompleted
}

// complete records the persisted final status in the mirror
func (r *run) complete(status checkpoint.OperationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mirror.SetStatus(status, time.Now().UTC()); err != nil {
		r.exec.logger.Error("Rejected status change", zap.String("operation_id", r.id), zap.Error(err))
	}
}

func (r *run) snapshot() *checkpoint.OperationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mirror.Snapshot()
}

// observe reacts to the persisted status: a cancel written by another
// process stops dispatch here.
func (r *run) observe(status checkpoint.OperationStatus) {
	if status != checkpoint.StatusCancelled {
		return
	}
	r.mu.Lock()
	skip := r.sealed || r.cancelled
	r.mu.Unlock()
	if !skip {
		r.requestCancel("cancel requested")
	}
}

// flush writes queued transitions as one checkpoint. A failed batch is
// requeued ahead of newer transitions.
func (r *run) flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.sinceFlush = 0
	r.lastFlush = time.Now()
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	st, err := r.exec.store.Apply(ctx, r.id, checkpoint.ProgressCheckpoint{Transitions: batch})
	r.exec.recorder.CheckpointWritten(r.kind, time.Since(start), err)
	if err != nil {
		r.mu.Lock()
		r.pending = append(batch, r.pending...)
		r.mu.Unlock()
		r.exec.logger.Warn("Checkpoint write failed, will retry",
			zap.String("operation_id", r.id),
			zap.Int("transitions", len(batch)),
			zap.Error(err),
		)
		return err
	}
	r.observe(st.Status)
	return nil
}

// checkpointLoop flushes dirty state on the checkpoint interval and
// polls the store for cancel requests from other processes.
func (r *run) checkpointLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.CheckpointInterval)
	defer ticker.Stop()

	var poll <-chan time.Time
	if r.cfg.CancelPollInterval > 0 {
		t := time.NewTicker(r.cfg.CancelPollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			dirty := len(r.pending) > 0
			r.mu.Unlock()
			if dirty {
				r.flush(ctx)
			}
		case <-poll:
			st, err := r.exec.store.Load(ctx, r.id)
			if err != nil {
				r.exec.logger.Debug("Failed to poll operation status", zap.String("operation_id", r.id), zap.Error(err))
				continue
			}
			r.observe(st.Status)
		case <-done:
			return
		}
	}
}

// dryRun reports every dispatchable item as skipped without calling the
// processor or writing state.
func (r *run) dryRun(started time.Time) *Result {
	preview := r.mirror.Snapshot()
	var batch []checkpoint.ItemTransition
	for _, item := range preview.Dispatchable() {
		batch = append(batch, checkpoint.ItemTransition{ItemID: item.ID, Status: checkpoint.ItemSkipped, Output: "dry-run"})
	}
	if err := checkpoint.Apply(preview, checkpoint.ProgressCheckpoint{Transitions: batch}, time.Now().UTC()); err != nil {
		r.exec.logger.Error("Dry run preview failed", zap.Error(err))
	}
	for _, t := range batch {
		r.tracker.Finish(t.ItemID, progress.OutcomeSkipped, 0)
	}
	r.tracker.Flush()

	result := NewResult(preview, time.Since(started))
	result.DryRun = true
	return result
}
