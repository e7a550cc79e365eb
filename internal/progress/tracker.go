package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is the terminal result counted for an item
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeSkipped
)

// Snapshot is a point-in-time view of an operation's progress
type Snapshot struct {
	Total          int
	Completed      int
	Failed         int
	Skipped        int
	InFlight       []string
	TotalBytes     int64
	ProcessedBytes int64
	CurrentSpeed   float64 // bytes/second over the last few seconds
	AverageSpeed   float64 // bytes/second since start
	Elapsed        time.Duration
	ETA            time.Duration
	Timestamp      time.Time
}

// Done returns the number of items with a terminal outcome
func (s Snapshot) Done() int {
	return s.Completed + s.Failed + s.Skipped
}

// Percent returns completion in percent
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Done()) / float64(s.Total) * 100
}

// Tracker aggregates item outcomes into snapshots and forwards them to a
// callback at most once per interval. Each item id is counted once.
type Tracker struct {
	mu sync.RWMutex

	total     int
	completed int
	failed    int
	skipped   int
	baseline  int // items already terminal before this run

	totalBytes     int64
	processedBytes int64
	baselineBytes  int64

	inFlight map[string]string
	finished map[string]struct{}

	start        time.Time
	speedSamples []speedSample
	maxSamples   int

	interval   time.Duration
	lastEmit   time.Time
	emitMu     sync.Mutex
	onProgress func(Snapshot)
	now        func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a tracker for total items. onProgress may be nil.
func NewTracker(total int, interval time.Duration, onProgress func(Snapshot)) *Tracker {
	return newTracker(total, interval, onProgress, time.Now)
}

func newTracker(total int, interval time.Duration, onProgress func(Snapshot), now func() time.Time) *Tracker {
	return &Tracker{
		total:        total,
		inFlight:     make(map[string]string),
		finished:     make(map[string]struct{}),
		start:        now(),
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		interval:     interval,
		onProgress:   onProgress,
		now:          now,
	}
}

// SetTotalBytes sets the byte volume of the whole operation
func (t *Tracker) SetTotalBytes(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalBytes = bytes
}

// Preload counts outcomes recorded by earlier runs. They are excluded
// from rate and ETA calculations.
func (t *Tracker) Preload(completed, failed, skipped int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed += completed
	t.failed += failed
	t.skipped += skipped
	t.baseline += completed + failed + skipped
	t.processedBytes += bytes
	t.baselineBytes += bytes
}

// Begin marks an item as in flight
func (t *Tracker) Begin(id, label string) {
	t.mu.Lock()
	if _, done := t.finished[id]; !done {
		if label == "" {
			label = id
		}
		t.inFlight[id] = label
	}
	t.mu.Unlock()

	t.maybeEmit()
}

// Finish records the outcome of an item. It returns false when the item
// was already counted.
func (t *Tracker) Finish(id string, outcome Outcome, bytes int64) bool {
	t.mu.Lock()
	if _, done := t.finished[id]; done {
		t.mu.Unlock()
		return false
	}
	t.finished[id] = struct{}{}
	delete(t.inFlight, id)

	switch outcome {
	case OutcomeCompleted:
		t.completed++
	case OutcomeFailed:
		t.failed++
	case OutcomeSkipped:
		t.skipped++
	}
	if bytes > 0 {
		t.processedBytes += bytes
		t.updateSpeed(bytes)
	}
	t.mu.Unlock()

	t.maybeEmit()
	return true
}

// Drop removes an in-flight item without counting an outcome, so it can
// be counted by a later run.
func (t *Tracker) Drop(id string) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()

	t.maybeEmit()
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(bytes int64) {
	t.speedSamples = append(t.speedSamples, speedSample{timestamp: t.now(), bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}
}

// Snapshot returns the current progress
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	now := t.now()
	s := Snapshot{
		Total:          t.total,
		Completed:      t.completed,
		Failed:         t.failed,
		Skipped:        t.skipped,
		TotalBytes:     t.totalBytes,
		ProcessedBytes: t.processedBytes,
		Elapsed:        now.Sub(t.start),
		Timestamp:      now,
	}

	s.InFlight = make([]string, 0, len(t.inFlight))
	for _, label := range t.inFlight {
		s.InFlight = append(s.InFlight, label)
	}
	sort.Strings(s.InFlight)

	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.AverageSpeed = float64(t.processedBytes-t.baselineBytes) / secs
	}
	s.CurrentSpeed = t.currentSpeed(now)
	s.ETA = t.eta(s)
	return s
}

// currentSpeed uses the samples of the last five seconds
func (t *Tracker) currentSpeed(now time.Time) float64 {
	if len(t.speedSamples) < 2 {
		return 0
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var first *speedSample
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		first = sample
	}
	if first == nil {
		return 0
	}
	if d := now.Sub(first.timestamp); d > 0 {
		return float64(recentBytes) / d.Seconds()
	}
	return 0
}

// eta extrapolates from the item rate of this run
func (t *Tracker) eta(s Snapshot) time.Duration {
	processed := s.Done() - t.baseline
	remaining := s.Total - s.Done()
	if processed <= 0 || remaining <= 0 {
		return 0
	}
	perItem := s.Elapsed / time.Duration(processed)
	return perItem * time.Duration(remaining)
}

func (t *Tracker) maybeEmit() {
	if t.onProgress == nil {
		return
	}

	t.mu.Lock()
	now := t.now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	t.mu.Unlock()

	t.emit()
}

// Flush emits the current snapshot regardless of the interval
func (t *Tracker) Flush() {
	if t.onProgress == nil {
		return
	}

	t.mu.Lock()
	t.lastEmit = t.now()
	t.mu.Unlock()

	t.emit()
}

// emit takes the snapshot under emitMu so callbacks observe
// non-decreasing counts.
func (t *Tracker) emit() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.onProgress(t.Snapshot())
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSecond)
	} else if bytesPerSecond < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSecond/1024)
	} else if bytesPerSecond < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB/s", bytesPerSecond/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB/s", bytesPerSecond/(1024*1024*1024))
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	}
	return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "--"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
