package trajectory

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nadir/stride/internal/observability"
)

const (
	// DefaultBatchSize is the buffered step count that triggers a flush.
	DefaultBatchSize = 5
	// DefaultFlushInterval bounds how long a buffered step can stay
	// memory-only before a flush is forced.
	DefaultFlushInterval = 30 * time.Second
)

// Config holds recorder configuration.
type Config struct {
	// Path of the trajectory file.
	Path string
	// BatchSize triggers a background flush when that many steps are buffered.
	BatchSize int
	// FlushInterval triggers a background flush when it elapses since the
	// last one, regardless of buffer size.
	FlushInterval time.Duration
	// MaxInteractions bounds the in-memory step window; 0 means unbounded.
	MaxInteractions int
	Logger          zerolog.Logger
}

// Stats exposes recorder counters for introspection and tests.
type Stats struct {
	Appends       int
	Flushes       int
	FlushFailures int
	Persisted     int
	Buffered      int
	WindowSize    int
}

// flushRequest asks the worker for a flush; done is non-nil for synchronous
// callers.
type flushRequest struct {
	done chan error
}

// Recorder buffers completed steps in memory and persists them in batches on
// a background worker. Append never blocks on disk I/O.
type Recorder struct {
	path            string
	batchSize       int
	flushInterval   time.Duration
	maxInteractions int
	logger          zerolog.Logger

	mu        sync.Mutex
	header    Header
	footer    *Footer
	pending   []Step // buffered, not yet durable
	window    []Step // in-memory trajectory suffix, bounded
	total     int    // steps appended over the recorder's lifetime
	persisted int    // steps durably on disk (flush cursor)
	lastErr   string // current failure episode, "" when healthy
	flushes   int
	failures  int
	closed    bool

	// triggers has capacity 1: a trigger arriving while a flush runs is
	// held and coalesced into the successor flush.
	triggers   chan flushRequest
	quit       chan struct{}
	workerDone chan struct{}
}

// NewRecorder creates a Recorder and starts its flush worker.
func NewRecorder(cfg Config) (*Recorder, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, fmt.Errorf("trajectory path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	r := &Recorder{
		path:            cfg.Path,
		batchSize:       cfg.BatchSize,
		flushInterval:   cfg.FlushInterval,
		maxInteractions: cfg.MaxInteractions,
		logger:          cfg.Logger,
		triggers:        make(chan flushRequest, 1),
		quit:            make(chan struct{}),
		workerDone:      make(chan struct{}),
	}

	go r.flushWorker()

	return r, nil
}

// Start records run metadata and writes the initial header-only snapshot so
// the trajectory file exists from the first moment of the run. A leftover
// file from a previous run at the same path is replaced, not extended.
func (r *Recorder) Start(header Header) {
	if header.StartedAt.IsZero() {
		header.StartedAt = time.Now()
	}

	r.mu.Lock()
	r.header = header
	r.mu.Unlock()

	// One small synchronous write; failures follow the usual non-fatal path.
	if err := writeInitialSnapshot(r.path, header); err != nil {
		r.noteFlushFailure(err)
	}
}

// Path returns the trajectory file path.
func (r *Recorder) Path() string {
	return r.path
}

// Append adds a completed step to the in-memory trajectory. It returns after
// a buffer mutation; persistence happens on the background worker.
func (r *Recorder) Append(step Step) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Int("ordinal", step.Ordinal).Msg("Append after shutdown, step dropped")
		return
	}

	r.pending = append(r.pending, step)
	r.window = append(r.window, step)
	r.total++
	r.evictLocked()

	buffered := len(r.pending)
	windowFull := r.maxInteractions > 0 && len(r.window) > r.maxInteractions
	r.mu.Unlock()

	observability.RecordRecorderAppend(buffered)

	// Window pressure forces a flush so the oldest steps become durable and
	// evictable; eviction itself happens after the flush lands.
	if buffered >= r.batchSize || windowFull {
		r.trigger()
	}
}

// Flush forces persistence of all buffered steps and blocks until the flush
// completes.
func (r *Recorder) Flush() error {
	req := flushRequest{done: make(chan error, 1)}
	select {
	case r.triggers <- req:
		return <-req.done
	case <-r.quit:
		return fmt.Errorf("recorder is shut down")
	}
}

// Shutdown finalizes the run footer, performs a final synchronous flush, and
// stops the worker. A flush failure is returned as a warning; all previously
// flushed steps remain durable.
func (r *Recorder) Shutdown(footer Footer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if footer.EndedAt.IsZero() {
		footer.EndedAt = time.Now()
	}
	footer.Steps = r.total
	if footer.DurationMs == 0 && !r.header.StartedAt.IsZero() {
		footer.DurationMs = footer.EndedAt.Sub(r.header.StartedAt).Milliseconds()
	}
	r.footer = &footer
	r.mu.Unlock()

	err := r.Flush()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	close(r.quit)
	<-r.workerDone

	if err != nil {
		r.logger.Warn().Err(err).Msg("Final trajectory flush failed, buffered steps lost")
		return fmt.Errorf("final trajectory flush failed: %w", err)
	}
	return nil
}

// Window returns a copy of the in-memory step window, oldest first.
func (r *Recorder) Window() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Step, len(r.window))
	copy(out, r.window)
	return out
}

// Stats returns a snapshot of recorder counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Appends:       r.total,
		Flushes:       r.flushes,
		FlushFailures: r.failures,
		Persisted:     r.persisted,
		Buffered:      len(r.pending),
		WindowSize:    len(r.window),
	}
}

// trigger requests a background flush without blocking. A full trigger
// buffer means a flush is already queued behind the running one; the new
// trigger coalesces into it.
func (r *Recorder) trigger() {
	select {
	case r.triggers <- flushRequest{}:
	default:
	}
}

func (r *Recorder) flushWorker() {
	defer close(r.workerDone)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-r.triggers:
			err := r.flushOnce()
			if req.done != nil {
				req.done <- err
			}
		case <-ticker.C:
			r.flushOnce() //nolint:errcheck // failure is recorded and retried on the next trigger
		case <-r.quit:
			return
		}
	}
}

// flushOnce drains the pending buffer and persists it. The buffer hand-off
// happens under the lock; the disk write does not, so appends are never
// blocked by I/O.
func (r *Recorder) flushOnce() error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	header := r.header
	footer := r.footer
	r.mu.Unlock()

	if len(batch) == 0 && footer == nil {
		return nil
	}

	start := time.Now()
	err := writeSnapshot(r.path, header, batch, footer)
	duration := time.Since(start)

	r.mu.Lock()
	if err != nil {
		// Put the batch back in front so ordering is preserved for the retry.
		r.pending = append(batch, r.pending...)
		r.failures++
		r.mu.Unlock()

		observability.RecordRecorderFlush(duration, 0, false)
		r.noteFlushFailure(err)
		return err
	}

	r.lastErr = ""
	r.persisted += len(batch)
	r.flushes++
	if footer != nil && r.footer == footer {
		// The footer is on disk; a queued trigger must not append it again.
		r.footer = nil
	}
	r.evictLocked()
	persisted := r.persisted
	buffered := len(r.pending)
	r.mu.Unlock()

	observability.RecordRecorderFlush(duration, persisted, true)
	observability.SetRecorderBufferedSteps(buffered)

	r.logger.Debug().
		Int("steps", len(batch)).
		Int("persisted", persisted).
		Dur("duration", duration).
		Msg("Trajectory flush completed")

	return nil
}

// evictLocked trims the window to maxInteractions, dropping only steps the
// flush cursor already covers. Callers hold r.mu.
func (r *Recorder) evictLocked() {
	if r.maxInteractions <= 0 {
		return
	}
	for len(r.window) > r.maxInteractions {
		frontIndex := r.total - len(r.window)
		if frontIndex >= r.persisted {
			// Oldest window step is not durable yet; a flush is on its way.
			return
		}
		r.window = r.window[1:]
	}
}

// noteFlushFailure logs once per distinct failure episode rather than once
// per retry.
func (r *Recorder) noteFlushFailure(err error) {
	r.mu.Lock()
	isNew := r.lastErr != err.Error()
	if isNew {
		r.lastErr = err.Error()
	}
	r.mu.Unlock()

	if isNew {
		observability.RecordRecorderFlushFailureEpisode()
		r.logger.Warn().Err(err).Str("path", r.path).Msg("Trajectory flush failed, will retry on next trigger")
	}
}
