// Package app orchestrates the ingestion pipeline: the async event queue,
// the retry policy and the client facade.
package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/adapters/metrics"
	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/domain/usage"
	"github.com/lazzyms/token-usage-metrics/ports"
)

var (
	// ErrCapacity reports that the buffer stayed full for the whole bounded
	// block window. Events are never dropped silently on overflow.
	ErrCapacity = errors.New("event buffer at capacity")

	// ErrClosed reports an enqueue or flush after Close.
	ErrClosed = errors.New("event queue closed")
)

// QueueConfig bounds the queue's memory use and flush cadence.
type QueueConfig struct {
	BufferSize     int           // max buffered events (default 10000)
	FlushBatchSize int           // size-based flush trigger (default 100)
	FlushInterval  time.Duration // timer-based flush trigger (default 10s)
	BlockTimeout   time.Duration // bounded producer block when full (default 250ms)
	CloseTimeout   time.Duration // final flush bound on Close (default 5s)
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 250 * time.Millisecond
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	return c
}

// DropHandler is notified when a batch is dropped after delivery gave up.
type DropHandler func(events []usage.Event, err error)

// QueueOptions carries optional queue collaborators.
type QueueOptions struct {
	Config  QueueConfig
	Logger  zerolog.Logger
	Metrics *metrics.Collector
	OnDrop  DropHandler
}

// EventQueue is the producer-facing buffer. Enqueue never performs I/O; a
// single background worker drains the buffer to the backend through the
// retry policy. The buffer is the only mutable shared state; its lock is
// scoped to swap operations so no I/O ever happens while holding it.
type EventQueue struct {
	backend ports.Backend
	retry   *RetryPolicy
	cfg     QueueConfig
	log     zerolog.Logger
	metrics *metrics.Collector
	onDrop  DropHandler

	mu     sync.Mutex
	buf    []usage.Event
	space  chan struct{} // closed and replaced whenever buffer space frees up
	closed bool

	dropped   atomic.Int64
	closeLost int

	triggers  chan flushRequest
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type flushRequest struct {
	ctx   context.Context
	reply chan flushResult
}

type flushResult struct {
	persisted int
	err       error
}

// NewEventQueue creates a queue and starts its flush worker.
func NewEventQueue(backend ports.Backend, retry *RetryPolicy, opts QueueOptions) *EventQueue {
	q := &EventQueue{
		backend:  backend,
		retry:    retry,
		cfg:      opts.Config.withDefaults(),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		onDrop:   opts.OnDrop,
		space:    make(chan struct{}),
		triggers: make(chan flushRequest, 16),
		stopCh:   make(chan struct{}),
	}
	q.buf = make([]usage.Event, 0, q.cfg.FlushBatchSize)

	q.wg.Add(1)
	go q.flushLoop()
	return q
}

// Enqueue buffers one event. It returns immediately unless the buffer is
// full, in which case it blocks up to BlockTimeout for the worker to free
// space and then fails with ErrCapacity.
func (q *EventQueue) Enqueue(e usage.Event) error {
	return q.EnqueueMany([]usage.Event{e})
}

// EnqueueMany buffers events preserving their order. Same contract as
// Enqueue; the batch is admitted whole or not at all.
func (q *EventQueue) EnqueueMany(events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}

	deadline := time.Now().Add(q.cfg.BlockTimeout)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.buf)+len(events) <= q.cfg.BufferSize {
			q.buf = append(q.buf, events...)
			depth := len(q.buf)
			q.mu.Unlock()

			if q.metrics != nil {
				q.metrics.EventsEnqueued.Add(float64(len(events)))
				q.metrics.QueueDepth.Set(float64(depth))
			}
			if depth >= q.cfg.FlushBatchSize {
				q.trigger()
			}
			return nil
		}
		space := q.space
		q.mu.Unlock()

		// Backpressure: wait for the worker to free space, bounded.
		q.trigger()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrCapacity
		}
		timer := time.NewTimer(remaining)
		select {
		case <-space:
			timer.Stop()
		case <-timer.C:
			return ErrCapacity
		case <-q.stopCh:
			timer.Stop()
			return ErrClosed
		}
	}
}

// Flush delivers buffered events and returns the count made durable before
// ctx expired. Events not yet durable remain queued for the next attempt;
// a timeout alone is not an error.
func (q *EventQueue) Flush(ctx context.Context) (int, error) {
	reply := make(chan flushResult, 1)
	select {
	case q.triggers <- flushRequest{ctx: ctx, reply: reply}:
	case <-q.stopCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, nil
	}

	// Once handed to the worker the reply always arrives: delivery is bounded
	// by ctx, so expiry unwinds it promptly carrying the partial count. Bailing
	// out on ctx here would discard events already made durable.
	select {
	case res := <-reply:
		return flushOutcome(res)
	case <-q.stopCh:
		// Close may abandon a request the worker never dequeued.
		select {
		case res := <-reply:
			return flushOutcome(res)
		default:
			return 0, ErrClosed
		}
	}
}

// flushOutcome maps a worker reply to the caller's result. A deadline alone
// is not an error; the partial count is the answer.
func flushOutcome(res flushResult) (int, error) {
	if res.err != nil && (errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled)) {
		return res.persisted, nil
	}
	return res.persisted, res.err
}

// Depth returns the number of events currently buffered.
func (q *EventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns the total number of events dropped since creation.
func (q *EventQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops timer-triggered flushes, performs one final bounded flush and
// returns how many buffered events could not be delivered.
func (q *EventQueue) Close() (int, error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.stopCh)
		q.wg.Wait()
	})
	return q.closeLost, nil
}

// trigger nudges the worker without blocking the producer.
func (q *EventQueue) trigger() {
	select {
	case q.triggers <- flushRequest{}:
	default:
	}
}

func (q *EventQueue) flushLoop() {
	defer q.wg.Done()

	// loopCtx aborts any in-flight delivery (including retry backoff) as soon
	// as Close is called; interrupted batches are requeued for the final
	// flush.
	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stopCh
		cancel()
	}()

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.backgroundFlush(loopCtx)
		case req := <-q.triggers:
			ctx := req.ctx
			if ctx == nil {
				ctx = loopCtx
			}
			n, err := q.deliver(ctx)
			if req.reply != nil {
				req.reply <- flushResult{persisted: n, err: err}
			}
		case <-q.stopCh:
			q.finalFlush()
			return
		}
	}
}

func (q *EventQueue) backgroundFlush(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, q.cfg.FlushInterval)
	defer cancel()
	if _, err := q.deliver(ctx); err != nil && !errors.Is(err, breaker.ErrOpen) {
		q.log.Warn().Err(err).Msg("background flush failed")
	}
}

func (q *EventQueue) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.CloseTimeout)
	defer cancel()

	droppedBefore := q.dropped.Load()
	if _, err := q.deliver(ctx); err != nil {
		q.log.Warn().Err(err).Msg("final flush incomplete")
	}

	q.mu.Lock()
	remaining := len(q.buf)
	q.mu.Unlock()

	q.closeLost = remaining + int(q.dropped.Load()-droppedBefore)
	if q.closeLost > 0 {
		q.log.Error().Int("events", q.closeLost).Msg("events lost at shutdown")
	}
}

// deliver drains the buffer in batches of FlushBatchSize. Batches rejected
// by the breaker or cut short by ctx are requeued in front of newer events;
// batches that exhausted their retries are dropped and reported, bounding
// memory and avoiding retry storms.
func (q *EventQueue) deliver(ctx context.Context) (int, error) {
	persisted := 0
	var dropErr error
	for {
		batch := q.take(q.cfg.FlushBatchSize)
		if len(batch) == 0 {
			return persisted, dropErr
		}

		start := time.Now()
		written := 0
		attempts := 0
		err := q.retry.Do(ctx, func(ctx context.Context) error {
			attempts++
			n, werr := q.backend.WriteBatch(ctx, batch[written:])
			written += n
			if werr != nil && q.metrics != nil {
				q.metrics.BackendErrors.WithLabelValues("write_batch").Inc()
			}
			return werr
		})
		persisted += written
		if q.metrics != nil {
			q.metrics.FlushDuration.Observe(time.Since(start).Seconds())
			q.metrics.EventsFlushed.Add(float64(written))
			if attempts > 1 {
				q.metrics.BackendRetries.Add(float64(attempts - 1))
			}
		}

		if err == nil {
			continue
		}

		rest := batch[written:]
		if errors.Is(err, breaker.ErrOpen) || ctx.Err() != nil {
			// Not attempted to exhaustion: keep for the next flush.
			q.requeue(rest)
			return persisted, err
		}

		// Retries exhausted or permanent failure: drop and continue with
		// newer events. The first drop's cause is reported to the caller.
		q.dropBatch(rest, err)
		if dropErr == nil {
			dropErr = err
		}
	}
}

// take removes up to n events from the front of the buffer in a single
// critical section and signals waiting producers that space freed up.
func (q *EventQueue) take(n int) []usage.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.buf) == 0 {
		return nil
	}
	if n > len(q.buf) {
		n = len(q.buf)
	}
	batch := make([]usage.Event, n)
	copy(batch, q.buf[:n])
	q.buf = append(q.buf[:0], q.buf[n:]...)

	close(q.space)
	q.space = make(chan struct{})
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.buf)))
	}
	return batch
}

// requeue puts undelivered events back in front of newer ones, preserving
// enqueue order. The buffer may momentarily exceed BufferSize by at most
// one batch.
func (q *EventQueue) requeue(events []usage.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.buf = append(append(make([]usage.Event, 0, len(events)+len(q.buf)), events...), q.buf...)
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.buf)))
	}
	q.mu.Unlock()
}

func (q *EventQueue) dropBatch(events []usage.Event, err error) {
	if len(events) == 0 {
		return
	}
	q.dropped.Add(int64(len(events)))
	if q.metrics != nil {
		q.metrics.EventsDropped.Add(float64(len(events)))
	}
	q.log.Error().Err(err).Int("events", len(events)).Msg("dropped batch after delivery gave up")
	if q.onDrop != nil {
		q.onDrop(events, err)
	}
}

// Ensure interface compliance.
var _ ports.Recorder = (*EventQueue)(nil)
