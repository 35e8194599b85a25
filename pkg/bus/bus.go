// Package bus decouples audit event producers from consumers with a bounded
// in-memory queue and a fixed worker pool. Delivery is fire-and-forget
// (Emit), blocking (EmitAndWait) or future-based (EmitDeferred); all three
// share the same queue and workers.
//
// Backpressure policy: the queue never grows beyond its capacity. Crossing
// the high-water mark logs a throttled warning; a completely full queue
// drops the new event and counts it. Losing availability of the ingestion
// path is worse than losing a few low-priority events, so queue-full is a
// counted degradation, never an error raised to the producer.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/attestra-io/attestra/pkg/event"
)

var (
	// ErrShutdown is returned once the bus has stopped accepting events.
	ErrShutdown = errors.New("bus is shut down")
	// ErrDropped is returned by the waiting delivery modes when the queue
	// was full and the event was shed.
	ErrDropped = errors.New("event dropped: queue full")
	// ErrTimeout is returned when a blocking wait elapses before the
	// event's result arrives. The event may still be processed later; the
	// caller just no longer observes the result.
	ErrTimeout = errors.New("timed out waiting for event result")
)

// Config sizes the bus.
type Config struct {
	QueueCapacity int
	Workers       int
	// PollInterval is the worker dequeue timeout; it bounds how quickly
	// workers notice a shutdown.
	PollInterval time.Duration
	// HighWater is the queue fill fraction above which backpressure
	// warnings are emitted.
	HighWater float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 1000,
		Workers:       4,
		PollInterval:  100 * time.Millisecond,
		HighWater:     0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HighWater <= 0 || c.HighWater >= 1 {
		c.HighWater = d.HighWater
	}
	return c
}

// Metrics receives pipeline telemetry. The observability package provides an
// OpenTelemetry implementation.
type Metrics interface {
	EventEmitted()
	EventDropped()
	EventProcessed(status event.Status, d time.Duration)
	QueueDepth(depth int64)
}

// NopMetrics discards telemetry.
type NopMetrics struct{}

func (NopMetrics) EventEmitted()                              {}
func (NopMetrics) EventDropped()                              {}
func (NopMetrics) EventProcessed(event.Status, time.Duration) {}
func (NopMetrics) QueueDepth(int64)                           {}

// Bus is the audit event ingress.
type Bus struct {
	cfg   Config
	queue chan event.AuditEvent

	handlerMu sync.RWMutex
	handlers  []event.Handler

	waiterMu sync.Mutex
	waiters  map[string]chan event.EmitResult

	validator *event.Validator
	metrics   Metrics
	logger    *slog.Logger

	warnLimiter *rate.Limiter

	emitted   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inflight  atomic.Int64

	accepting atomic.Bool
	quit      chan struct{}
	wg        sync.WaitGroup

	rates *rateWindow
}

// Option configures a Bus.
type Option func(*Bus)

// WithValidator rejects events whose payloads fail schema validation.
func WithValidator(v *event.Validator) Option {
	return func(b *Bus) { b.validator = v }
}

// WithMetrics installs a telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates and starts a bus with cfg.Workers dispatch workers.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		cfg:     cfg,
		queue:   make(chan event.AuditEvent, cfg.QueueCapacity),
		waiters: make(map[string]chan event.EmitResult),
		metrics: NopMetrics{},
		logger:  logger.With("component", "bus"),
		// one backpressure warning per second at most
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		quit:        make(chan struct{}),
		rates:       newRateWindow(time.Minute),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.accepting.Store(true)

	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b
}

// RegisterHandler appends a handler to the ordered registry. Handlers run in
// registration order for every event they support.
func (b *Bus) RegisterHandler(h event.Handler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// UnregisterHandler removes the handler with the given name.
func (b *Bus) UnregisterHandler(name string) bool {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	for i, h := range b.handlers {
		if h.Name() == name {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit enqueues the event without blocking. A full queue drops the event
// and increments the drop counter; drops are not errors. Emit only fails
// for schema-invalid payloads or a shut-down bus.
func (b *Bus) Emit(evt event.AuditEvent) error {
	if !b.accepting.Load() {
		return ErrShutdown
	}
	if b.validator != nil {
		if err := b.validator.Validate(evt); err != nil {
			return err
		}
	}
	b.enqueue(evt)
	return nil
}

// enqueue reports whether the event made it into the queue.
func (b *Bus) enqueue(evt event.AuditEvent) bool {
	depth := len(b.queue)
	if float64(depth) >= b.cfg.HighWater*float64(b.cfg.QueueCapacity) && b.warnLimiter.Allow() {
		b.logger.Warn("queue above high-water mark",
			"depth", depth, "capacity", b.cfg.QueueCapacity)
	}

	select {
	case b.queue <- evt:
		b.emitted.Add(1)
		b.metrics.EventEmitted()
		b.metrics.QueueDepth(int64(len(b.queue)))
		return true
	default:
		// Oldest-data-stays: the new event is rejected, nothing already
		// queued is evicted.
		b.dropped.Add(1)
		b.metrics.EventDropped()
		return false
	}
}

// EmitAndWait enqueues the event and blocks until its EmitResult arrives or
// timeout elapses. On timeout the waiter registration is removed; the event
// may still be processed later.
func (b *Bus) EmitAndWait(evt event.AuditEvent, timeout time.Duration) (event.EmitResult, error) {
	if !b.accepting.Load() {
		return event.EmitResult{}, ErrShutdown
	}
	if b.validator != nil {
		if err := b.validator.Validate(evt); err != nil {
			return event.EmitResult{}, err
		}
	}

	ch := make(chan event.EmitResult, 1)
	b.waiterMu.Lock()
	b.waiters[evt.ID] = ch
	b.waiterMu.Unlock()

	if !b.enqueue(evt) {
		b.removeWaiter(evt.ID)
		return event.EmitResult{}, ErrDropped
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		b.removeWaiter(evt.ID)
		return event.EmitResult{}, fmt.Errorf("%w: event %s after %s", ErrTimeout, evt.ID, timeout)
	}
}

// EmitDeferred enqueues the event and returns a future that can be awaited
// or polled without blocking the caller.
func (b *Bus) EmitDeferred(evt event.AuditEvent) *ResultFuture {
	if !b.accepting.Load() {
		return failedFuture(ErrShutdown)
	}
	if b.validator != nil {
		if err := b.validator.Validate(evt); err != nil {
			return failedFuture(err)
		}
	}

	ch := make(chan event.EmitResult, 1)
	b.waiterMu.Lock()
	b.waiters[evt.ID] = ch
	b.waiterMu.Unlock()

	if !b.enqueue(evt) {
		b.removeWaiter(evt.ID)
		return failedFuture(ErrDropped)
	}
	return &ResultFuture{ch: ch}
}

func (b *Bus) removeWaiter(id string) {
	b.waiterMu.Lock()
	delete(b.waiters, id)
	b.waiterMu.Unlock()
}

// Flush blocks until the queue has drained and all in-flight handler runs
// have finished, or timeout elapses. It returns the total processed and
// failed counts.
func (b *Bus) Flush(timeout time.Duration) (processed, failed int64, err error) {
	deadline := time.Now().Add(timeout)
	for {
		if len(b.queue) == 0 && b.inflight.Load() == 0 {
			return b.processed.Load(), b.failed.Load(), nil
		}
		if time.Now().After(deadline) {
			return b.processed.Load(), b.failed.Load(),
				fmt.Errorf("flush timed out with %d queued, %d in flight",
					len(b.queue), b.inflight.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Shutdown stops accepting events, drains the queue within timeout, then
// joins the workers. In-flight handler invocations finish; nothing is
// interrupted mid-handler.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if !b.accepting.CompareAndSwap(true, false) {
		return ErrShutdown
	}

	_, _, flushErr := b.Flush(timeout)
	close(b.quit)
	b.wg.Wait()

	b.logger.Info("bus stopped",
		"processed", b.processed.Load(),
		"failed", b.failed.Load(),
		"dropped", b.dropped.Load())
	return flushErr
}
