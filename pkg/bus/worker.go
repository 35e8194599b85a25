package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/attestra-io/attestra/pkg/event"
)

// worker runs the dispatch loop: a blocking dequeue with a short poll
// timeout (so shutdown is noticed promptly), then all matching handlers in
// registration order, then exactly one EmitResult for the event.
func (b *Bus) worker(id int) {
	defer b.wg.Done()
	timer := time.NewTimer(b.cfg.PollInterval)
	defer timer.Stop()

	for {
		timer.Reset(b.cfg.PollInterval)
		select {
		case <-b.quit:
			return
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-timer.C:
			// poll timeout: loop back and re-check the quit flag
		}
	}
}

func (b *Bus) dispatch(evt event.AuditEvent) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	b.metrics.QueueDepth(int64(len(b.queue)))

	start := time.Now()

	b.handlerMu.RLock()
	handlers := make([]event.Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.handlerMu.RUnlock()

	result := event.EmitResult{EventID: evt.ID, Status: event.StatusProcessed}
	var failures []string

	for _, h := range handlers {
		if !h.Supports(evt) {
			continue
		}
		hr, err := b.invoke(h, evt)
		if err != nil {
			// Handler failures are isolated: recorded, aggregated, and the
			// remaining handlers still run.
			failures = append(failures, fmt.Sprintf("%s: %v", h.Name(), err))
			b.logger.Warn("handler failed",
				"handler", h.Name(), "event_id", evt.ID, "error", err)
			continue
		}
		result.Effects.Merge(hr.Effects)
	}

	result.Duration = time.Since(start)
	if len(failures) > 0 {
		result.Status = event.StatusFailed
		result.Error = strings.Join(failures, "; ")
		b.failed.Add(1)
	} else {
		b.processed.Add(1)
	}
	b.rates.record(time.Now())
	b.metrics.EventProcessed(result.Status, result.Duration)

	b.waiterMu.Lock()
	ch, waiting := b.waiters[evt.ID]
	if waiting {
		delete(b.waiters, evt.ID)
	}
	b.waiterMu.Unlock()
	if waiting {
		ch <- result // buffered, never blocks the worker
	}
}

// invoke runs one handler with panic isolation. A panicking handler is
// recorded as a failure, never crashes the worker.
func (b *Bus) invoke(h event.Handler, evt event.AuditEvent) (hr event.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(evt)
}
