package bus

import (
	"sync"
	"time"
)

// HealthStatus is the derived bus condition.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is a point-in-time snapshot of the bus.
type Health struct {
	Status          HealthStatus `json:"status"`
	QueueDepth      int          `json:"queue_depth"`
	QueueCapacity   int          `json:"queue_capacity"`
	RatePerSecond   float64      `json:"rate_per_second"`
	EventsEmitted   int64        `json:"events_emitted"`
	EventsProcessed int64        `json:"events_processed"`
	EventsFailed    int64        `json:"events_failed"`
	EventsDropped   int64        `json:"events_dropped"`
	Workers         int          `json:"workers"`
}

// Health reports queue depth, counters, the rolling processing rate and a
// derived status: degraded once any event has been dropped, unhealthy when
// the queue is above ~90% of capacity.
func (b *Bus) Health() Health {
	depth := len(b.queue)
	h := Health{
		Status:          StatusHealthy,
		QueueDepth:      depth,
		QueueCapacity:   b.cfg.QueueCapacity,
		RatePerSecond:   b.rates.perSecond(time.Now()),
		EventsEmitted:   b.emitted.Load(),
		EventsProcessed: b.processed.Load(),
		EventsFailed:    b.failed.Load(),
		EventsDropped:   b.dropped.Load(),
		Workers:         b.cfg.Workers,
	}

	switch {
	case float64(depth) > 0.9*float64(b.cfg.QueueCapacity):
		h.Status = StatusUnhealthy
	case h.EventsDropped > 0:
		h.Status = StatusDegraded
	}
	return h
}

// rateWindow tracks processing timestamps inside a rolling window.
type rateWindow struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newRateWindow(window time.Duration) *rateWindow {
	return &rateWindow{window: window}
}

func (r *rateWindow) record(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, t)
	r.trim(t)
}

func (r *rateWindow) trim(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.times) && r.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.times = append([]time.Time(nil), r.times[i:]...)
	}
}

func (r *rateWindow) perSecond(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(now)
	if len(r.times) == 0 {
		return 0
	}
	elapsed := now.Sub(r.times[0]).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return float64(len(r.times)) / elapsed
}
