package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Record is an event retained by History together with its sequence number.
type Record struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// HistoryOption adjusts the behaviour of the history buffer.
type HistoryOption func(*historyConfig)

type historyConfig struct {
	capacity          int
	ttl               time.Duration
	subscriberBacklog int
	now               func() time.Time
}

const (
	defaultHistoryCapacity   = 256
	defaultHistoryTTL        = 15 * time.Minute
	defaultSubscriberBacklog = 64
)

// WithCapacity sets the number of events retained for inspection.
func WithCapacity(capacity int) HistoryOption {
	return func(cfg *historyConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long events remain visible in Events.
func WithTTL(ttl time.Duration) HistoryOption {
	return func(cfg *historyConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithSubscriberBacklog sets the per-subscriber channel buffer. Slow
// subscribers lose events once the buffer is full.
func WithSubscriberBacklog(n int) HistoryOption {
	return func(cfg *historyConfig) {
		if n > 0 {
			cfg.subscriberBacklog = n
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) HistoryOption {
	return func(cfg *historyConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// History is an Emitter that keeps a bounded, time-limited record of recent
// events and fans them out to live subscribers.
type History struct {
	mu          sync.Mutex
	ring        ring[Record]
	ttl         time.Duration
	backlog     int
	now         func() time.Time
	seq         int64
	subscribers map[chan Record]struct{}
	metrics     *historyMetrics
}

// NewHistory constructs a bounded history buffer with optional customisation.
func NewHistory(opts ...HistoryOption) *History {
	cfg := historyConfig{
		capacity:          defaultHistoryCapacity,
		ttl:               defaultHistoryTTL,
		subscriberBacklog: defaultSubscriberBacklog,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &History{
		ring:        newRing[Record](cfg.capacity),
		ttl:         cfg.ttl,
		backlog:     cfg.subscriberBacklog,
		now:         cfg.now,
		subscribers: make(map[chan Record]struct{}),
		metrics:     sharedHistoryMetrics(),
	}
}

// Emit implements the Emitter interface.
func (h *History) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	rec := Record{Type: evt.EventType(), Attributes: map[string]string{}}
	if payload, ok := evt.(Payload); ok {
		if typed := payload.Event(); typed != nil {
			rec.Type = typed.Type
			for k, v := range typed.Attributes {
				rec.Attributes[k] = v
			}
		}
	}

	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictExpiredLocked(now)
	h.seq++
	rec.Sequence = h.seq
	rec.EmittedAt = now
	if _, dropped := h.ring.push(rec); dropped {
		h.metrics.recordDropped("overflow", 1)
	}
	h.metrics.recordEmitted(rec.Type)
	for ch := range h.subscribers {
		select {
		case ch <- rec:
		default:
			h.metrics.recordDropped("slow_subscriber", 1)
		}
	}
}

// Events returns the retained events with a sequence greater than since, in
// emission order.
func (h *History) Events(since int64) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictExpiredLocked(h.now())
	out := make([]Record, 0, h.ring.len())
	h.ring.forEach(func(rec Record) {
		if rec.Sequence > since {
			out = append(out, rec)
		}
	})
	return out
}

// Subscribe returns a channel receiving every event emitted after the call.
// The channel is closed once ctx is done.
func (h *History) Subscribe(ctx context.Context) <-chan Record {
	ch := make(chan Record, h.backlog)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *History) evictExpiredLocked(now time.Time) {
	if h.ttl <= 0 {
		return
	}
	expired := 0
	for {
		rec, ok := h.ring.peek()
		if !ok || now.Sub(rec.EmittedAt) <= h.ttl {
			break
		}
		h.ring.pop()
		expired++
	}
	if expired > 0 {
		h.metrics.recordDropped("ttl", expired)
	}
}

// ring is a fixed-size ring buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 || len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	historyMetricsOnce sync.Once
	historyMetricsInst *historyMetrics
)

type historyMetrics struct {
	emitted metric.Int64Counter
	dropped metric.Int64Counter
}

func sharedHistoryMetrics() *historyMetrics {
	historyMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("deedescrow/events")
		fallback := noop.NewMeterProvider().Meter("deedescrow/events")
		emitted, err := meter.Int64Counter("deedescrow.events.emitted")
		if err != nil {
			emitted, _ = fallback.Int64Counter("deedescrow.events.emitted")
		}
		dropped, err := meter.Int64Counter("deedescrow.events.dropped")
		if err != nil {
			dropped, _ = fallback.Int64Counter("deedescrow.events.dropped")
		}
		historyMetricsInst = &historyMetrics{emitted: emitted, dropped: dropped}
	})
	return historyMetricsInst
}

func (m *historyMetrics) recordEmitted(eventType string) {
	if m == nil || m.emitted == nil {
		return
	}
	m.emitted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *historyMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
