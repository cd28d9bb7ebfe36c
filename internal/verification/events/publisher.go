package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"humanscore/internal/platform/metrics"
	"humanscore/pkg/platform/circuit"
	"humanscore/pkg/requestcontext"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultDrainTimeout  = 5 * time.Second
)

// Async buffers events in memory and flushes them to a Sink in the background.
// Publish never blocks; a full buffer drops the oldest event. Delivery failures open
// a breaker and the batch is retried on the next tick.
type Async struct {
	sink      Sink
	buf       *RingBuffer
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	batchSize int
	interval  time.Duration

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*Async)

func WithBufferSize(n int) Option {
	return func(a *Async) {
		a.buf = NewRingBuffer(n)
	}
}

func WithBatchSize(n int) Option {
	return func(a *Async) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(a *Async) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(a *Async) {
		if b != nil {
			a.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Async) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Async) {
		a.metrics = m
	}
}

// NewAsync creates a publisher for sink. Call Start before publishing and Close on
// shutdown.
func NewAsync(sink Sink, opts ...Option) *Async {
	a := &Async{
		sink:      sink,
		buf:       NewRingBuffer(0),
		breaker:   circuit.New("events", circuit.WithFailureThreshold(3), circuit.WithCooldown(30*time.Second)),
		logger:    slog.Default(),
		batchSize: defaultBatchSize,
		interval:  defaultFlushInterval,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish stamps e with the request time and id and queues it.
func (a *Async) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = requestcontext.Now(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	if a.buf.Enqueue(e) {
		a.metrics.AddEventsDropped("buffer_full", 1)
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until Close.
func (a *Async) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Close stops the loop after a final drain. It returns ctx.Err() if the drain
// outlives ctx.
func (a *Async) Close(ctx context.Context) error {
	a.Start()
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many events are waiting for delivery.
func (a *Async) Pending() int {
	return a.buf.Len()
}

func (a *Async) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			ctx, cancel := context.WithTimeout(context.Background(), defaultDrainTimeout)
			a.flush(ctx)
			cancel()
			if n := a.buf.Len(); n > 0 {
				a.logger.Warn("dropping undelivered verification events on shutdown", "count", n)
				a.metrics.AddEventsDropped("shutdown", n)
			}
			return
		case <-a.wake:
		case <-ticker.C:
		}
		a.flush(context.Background())
	}
}

// flush writes batches until the buffer is empty, the sink fails, or the breaker
// refuses.
func (a *Async) flush(ctx context.Context) {
	for a.buf.Len() > 0 {
		if !a.breaker.Allow() {
			return
		}
		batch := a.buf.DequeueBatch(a.batchSize)
		if err := a.sink.Write(ctx, batch); err != nil {
			_, change := a.breaker.RecordFailure()
			if change.Opened {
				a.metrics.SetCircuitOpen(a.breaker.Name(), true)
			}
			if lost := a.buf.Requeue(batch); lost > 0 {
				a.metrics.AddEventsDropped("buffer_full", lost)
			}
			a.logger.WarnContext(ctx, "publish verification events", "batch", len(batch), "error", err)
			return
		}
		_, change := a.breaker.RecordSuccess()
		if change.Closed {
			a.metrics.SetCircuitOpen(a.breaker.Name(), false)
		}
		a.metrics.AddEventsPublished(len(batch))
		if err := ctx.Err(); err != nil {
			return
		}
	}
}
