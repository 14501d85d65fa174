// Package arbiter provides the lock that decides which goroutine may call into
// the embedded interpreter.
//
// The lock is single-owner, reentrant and fair: ownership is handed directly to
// the oldest waiter on release, so no caller can barge ahead of a goroutine
// that has been waiting. The protected value is only reachable through a
// Guard returned by Lock, which makes touching the interpreter without holding
// the lock structurally impossible.
package arbiter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/dohr-michael/shellkernel/internal/arbiter"

// slowYield is the cession length above which a yield is logged as a warning.
const slowYield = time.Second

// State is a point-in-time snapshot of the arbiter.
type State struct {
	Held    bool   `json:"held"`
	Holder  string `json:"holder,omitempty"`
	Depth   int    `json:"depth"`
	Waiters int    `json:"waiters"`
}

type owner struct {
	who string
}

type waiter struct {
	owner *owner
	depth int
	ready chan struct{}
}

// ownerKey marks a context as carrying ownership of a given arbiter.
type ownerKey struct {
	arbiter any
}

// Arbiter guards a value of type T.
type Arbiter[T any] struct {
	value T

	mu     sync.Mutex
	holder *owner
	depth  int
	queue  []*waiter

	waiters   atomic.Int64
	yieldHist metric.Float64Histogram
}

// Option configures an Arbiter.
type Option func(*options)

type options struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider sets the meter provider used for arbiter metrics.
// Defaults to the global OpenTelemetry provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// New creates an arbiter guarding value. Nobody holds it initially.
func New[T any](value T, opts ...Option) *Arbiter[T] {
	o := options{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Arbiter[T]{value: value}
	a.initMetrics(o.meterProvider.Meter(instrumentationName))
	return a
}

func (a *Arbiter[T]) initMetrics(meter metric.Meter) {
	hist, err := meter.Float64Histogram("arbiter.yield.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time the holder ceded the interpreter at a yield point"),
	)
	if err != nil {
		slog.Warn("arbiter yield histogram unavailable", "error", err)
	}
	a.yieldHist = hist

	_, err = meter.Int64ObservableGauge("arbiter.waiters",
		metric.WithDescription("Goroutines blocked waiting for the interpreter"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(a.waiters.Load())
			return nil
		}),
	)
	if err != nil {
		slog.Warn("arbiter waiters gauge unavailable", "error", err)
	}
}

// Lock blocks until the caller owns the arbiter or ctx is done. who names the
// caller in logs and state snapshots.
//
// If ctx was derived from Guard.Context of the current holder, Lock re-enters
// immediately instead of deadlocking.
func (a *Arbiter[T]) Lock(ctx context.Context, who string) (*Guard[T], error) {
	a.mu.Lock()
	if o, ok := ctx.Value(ownerKey{a}).(*owner); ok && a.holder == o {
		a.depth++
		a.mu.Unlock()
		return &Guard[T]{a: a, owner: o, reentrant: true}, nil
	}

	o := &owner{who: who}
	if a.holder == nil && len(a.queue) == 0 {
		a.holder, a.depth = o, 1
		a.mu.Unlock()
		return &Guard[T]{a: a, owner: o}, nil
	}

	w := &waiter{owner: o, depth: 1, ready: make(chan struct{})}
	a.enqueue(w)
	a.mu.Unlock()

	if err := a.wait(ctx, w); err != nil {
		return nil, err
	}
	return &Guard[T]{a: a, owner: o}, nil
}

// Waiters returns the number of goroutines blocked in Lock or Resume.
func (a *Arbiter[T]) Waiters() int {
	return int(a.waiters.Load())
}

// State returns a snapshot of the arbiter.
func (a *Arbiter[T]) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{Depth: a.depth, Waiters: len(a.queue)}
	if a.holder != nil {
		s.Held = true
		s.Holder = a.holder.who
	}
	return s
}

// enqueue appends w to the wait queue. Caller must hold a.mu.
func (a *Arbiter[T]) enqueue(w *waiter) {
	a.queue = append(a.queue, w)
	a.waiters.Add(1)
}

// wait blocks until w is granted ownership or ctx is done.
func (a *Arbiter[T]) wait(ctx context.Context, w *waiter) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			a.waiters.Add(-1)
			return ctx.Err()
		}
	}

	// Ownership was granted while ctx expired: pass it on.
	if a.holder == w.owner {
		a.handoff()
	}
	return ctx.Err()
}

// handoff gives ownership to the oldest waiter, or frees the arbiter.
// Caller must hold a.mu.
func (a *Arbiter[T]) handoff() {
	if len(a.queue) == 0 {
		a.holder, a.depth = nil, 0
		return
	}
	next := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	a.waiters.Add(-1)
	a.holder, a.depth = next.owner, next.depth
	close(next.ready)
}

func (a *Arbiter[T]) recordYield(who string, ceded time.Duration) {
	if a.yieldHist != nil {
		a.yieldHist.Record(context.Background(), float64(ceded)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("holder", who)))
	}
}
