package arbiter

import (
	"context"
	"log/slog"
	"time"
)

type guardState int

const (
	guardHeld guardState = iota
	guardSuspended
	guardReleased
)

// Guard is proof of ownership of an Arbiter. A Guard belongs to the goroutine
// that obtained it and must not be shared.
type Guard[T any] struct {
	a         *Arbiter[T]
	owner     *owner
	reentrant bool
	state     guardState
	saved     int
}

// Value returns the guarded value. It panics if the guard was released or is
// suspended.
func (g *Guard[T]) Value() T {
	if g.state != guardHeld {
		panic("arbiter: value accessed without holding the lock")
	}
	return g.a.value
}

// Context returns a child of parent that lets the holder re-enter Lock
// without deadlocking.
func (g *Guard[T]) Context(parent context.Context) context.Context {
	return context.WithValue(parent, ownerKey{g.a}, g.owner)
}

// Who returns the name the guard was acquired under.
func (g *Guard[T]) Who() string {
	return g.owner.who
}

// Unlock releases one level of ownership. When the outermost level is
// released, ownership passes to the oldest waiter. Unlocking a released guard
// is a no-op.
func (g *Guard[T]) Unlock() {
	if g.state == guardReleased {
		return
	}
	if g.state == guardSuspended {
		g.state = guardReleased
		return
	}

	a := g.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != g.owner {
		panic("arbiter: unlock by non-holder")
	}
	g.state = guardReleased
	a.depth--
	if a.depth == 0 {
		a.handoff()
	}
}

// Suspend gives up ownership entirely, whatever the nesting depth, so other
// goroutines may use the interpreter while the holder blocks on something
// else. Resume restores it.
func (g *Guard[T]) Suspend() {
	if g.state != guardHeld {
		panic("arbiter: suspend without holding the lock")
	}

	a := g.a
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.holder != g.owner {
		panic("arbiter: suspend by non-holder")
	}
	g.saved = a.depth
	g.state = guardSuspended
	a.handoff()
}

// Resume blocks until ownership is regained with the depth it had at Suspend.
// On error the guard stays suspended.
func (g *Guard[T]) Resume(ctx context.Context) error {
	if g.state != guardSuspended {
		panic("arbiter: resume of a guard that is not suspended")
	}

	a := g.a
	a.mu.Lock()
	if a.holder == nil && len(a.queue) == 0 {
		a.holder, a.depth = g.owner, g.saved
		a.mu.Unlock()
		g.state = guardHeld
		return nil
	}
	w := &waiter{owner: g.owner, depth: g.saved, ready: make(chan struct{})}
	a.enqueue(w)
	a.mu.Unlock()

	if err := a.wait(ctx, w); err != nil {
		return err
	}
	g.state = guardHeld
	return nil
}

// Yield lets exactly one waiting goroutine run, then reacquires ownership
// before anyone who queued later. It returns immediately when nobody waits.
// The returned duration is how long control was ceded.
func (g *Guard[T]) Yield() time.Duration {
	if g.state != guardHeld {
		panic("arbiter: yield without holding the lock")
	}

	a := g.a
	a.mu.Lock()
	if a.holder != g.owner {
		a.mu.Unlock()
		panic("arbiter: yield by non-holder")
	}
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return 0
	}

	pending := len(a.queue)
	self := &waiter{owner: g.owner, depth: a.depth, ready: make(chan struct{})}
	// Queue ourselves right behind the head, then hand the head ownership.
	rest := append([]*waiter{self}, a.queue[1:]...)
	a.queue = append(a.queue[:1], rest...)
	a.waiters.Add(1)
	a.handoff()
	a.mu.Unlock()

	slog.Debug("arbiter yielding", "holder", g.owner.who, "waiters", pending)
	start := time.Now()
	<-self.ready
	ceded := time.Since(start)

	a.recordYield(g.owner.who, ceded)
	if ceded > slowYield {
		slog.Warn("arbiter yield ceded control for a long time", "holder", g.owner.who, "ceded_ms", ceded.Milliseconds())
	} else {
		slog.Debug("arbiter reacquired after yield", "holder", g.owner.who, "ceded_ms", ceded.Milliseconds())
	}
	return ceded
}
