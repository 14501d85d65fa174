// Package interrupts turns user interrupts (SIGINT or a control-channel
// interrupt request) into a pending flag that the interpreter polls at its
// own safe points. Nothing here unwinds interpreter state.
package interrupts

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Install after Close.
var ErrClosed = errors.New("interrupt bridge closed")

// Bridge owns the process-wide pending interrupt flag.
type Bridge struct {
	pending atomic.Bool
	notify  chan struct{}

	mu        sync.Mutex
	sigs      chan os.Signal
	installed bool
	closed    bool
	done      chan struct{}
}

// New creates a bridge. No signal handler is installed until Install.
func New() *Bridge {
	return &Bridge{
		notify: make(chan struct{}, 1),
		sigs:   make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

// Raise sets the pending flag and wakes any watcher.
func (b *Bridge) Raise() {
	b.pending.Store(true)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pending reports whether an interrupt is waiting to be observed.
func (b *Bridge) Pending() bool {
	return b.pending.Load()
}

// Clear resets the flag and reports whether it was set.
func (b *Bridge) Clear() bool {
	was := b.pending.Swap(false)
	select {
	case <-b.notify:
	default:
	}
	return was
}

// Notify returns a channel that receives after Raise. Receivers should
// confirm with Pending, a notification may outlive a Clear.
func (b *Bridge) Notify() <-chan struct{} {
	return b.notify
}

// Install registers the OS interrupt handler. It can be called any number of
// times; each call re-registers the handler.
func (b *Bridge) Install() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	signal.Notify(b.sigs, os.Interrupt)
	if !b.installed {
		b.installed = true
		go b.loop()
		slog.Debug("interrupt handler installed")
	}
	return nil
}

func (b *Bridge) loop() {
	for {
		select {
		case <-b.sigs:
			b.Raise()
		case <-b.done:
			return
		}
	}
}

// Close unregisters the handler. The flag keeps working for Raise callers.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	signal.Stop(b.sigs)
	close(b.done)
}
