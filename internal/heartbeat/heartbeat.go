// Package heartbeat provides liveness detection for a running kernel.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status represents the liveness state of the kernel process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is the write period used when none is given.
const DefaultInterval = 30 * time.Second

// KernelStatus is the interpreter-side part of a heartbeat.
type KernelStatus struct {
	State          string    `json:"state"`
	ExecutionCount int       `json:"execution_count"`
	Holder         string    `json:"holder,omitempty"`
	Waiters        int       `json:"waiters"`
	LastPump       time.Time `json:"last_pump,omitzero"`
}

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int           `json:"pid"`
	Addr      string        `json:"addr,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Kernel    *KernelStatus `json:"kernel,omitempty"`
}

// Wedged reports whether the interpreter has not pumped events for longer
// than maxAge while the process itself kept writing heartbeats.
func (hb *Heartbeat) Wedged(maxAge time.Duration) bool {
	if hb.Kernel == nil || hb.Kernel.LastPump.IsZero() {
		return false
	}
	return hb.Timestamp.Sub(hb.Kernel.LastPump) > maxAge
}

// Probe returns the current kernel status.
type Probe func() KernelStatus

// Writer periodically writes a heartbeat file to disk.
type Writer struct {
	path     string
	addr     string
	interval time.Duration
	probe    Probe
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer that writes to path every interval.
// probe may be nil.
func NewWriter(path, addr string, interval time.Duration, probe Probe) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		path:     path,
		addr:     addr,
		interval: interval,
		probe:    probe,
	}
}

// Start begins writing heartbeat files in a background goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Warn("heartbeat directory", "path", w.path, "error", err)
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	// Write initial heartbeat immediately
	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() {
	hb := Heartbeat{
		PID:       os.Getpid(),
		Addr:      w.addr,
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.probe != nil {
		ks := w.probe()
		hb.Kernel = &ks
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return
	}

	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Debug("heartbeat write", "error", err)
		return
	}
	os.Rename(tmp, w.path)
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	age := time.Since(hb.Timestamp)
	if age > maxAge {
		return StatusStale, &hb, nil
	}

	return StatusAlive, &hb, nil
}
