// Package comm implements Jupyter comms: named, bidirectional channels
// between the kernel and frontend widgets.
//
// Frontends open comms against a registered target. The kernel answers on
// IOPub with comm_msg events tagged with the request being served.
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

var (
	ErrUnknownTarget = errors.New("unknown comm target")
	ErrUnknownComm   = errors.New("unknown comm")
)

// Target handles the comms opened against one target name.
type Target interface {
	// Opened is called once the comm is registered.
	Opened(ctx context.Context, c *Comm, data map[string]any) error
	// Message handles a comm_msg from the frontend.
	Message(ctx context.Context, c *Comm, data map[string]any) error
	// Closed is called after the comm is removed.
	Closed(c *Comm)
}

// Comm is one open comm.
type Comm struct {
	ID     string
	Target string

	m *Manager
}

// Send publishes data to the frontend. The event is parented to the request
// carried by ctx, if any.
func (c *Comm) Send(ctx context.Context, data map[string]any) error {
	return c.m.publish(ctx, events.CommMsgPayload{CommID: c.ID, Data: data})
}

// Manager tracks open comms and routes their traffic.
type Manager struct {
	bus *events.Bus

	mu      sync.RWMutex
	targets map[string]Target
	comms   map[string]*Comm
}

// NewManager creates a manager publishing on bus.
func NewManager(bus *events.Bus) *Manager {
	return &Manager{
		bus:     bus,
		targets: make(map[string]Target),
		comms:   make(map[string]*Comm),
	}
}

// Register adds a target.
func (m *Manager) Register(name string, t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[name] = t
}

// Open handles a comm_open from the frontend. An unknown target is answered
// with comm_close.
func (m *Manager) Open(ctx context.Context, req protocol.CommOpen) error {
	m.mu.Lock()
	t, ok := m.targets[req.TargetName]
	if !ok {
		m.mu.Unlock()
		slog.Warn("comm open for unknown target", "target", req.TargetName, "comm_id", req.CommID)
		if err := m.publish(ctx, events.CommClosePayload{CommID: req.CommID, Data: map[string]any{}}); err != nil {
			slog.Debug("comm close not published", "error", err)
		}
		return fmt.Errorf("%w: %s", ErrUnknownTarget, req.TargetName)
	}
	if req.CommID == "" {
		req.CommID = uuid.New().String()
	}
	c := &Comm{ID: req.CommID, Target: req.TargetName, m: m}
	m.comms[c.ID] = c
	m.mu.Unlock()

	slog.Debug("comm opened", "target", c.Target, "comm_id", c.ID)
	if err := t.Opened(ctx, c, req.Data); err != nil {
		return fmt.Errorf("open comm %s: %w", c.ID, err)
	}
	return nil
}

// OpenFromKernel opens a comm on the kernel side and announces it.
func (m *Manager) OpenFromKernel(ctx context.Context, target string, data map[string]any) (*Comm, error) {
	m.mu.Lock()
	if _, ok := m.targets[target]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	c := &Comm{ID: uuid.New().String(), Target: target, m: m}
	m.comms[c.ID] = c
	m.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	if err := m.publish(ctx, events.CommOpenPayload{CommID: c.ID, TargetName: target, Data: data}); err != nil {
		return nil, err
	}
	return c, nil
}

// Message routes a comm_msg from the frontend.
func (m *Manager) Message(ctx context.Context, req protocol.CommMsg) error {
	m.mu.RLock()
	c, ok := m.comms[req.CommID]
	var t Target
	if ok {
		t = m.targets[c.Target]
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComm, req.CommID)
	}
	return t.Message(ctx, c, req.Data)
}

// Close handles a comm_close from the frontend.
func (m *Manager) Close(_ context.Context, req protocol.CommClose) error {
	m.mu.Lock()
	c, ok := m.comms[req.CommID]
	if ok {
		delete(m.comms, req.CommID)
	}
	t := m.targets[c.targetName()]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComm, req.CommID)
	}
	slog.Debug("comm closed", "target", c.Target, "comm_id", c.ID)
	if t != nil {
		t.Closed(c)
	}
	return nil
}

// Info lists the open comms, optionally restricted to one target.
func (m *Manager) Info(target string) map[string]protocol.CommInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]protocol.CommInfo)
	for id, c := range m.comms {
		if target == "" || c.Target == target {
			out[id] = protocol.CommInfo{TargetName: c.Target}
		}
	}
	return out
}

// Comms returns the open comms of target, ordered by id.
func (m *Manager) Comms(target string) []*Comm {
	m.mu.RLock()
	var out []*Comm
	for _, c := range m.comms {
		if c.Target == target {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast sends data on every open comm of target and reports how many
// received it.
func (m *Manager) Broadcast(ctx context.Context, target string, data map[string]any) (int, error) {
	comms := m.Comms(target)
	for _, c := range comms {
		if err := c.Send(ctx, data); err != nil {
			return 0, fmt.Errorf("broadcast to %s: %w", target, err)
		}
	}
	return len(comms), nil
}

func (m *Manager) publish(ctx context.Context, payload events.EventPayload) error {
	e := events.NewReplyEvent(events.SourceComm, payload, events.ParentFromContext(ctx))
	return m.bus.PublishAsync(ctx, e)
}

func (c *Comm) targetName() string {
	if c == nil {
		return ""
	}
	return c.Target
}
