package comm

import (
	"context"
	"fmt"
	"log/slog"
)

// UITarget is the target name of the frontend UI comm.
const UITarget = "ui"

// FrontendEvent is a notification for the frontend UI.
type FrontendEvent struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// ShowMessage returns the event asking the frontend to display text.
func ShowMessage(text string) FrontendEvent {
	return FrontendEvent{Method: "show_message", Params: map[string]any{"message": text}}
}

// Busy returns the event reporting the interpreter's busy state.
func Busy(busy bool) FrontendEvent {
	return FrontendEvent{Method: "busy", Params: map[string]any{"busy": busy}}
}

// UI serves the ui comm. Frontends open it to receive FrontendEvents.
type UI struct {
	m *Manager
}

// NewUI creates the ui target for m.
func NewUI(m *Manager) *UI {
	return &UI{m: m}
}

func (u *UI) Opened(context.Context, *Comm, map[string]any) error { return nil }

func (u *UI) Message(ctx context.Context, c *Comm, data map[string]any) error {
	method, _ := data["method"].(string)
	if method == "ping" {
		return c.Send(ctx, map[string]any{"method": "pong"})
	}
	return fmt.Errorf("ui comm: unknown method %q", method)
}

func (u *UI) Closed(*Comm) {}

// Send broadcasts ev to every open ui comm. It blocks until the bus accepted
// the events or ctx is done.
func (u *UI) Send(ctx context.Context, ev FrontendEvent) error {
	params := ev.Params
	if params == nil {
		params = map[string]any{}
	}
	n, err := u.m.Broadcast(ctx, UITarget, map[string]any{"method": ev.Method, "params": params})
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Debug("frontend event without ui comm", "method", ev.Method)
	}
	return nil
}
