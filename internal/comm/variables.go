package comm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dohr-michael/shellkernel/internal/shell"
)

// VariablesTarget is the target name of the variables comm.
const VariablesTarget = "variables"

// Inspector reads the interpreter's variables. Implementations acquire the
// interpreter for the duration of each call.
type Inspector interface {
	Variables(ctx context.Context) ([]shell.Variable, error)
	Lookup(ctx context.Context, name string) (shell.Variable, bool, error)
}

// Variables serves the variables comm: a listing on open and on request,
// lookups of single variables, and update messages after every execution.
type Variables struct {
	inspector Inspector
	changed   chan struct{}

	mu   sync.Mutex
	seen map[string]map[string]shell.Variable
}

// NewVariables creates the variables target.
func NewVariables(inspector Inspector) *Variables {
	return &Variables{
		inspector: inspector,
		changed:   make(chan struct{}, 1),
		seen:      make(map[string]map[string]shell.Variable),
	}
}

func (v *Variables) Opened(ctx context.Context, c *Comm, _ map[string]any) error {
	return v.refresh(ctx, c)
}

func (v *Variables) Message(ctx context.Context, c *Comm, data map[string]any) error {
	method, _ := data["method"].(string)
	switch method {
	case "refresh", "list":
		return v.refresh(ctx, c)
	case "inspect":
		name, _ := data["name"].(string)
		vr, found, err := v.inspector.Lookup(ctx, name)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", name, err)
		}
		reply := map[string]any{"method": "inspect", "name": name, "found": found}
		if found {
			reply["variable"] = variableData(vr)
		}
		return c.Send(ctx, reply)
	default:
		return fmt.Errorf("variables comm: unknown method %q", method)
	}
}

func (v *Variables) Closed(c *Comm) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.seen, c.ID)
}

// Changed signals that an execution finished. It never blocks.
func (v *Variables) Changed() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Watch sends update messages to the open variables comms of m after each
// Changed signal, until ctx is done.
func (v *Variables) Watch(ctx context.Context, m *Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.changed:
		}

		comms := m.Comms(VariablesTarget)
		if len(comms) == 0 {
			continue
		}
		vars, err := v.inspector.Variables(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("variables watcher failed", "error", err)
			}
			continue
		}
		for _, c := range comms {
			if err := v.update(ctx, c, vars); err != nil {
				slog.Warn("variables update not sent", "comm_id", c.ID, "error", err)
			}
		}
	}
}

func (v *Variables) refresh(ctx context.Context, c *Comm) error {
	vars, err := v.inspector.Variables(ctx)
	if err != nil {
		return fmt.Errorf("list variables: %w", err)
	}
	v.remember(c.ID, vars)

	list := make([]map[string]any, len(vars))
	for i, vr := range vars {
		list[i] = variableData(vr)
	}
	return c.Send(ctx, map[string]any{"method": "refresh", "variables": list})
}

func (v *Variables) update(ctx context.Context, c *Comm, vars []shell.Variable) error {
	v.mu.Lock()
	prev := v.seen[c.ID]
	v.mu.Unlock()

	var assigned []map[string]any
	current := make(map[string]bool, len(vars))
	for _, vr := range vars {
		current[vr.Name] = true
		if old, ok := prev[vr.Name]; !ok || old != vr {
			assigned = append(assigned, variableData(vr))
		}
	}
	var removed []string
	for name := range prev {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	v.remember(c.ID, vars)

	if len(assigned) == 0 && len(removed) == 0 {
		return nil
	}
	if assigned == nil {
		assigned = []map[string]any{}
	}
	if removed == nil {
		removed = []string{}
	}
	return c.Send(ctx, map[string]any{"method": "update", "assigned": assigned, "removed": removed})
}

func (v *Variables) remember(id string, vars []shell.Variable) {
	snap := make(map[string]shell.Variable, len(vars))
	for _, vr := range vars {
		snap[vr.Name] = vr
	}
	v.mu.Lock()
	v.seen[id] = snap
	v.mu.Unlock()
}

func variableData(v shell.Variable) map[string]any {
	return map[string]any{
		"name":      v.Name,
		"kind":      v.Kind,
		"value":     v.Value,
		"length":    v.Length,
		"exported":  v.Exported,
		"read_only": v.ReadOnly,
	}
}
