package comm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
	"github.com/dohr-michael/shellkernel/internal/shell"
)

type fakeInspector struct {
	mu   sync.Mutex
	vars []shell.Variable
}

func (f *fakeInspector) set(vars ...shell.Variable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars = vars
}

func (f *fakeInspector) Variables(context.Context) ([]shell.Variable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shell.Variable(nil), f.vars...), nil
}

func (f *fakeInspector) Lookup(_ context.Context, name string) (shell.Variable, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.vars {
		if v.Name == name {
			return v, true, nil
		}
	}
	return shell.Variable{}, false, nil
}

func str(name, value string) shell.Variable {
	return shell.Variable{Name: name, Kind: "string", Value: value, Length: len(value)}
}

func newTestManager(t *testing.T) (*Manager, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	ch, unsub := bus.SubscribeChan(64)
	t.Cleanup(unsub)
	return NewManager(bus), ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestManager_UnknownTarget(t *testing.T) {
	m, ch := newTestManager(t)

	err := m.Open(context.Background(), protocol.CommOpen{CommID: "c1", TargetName: "nope"})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("got %v, want ErrUnknownTarget", err)
	}
	e := next(t, ch)
	if e.Type != events.EventCommClose {
		t.Errorf("type: got %s, want comm_close", e.Type)
	}
	if len(m.Info("")) != 0 {
		t.Error("unknown target should not register a comm")
	}
}

func TestManager_InfoAndClose(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register(UITarget, NewUI(m))
	ctx := context.Background()

	if err := m.Open(ctx, protocol.CommOpen{CommID: "a", TargetName: UITarget}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := m.Info(UITarget); len(got) != 1 || got["a"].TargetName != UITarget {
		t.Errorf("info: got %v", got)
	}
	if got := m.Info(VariablesTarget); len(got) != 0 {
		t.Errorf("filtered info: got %v", got)
	}

	if err := m.Close(ctx, protocol.CommClose{CommID: "a"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(ctx, protocol.CommClose{CommID: "a"}); !errors.Is(err, ErrUnknownComm) {
		t.Errorf("second close: got %v, want ErrUnknownComm", err)
	}
	if err := m.Message(ctx, protocol.CommMsg{CommID: "a"}); !errors.Is(err, ErrUnknownComm) {
		t.Errorf("message after close: got %v, want ErrUnknownComm", err)
	}
}

func TestUI_SendCarriesParent(t *testing.T) {
	m, ch := newTestManager(t)
	ui := NewUI(m)
	m.Register(UITarget, ui)

	if err := m.Open(context.Background(), protocol.CommOpen{CommID: "ui1", TargetName: UITarget}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	parent := &protocol.Header{MsgID: "req-1", Session: "s1"}
	ctx := events.ContextWithParent(context.Background(), parent)
	if err := ui.Send(ctx, ShowMessage("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	e := next(t, ch)
	p, ok := events.GetCommMsgPayload(e)
	if !ok {
		t.Fatal("not a comm_msg payload")
	}
	if p.CommID != "ui1" || p.Data["method"] != "show_message" {
		t.Errorf("payload: got %+v", p)
	}
	params, _ := p.Data["params"].(map[string]any)
	if params["message"] != "hello" {
		t.Errorf("message: got %v", params["message"])
	}
	if e.Parent == nil || e.Parent.MsgID != "req-1" || e.SessionID != "s1" {
		t.Errorf("parent: got %+v", e.Parent)
	}
}

func TestUI_SendWithoutComm(t *testing.T) {
	m, _ := newTestManager(t)
	if err := NewUI(m).Send(context.Background(), Busy(true)); err != nil {
		t.Errorf("Send without ui comm: %v", err)
	}
}

func TestUI_Ping(t *testing.T) {
	m, ch := newTestManager(t)
	m.Register(UITarget, NewUI(m))
	ctx := context.Background()
	m.Open(ctx, protocol.CommOpen{CommID: "u", TargetName: UITarget})

	if err := m.Message(ctx, protocol.CommMsg{CommID: "u", Data: map[string]any{"method": "ping"}}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	p, _ := events.GetCommMsgPayload(next(t, ch))
	if p.Data["method"] != "pong" {
		t.Errorf("got %v, want pong", p.Data["method"])
	}
	if err := m.Message(ctx, protocol.CommMsg{CommID: "u", Data: map[string]any{"method": "bogus"}}); err == nil {
		t.Error("unknown method should fail")
	}
}

func TestVariables_RefreshAndInspect(t *testing.T) {
	m, ch := newTestManager(t)
	insp := &fakeInspector{}
	insp.set(str("a", "1"), str("b", "two"))
	m.Register(VariablesTarget, NewVariables(insp))
	ctx := context.Background()

	if err := m.Open(ctx, protocol.CommOpen{CommID: "v", TargetName: VariablesTarget}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	p, _ := events.GetCommMsgPayload(next(t, ch))
	if p.Data["method"] != "refresh" {
		t.Fatalf("method: got %v, want refresh", p.Data["method"])
	}
	if list, _ := p.Data["variables"].([]any); len(list) != 2 {
		t.Errorf("variables: got %v", p.Data["variables"])
	}

	if err := m.Message(ctx, protocol.CommMsg{CommID: "v", Data: map[string]any{"method": "inspect", "name": "b"}}); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	p, _ = events.GetCommMsgPayload(next(t, ch))
	if p.Data["found"] != true {
		t.Fatalf("found: got %v", p.Data["found"])
	}
	vr, _ := p.Data["variable"].(map[string]any)
	if vr["value"] != "two" {
		t.Errorf("value: got %v, want two", vr["value"])
	}

	m.Message(ctx, protocol.CommMsg{CommID: "v", Data: map[string]any{"method": "inspect", "name": "zz"}})
	p, _ = events.GetCommMsgPayload(next(t, ch))
	if p.Data["found"] != false {
		t.Errorf("missing variable found: %v", p.Data)
	}
}

func TestVariables_WatchSendsUpdates(t *testing.T) {
	m, ch := newTestManager(t)
	insp := &fakeInspector{}
	insp.set(str("a", "1"), str("b", "2"))
	vars := NewVariables(insp)
	m.Register(VariablesTarget, vars)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vars.Watch(ctx, m)

	m.Open(ctx, protocol.CommOpen{CommID: "v", TargetName: VariablesTarget})
	next(t, ch) // refresh

	insp.set(str("a", "10"), str("c", "3"))
	vars.Changed()

	p, _ := events.GetCommMsgPayload(next(t, ch))
	if p.Data["method"] != "update" {
		t.Fatalf("method: got %v, want update", p.Data["method"])
	}
	assigned, _ := p.Data["assigned"].([]any)
	if len(assigned) != 2 {
		t.Errorf("assigned: got %v, want a and c", assigned)
	}
	removed, _ := p.Data["removed"].([]any)
	if len(removed) != 1 || removed[0] != "b" {
		t.Errorf("removed: got %v, want [b]", removed)
	}

	// No change, no message.
	vars.Changed()
	select {
	case e := <-ch:
		t.Errorf("unexpected event %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
