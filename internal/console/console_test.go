package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dohr-michael/shellkernel/internal/arbiter"
	"github.com/dohr-michael/shellkernel/internal/interrupts"
)

type recordingSink struct {
	mu  sync.Mutex
	out []Output
}

func (s *recordingSink) sink(_ context.Context, out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, out)
	return nil
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *interrupts.Bridge, *recordingSink) {
	t.Helper()
	intr := interrupts.New()
	rec := &recordingSink{}
	b := New(cfg, rec.sink, intr)
	t.Cleanup(b.Close)
	return b, intr, rec
}

func lockTest(t *testing.T, a *arbiter.Arbiter[string]) *arbiter.Guard[string] {
	t.Helper()
	g, err := a.Lock(context.Background(), "interpreter")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	return g
}

func TestClassify(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})

	tests := []struct {
		prompt      string
		password    bool
		incomplete  bool
		userRequest bool
	}{
		{prompt: "$ "},
		{prompt: "> ", incomplete: true},
		{prompt: "Name? ", userRequest: true},
		{prompt: "", userRequest: true},
		{prompt: "$", userRequest: true},
		{prompt: "secret: ", password: true, userRequest: true},
	}

	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			info := b.Classify(tt.prompt, tt.password)
			if info.Prompt != tt.prompt {
				t.Errorf("prompt: got %q", info.Prompt)
			}
			if info.Incomplete != tt.incomplete {
				t.Errorf("incomplete: got %v, want %v", info.Incomplete, tt.incomplete)
			}
			if info.UserRequest != tt.userRequest {
				t.Errorf("user request: got %v, want %v", info.UserRequest, tt.userRequest)
			}
			if info.Password != tt.password {
				t.Errorf("password: got %v, want %v", info.Password, tt.password)
			}
		})
	}
}

func TestReadConsoleReleasesArbiter(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	a := arbiter.New("interp")
	g := lockTest(t, a)
	defer g.Unlock()

	type result struct {
		in  Input
		err error
	}
	done := make(chan result, 1)
	go func() {
		in, err := b.ReadConsole(context.Background(), g, "$ ", false, 64)
		done <- result{in, err}
	}()

	info := <-b.Prompts()
	if info.Prompt != "$ " || info.Incomplete || info.UserRequest {
		t.Fatalf("unexpected prompt info: %+v", info)
	}

	// While the interpreter waits for input, others may take the arbiter.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := a.Lock(ctx, "observer")
	if err != nil {
		t.Fatalf("observer Lock: %v", err)
	}
	if other.Value() != "interp" {
		t.Errorf("value: got %q", other.Value())
	}
	other.Unlock()

	if err := b.Send(context.Background(), Input{Text: "echo hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("ReadConsole: %v", r.err)
	}
	if r.in.Text != "echo hi" {
		t.Errorf("text: got %q", r.in.Text)
	}
	if s := a.State(); s.Holder != "interpreter" {
		t.Errorf("holder after read: %+v", s)
	}
}

func TestReadConsolePumpsWhileWaiting(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{InputPollInterval: 5 * time.Millisecond, PumpInterval: 5 * time.Millisecond})
	a := arbiter.New("interp")
	g := lockTest(t, a)
	defer g.Unlock()

	var passes atomic.Int32
	b.AddPump("count", func(ctx context.Context) {
		// The handler runs with the arbiter held and may re-enter it.
		inner, err := a.Lock(ctx, "pump")
		if err != nil {
			t.Errorf("reentrant Lock in pump: %v", err)
			return
		}
		inner.Unlock()
		passes.Add(1)
	})
	b.AddPump("boom", func(context.Context) { panic("boom") })

	ran := make(chan struct{})
	b.Post(func() { close(ran) })

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadConsole(context.Background(), g, "$ ", false, 64)
		done <- err
	}()
	<-b.Prompts()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
	deadline := time.Now().Add(time.Second)
	for passes.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pump passes: got %d, want >= 3", passes.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Send(context.Background(), Input{Text: "true"})
	if err := <-done; err != nil {
		t.Fatalf("ReadConsole: %v", err)
	}
}

func TestReadConsoleOverflow(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	a := arbiter.New("interp")
	g := lockTest(t, a)
	defer g.Unlock()

	done := make(chan error, 1)
	go func() {
		in, err := b.ReadConsole(context.Background(), g, "$ ", false, 8)
		if in.Text != "" {
			t.Errorf("overflowing input was copied: %q", in.Text)
		}
		done <- err
	}()
	<-b.Prompts()

	// Seven bytes plus the newline fit exactly; eight do not.
	b.Send(context.Background(), Input{Text: strings.Repeat("x", 8)})
	if err := <-done; !errors.Is(err, ErrInputOverflow) {
		t.Fatalf("expected ErrInputOverflow, got %v", err)
	}

	go func() {
		_, err := b.ReadConsole(context.Background(), g, "$ ", false, 8)
		done <- err
	}()
	<-b.Prompts()
	b.Send(context.Background(), Input{Text: strings.Repeat("x", 7)})
	if err := <-done; err != nil {
		t.Fatalf("expected exact fit to succeed, got %v", err)
	}
}

func TestReadConsoleClearsInterrupt(t *testing.T) {
	b, intr, _ := newTestBridge(t, Config{})
	a := arbiter.New("interp")
	g := lockTest(t, a)
	defer g.Unlock()

	done := make(chan Input, 1)
	go func() {
		in, _ := b.ReadConsole(context.Background(), g, "$ ", false, 64)
		done <- in
	}()
	<-b.Prompts()

	intr.Raise()
	b.Send(context.Background(), Input{Text: "ls"})

	in := <-done
	if !in.Interrupted {
		t.Error("expected the interrupt to be reported")
	}
	if intr.Pending() {
		t.Error("expected the interrupt to be cleared")
	}
}

func TestReadConsoleEOF(t *testing.T) {
	b, _, _ := newTestBridge(t, Config{})
	a := arbiter.New("interp")
	g := lockTest(t, a)
	defer g.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := b.ReadConsole(context.Background(), g, "Name? ", false, 64)
		done <- err
	}()
	if info := <-b.Prompts(); !info.UserRequest {
		t.Fatalf("expected a user request, got %+v", info)
	}
	b.Send(context.Background(), Input{EOF: true})
	if err := <-done; !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	go func() {
		_, err := b.ReadConsole(context.Background(), g, "$ ", false, 64)
		done <- err
	}()
	<-b.Prompts()
	b.Close()
	if err := <-done; !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on close, got %v", err)
	}
	if a.State().Holder != "interpreter" {
		t.Error("arbiter not restored after disconnection")
	}
	if err := b.Send(context.Background(), Input{Text: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWriteConsole(t *testing.T) {
	b, _, rec := newTestBridge(t, Config{})

	b.WriteConsole("out\n", 0)
	b.WriteConsole("err\n", 1)
	b.WriteConsole("", 0)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.out) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(rec.out))
	}
	if rec.out[0].Stream != Stdout || rec.out[1].Stream != Stderr {
		t.Errorf("streams: got %s, %s", rec.out[0].Stream, rec.out[1].Stream)
	}
}

func TestWriteConsoleBoundedStall(t *testing.T) {
	blocked := func(ctx context.Context, _ Output) error {
		<-ctx.Done()
		return ctx.Err()
	}
	b := New(Config{WriteTimeout: 10 * time.Millisecond}, blocked, interrupts.New())

	start := time.Now()
	b.WriteConsole("lost\n", 0)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("write stalled for %v", elapsed)
	}
}
