// Package kernel drives the embedded shell interpreter on behalf of protocol
// clients.
//
// A Kernel owns one interpreter goroutine running the shell's read-eval-print
// loop. Execute requests are injected into that loop as console input, and
// the prompt the interpreter shows next decides how the request ends:
// finished, incomplete, or waiting for user input. Everything else that
// touches the interpreter (completion, inspection, the variables comm) goes
// through the arbiter.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/dohr-michael/shellkernel/internal/arbiter"
	"github.com/dohr-michael/shellkernel/internal/comm"
	"github.com/dohr-michael/shellkernel/internal/console"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/history"
	"github.com/dohr-michael/shellkernel/internal/interrupts"
	"github.com/dohr-michael/shellkernel/internal/protocol"
	"github.com/dohr-michael/shellkernel/internal/shell"
)

// Version is the kernel implementation version.
const Version = "0.1.0"

var (
	ErrBusy       = errors.New("kernel busy")
	ErrNotStarted = errors.New("kernel not started")
	ErrExited     = errors.New("interpreter exited")
	// ErrNoInput is returned by a Stdin that has no more input to give.
	ErrNoInput = errors.New("no more input")
)

// Stdin asks the client that originated a request for a line of input.
type Stdin interface {
	RequestInput(ctx context.Context, parent *protocol.Header, req protocol.InputRequest) (string, error)
}

// Config holds the dependencies and settings of a kernel.
type Config struct {
	Bus        *events.Bus
	Interrupts *interrupts.Bridge
	History    *history.Store // nil-safe: history requests return nothing
	Shell      shell.Config
	Console    console.Config
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// execution collects what the interpreter reports for the current request.
type execution struct {
	parent    *protocol.Header
	result    string
	hasResult bool
	failure   *shell.Failure
}

// Kernel is one embedded interpreter served to protocol clients.
type Kernel struct {
	bus     *events.Bus
	intr    *interrupts.Bridge
	hist    *history.Store
	console *console.Bridge
	shell   *shell.Shell
	arb     *arbiter.Arbiter[*shell.Shell]

	comms *comm.Manager
	ui    *comm.UI
	vars  *comm.Variables

	// One slot: a single outstanding execute request.
	exec chan struct{}

	// Mutated only while holding the arbiter.
	count atomic.Int64

	mu      sync.Mutex
	state   State
	current *execution

	lastPump atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	launched atomic.Bool
	done     chan struct{}
	loopErr  error
}

// New creates a kernel. The interpreter is created immediately; failing to
// create it is fatal.
func New(cfg Config) (*Kernel, error) {
	if cfg.Bus == nil {
		return nil, errors.New("kernel: event bus is required")
	}
	if cfg.Interrupts == nil {
		cfg.Interrupts = interrupts.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kernel{
		bus:    cfg.Bus,
		intr:   cfg.Interrupts,
		hist:   cfg.History,
		exec:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if cfg.Shell.Prompt == "" {
		cfg.Shell.Prompt = console.DefaultPrompt
	}
	if cfg.Shell.ContinuePrompt == "" {
		cfg.Shell.ContinuePrompt = console.DefaultContinuePrompt
	}
	cfg.Console.DefaultPrompt = cfg.Shell.Prompt
	cfg.Console.ContinuePrompt = cfg.Shell.ContinuePrompt
	k.console = console.New(cfg.Console, k.writeStream, k.intr)
	k.console.AddPump("liveness", func(context.Context) { k.lastPump.Store(time.Now().UnixNano()) })

	sh, err := shell.New(cfg.Shell, k.console, k.intr, shell.Hooks{
		Busy:        k.onBusy,
		Result:      k.onResult,
		Error:       k.onError,
		ShowMessage: k.onShowMessage,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("init interpreter: %w", err)
	}
	k.shell = sh

	var opts []arbiter.Option
	if cfg.MeterProvider != nil {
		opts = append(opts, arbiter.WithMeterProvider(cfg.MeterProvider))
	}
	k.arb = arbiter.New(sh, opts...)

	k.comms = comm.NewManager(k.bus)
	k.ui = comm.NewUI(k.comms)
	k.vars = comm.NewVariables(inspector{k})
	k.comms.Register(comm.UITarget, k.ui)
	k.comms.Register(comm.VariablesTarget, k.vars)

	return k, nil
}

// Start installs the interrupt handler, starts the interpreter goroutine and
// waits for its first prompt. The kernel publishes "starting" and then
// "idle" once it is ready.
func (k *Kernel) Start(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return errors.New("kernel already started")
	}
	if err := k.intr.Install(); err != nil {
		return fmt.Errorf("install interrupt handler: %w", err)
	}
	if k.hist != nil {
		session, err := k.hist.NewSession(ctx)
		if err != nil {
			return fmt.Errorf("start history session: %w", err)
		}
		slog.Debug("history session started", "session", session)
	}

	k.publish(k.ctx, events.StatusPayload{ExecutionState: protocol.StateStarting})

	k.launched.Store(true)
	go k.interpret()

	select {
	case info := <-k.console.Prompts():
		slog.Info("interpreter ready", "prompt", info.Prompt)
	case <-k.done:
		return fmt.Errorf("interpreter stopped during startup: %w", k.loopErr)
	case <-ctx.Done():
		return ctx.Err()
	}

	go k.vars.Watch(k.ctx, k.comms)

	k.publish(k.ctx, events.StatusPayload{ExecutionState: protocol.StateIdle})
	return nil
}

// interpret runs the interpreter loop on a locked OS thread.
func (k *Kernel) interpret() {
	defer close(k.done)
	defer k.console.Close()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	g, err := k.arb.Lock(k.ctx, "interpreter")
	if err != nil {
		k.loopErr = err
		return
	}
	defer g.Unlock()

	k.loopErr = k.shell.Loop(k.ctx, g)
	if k.loopErr != nil {
		slog.Error("interpreter loop failed", "error", k.loopErr)
	} else {
		slog.Info("interpreter loop ended")
	}
}

// Done is closed when the interpreter loop has ended.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Close stops the interpreter and releases its resources.
func (k *Kernel) Close() error {
	k.console.Close()
	if k.launched.Load() {
		select {
		case <-k.done:
		case <-time.After(5 * time.Second):
			slog.Warn("interpreter did not stop, cancelling")
			k.cancel()
			<-k.done
		}
	}
	k.cancel()
	return k.shell.Close()
}

// State returns the phase of the execution state machine.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kernel) setState(s State) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = s
}

// ExecutionCount returns the number of executions stored in history since
// start.
func (k *Kernel) ExecutionCount() int {
	return int(k.count.Load())
}

// ArbiterState returns a snapshot of the interpreter arbiter.
func (k *Kernel) ArbiterState() arbiter.State {
	return k.arb.State()
}

// LastPump returns the time of the interpreter's last pump pass.
func (k *Kernel) LastPump() time.Time {
	ns := k.lastPump.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Comms returns the comm manager.
func (k *Kernel) Comms() *comm.Manager {
	return k.comms
}

// SendFrontendEvent delivers ev to the frontend UI comms. It blocks until
// the event bus accepted it.
func (k *Kernel) SendFrontendEvent(ctx context.Context, ev comm.FrontendEvent) error {
	if events.ParentFromContext(ctx) == nil {
		ctx = events.ContextWithParent(ctx, k.parent())
	}
	return k.ui.Send(ctx, ev)
}

// =============================================================================
// INTERPRETER HOOKS (interpreter goroutine, arbiter held)
// =============================================================================

func (k *Kernel) onBusy(busy bool) {
	if err := k.intr.Install(); err != nil {
		slog.Debug("interrupt handler not reinstalled", "error", err)
	}
	if err := k.SendFrontendEvent(k.ctx, comm.Busy(busy)); err != nil {
		slog.Debug("busy event not sent", "error", err)
	}
}

func (k *Kernel) onResult(text string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		slog.Debug("result outside of a request", "result", text)
		return
	}
	k.current.result = text
	k.current.hasResult = true
}

func (k *Kernel) onError(f shell.Failure) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		slog.Debug("error outside of a request", "name", f.Name, "message", f.Message)
		return
	}
	k.current.failure = &f
}

func (k *Kernel) onShowMessage(message string) error {
	return k.SendFrontendEvent(k.ctx, comm.ShowMessage(message))
}

// writeStream is the console sink: interpreter output becomes stream events
// of the request being served.
func (k *Kernel) writeStream(ctx context.Context, out console.Output) error {
	e := events.NewReplyEvent(events.SourceInterpreter,
		events.StreamPayload{Name: string(out.Stream), Text: out.Text}, k.parent())
	return k.bus.PublishAsync(ctx, e)
}

func (k *Kernel) parent() *protocol.Header {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return nil
	}
	return k.current.parent
}

// publish broadcasts a kernel event parented to the request in ctx. The
// request being abandoned does not stop its events.
func (k *Kernel) publish(ctx context.Context, payload events.EventPayload) {
	e := events.NewReplyEvent(events.SourceKernel, payload, events.ParentFromContext(ctx))
	if err := k.bus.PublishAsync(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("event not published", "type", e.Type, "error", err)
	}
}

// inspector serves the variables comm under the arbiter.
type inspector struct{ k *Kernel }

func (i inspector) Variables(ctx context.Context) ([]shell.Variable, error) {
	g, err := i.k.arb.Lock(ctx, "variables")
	if err != nil {
		return nil, err
	}
	defer g.Unlock()
	return g.Value().Variables(false), nil
}

func (i inspector) Lookup(ctx context.Context, name string) (shell.Variable, bool, error) {
	g, err := i.k.arb.Lock(ctx, "variables")
	if err != nil {
		return shell.Variable{}, false, err
	}
	defer g.Unlock()
	v, ok := g.Value().Lookup(name)
	return v, ok, nil
}
