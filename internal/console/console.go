// Package console provides the bridge between the interpreter's blocking
// read-console and write-console hooks and the kernel's channels.
//
// The interpreter goroutine calls ReadConsole whenever it wants a line of
// input. The bridge publishes the classified prompt, gives the arbiter away
// while it waits, pumps pending work on a fixed interval and hands the next
// line back once it arrives. WriteConsole forwards output to a sink without
// ever stalling the interpreter for long.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrInputOverflow is returned when an input line does not fit the
	// interpreter's buffer. Nothing is copied in that case.
	ErrInputOverflow = errors.New("console input exceeds buffer capacity")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("console closed")
)

// Default settings.
const (
	DefaultPrompt            = "$ "
	DefaultContinuePrompt    = "> "
	DefaultInputPollInterval = 200 * time.Millisecond
	DefaultPumpInterval      = 200 * time.Millisecond
	DefaultWriteTimeout      = 50 * time.Millisecond
)

// Stream identifies an output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// StreamOf maps the interpreter's output discriminant to a stream: 0 is
// standard output, anything else is standard error.
func StreamOf(otype int) Stream {
	if otype == 0 {
		return Stdout
	}
	return Stderr
}

// PromptInfo describes why the interpreter stopped to read input.
type PromptInfo struct {
	Prompt string `json:"prompt"`
	// Incomplete is set when the prompt is the continuation prompt.
	Incomplete bool `json:"incomplete"`
	// UserRequest is set when user code is reading input.
	UserRequest bool `json:"user_request"`
	Password    bool `json:"password,omitempty"`
}

// Input is one line delivered to the interpreter.
type Input struct {
	Text string
	// EOF asks the interpreter to treat the read as end of input.
	EOF bool
	// Interrupted is set by ReadConsole when a pending interrupt was cleared
	// on delivery.
	Interrupted bool
}

// Output is a chunk written by the interpreter.
type Output struct {
	Stream Stream
	Text   string
}

// Sink receives interpreter output. It must honour ctx.
type Sink func(ctx context.Context, out Output) error

// Locker is the part of the arbiter guard the bridge needs.
type Locker interface {
	Suspend()
	Resume(ctx context.Context) error
	Context(parent context.Context) context.Context
}

// Interrupts is the pending interrupt flag.
type Interrupts interface {
	Clear() bool
}

// Config holds the prompt strings and intervals of the bridge.
type Config struct {
	DefaultPrompt     string
	ContinuePrompt    string
	InputPollInterval time.Duration
	PumpInterval      time.Duration
	WriteTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultPrompt == "" {
		c.DefaultPrompt = DefaultPrompt
	}
	if c.ContinuePrompt == "" {
		c.ContinuePrompt = DefaultContinuePrompt
	}
	if c.InputPollInterval <= 0 {
		c.InputPollInterval = DefaultInputPollInterval
	}
	if c.PumpInterval <= 0 {
		c.PumpInterval = DefaultPumpInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// PumpHandler runs during a pump pass, on the interpreter goroutine, while
// the arbiter is held. ctx lets the handler re-enter the arbiter.
type PumpHandler func(ctx context.Context)

type pump struct {
	name string
	fn   PumpHandler
}

// Bridge is the console I/O bridge of one interpreter.
type Bridge struct {
	cfg        Config
	sink       Sink
	interrupts Interrupts

	prompts chan PromptInfo
	input   chan Input

	mu       sync.Mutex
	pumps    []pump
	posted   []func()
	lastPump time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a bridge writing output to sink.
func New(cfg Config, sink Sink, intr Interrupts) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		cfg:        cfg,
		sink:       sink,
		interrupts: intr,
		prompts:    make(chan PromptInfo, 1),
		input:      make(chan Input),
		done:       make(chan struct{}),
	}
}

// Config returns the effective configuration.
func (b *Bridge) Config() Config {
	return b.cfg
}

// Classify turns a prompt into a PromptInfo by exact comparison with the
// configured prompts.
func (b *Bridge) Classify(prompt string, password bool) PromptInfo {
	incomplete := prompt == b.cfg.ContinuePrompt
	return PromptInfo{
		Prompt:      prompt,
		Incomplete:  incomplete,
		UserRequest: !incomplete && prompt != b.cfg.DefaultPrompt,
		Password:    password,
	}
}

// Prompts returns the channel PromptInfo values are published on.
func (b *Bridge) Prompts() <-chan PromptInfo {
	return b.prompts
}

// Send delivers one line to the interpreter. It blocks until the interpreter
// takes it, ctx is done or the bridge is closed.
func (b *Bridge) Send(ctx context.Context, in Input) error {
	select {
	case b.input <- in:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects the input side. A pending or future ReadConsole returns
// io.EOF.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// AddPump registers a handler run on every pump pass, in registration order.
func (b *Bridge) AddPump(name string, fn PumpHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pumps = append(b.pumps, pump{name: name, fn: fn})
}

// Post queues fn to run on the interpreter goroutine during the next pump
// pass.
func (b *Bridge) Post(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posted = append(b.posted, fn)
}

// ReadConsole is the read-console hook. It is called on the interpreter
// goroutine with the arbiter held through lk, and returns with it held again.
// capacity is the size of the interpreter's line buffer, newline included.
func (b *Bridge) ReadConsole(ctx context.Context, lk Locker, prompt string, password bool, capacity int) (Input, error) {
	b.publish(b.Classify(prompt, password))

	lk.Suspend()
	ticker := time.NewTicker(b.cfg.InputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-b.input:
			b.resume(lk)
			in.Interrupted = b.interrupts.Clear()
			b.Pump(lk.Context(ctx))
			if in.EOF {
				return in, io.EOF
			}
			if len(in.Text)+1 > capacity {
				slog.Error("console input rejected", "bytes", len(in.Text)+1, "capacity", capacity)
				return Input{Interrupted: in.Interrupted}, fmt.Errorf("%w: %d bytes, capacity %d", ErrInputOverflow, len(in.Text)+1, capacity)
			}
			return in, nil

		case <-ticker.C:
			if time.Since(b.lastPumpTime()) < b.cfg.PumpInterval {
				continue
			}
			b.resume(lk)
			b.Pump(lk.Context(ctx))
			lk.Suspend()

		case <-b.done:
			b.resume(lk)
			return Input{}, io.EOF

		case <-ctx.Done():
			b.resume(lk)
			return Input{}, ctx.Err()
		}
	}
}

// Pump runs one pump pass: posted tasks first, then the registered handlers.
// The caller must hold the arbiter.
func (b *Bridge) Pump(ctx context.Context) {
	b.mu.Lock()
	posted := b.posted
	b.posted = nil
	pumps := append([]pump(nil), b.pumps...)
	b.lastPump = time.Now()
	b.mu.Unlock()

	for _, fn := range posted {
		runPump("posted", func(context.Context) { fn() }, ctx)
	}
	for _, p := range pumps {
		runPump(p.name, p.fn, ctx)
	}
}

func runPump(name string, fn PumpHandler, ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pump handler panicked", "handler", name, "panic", r)
		}
	}()
	fn(ctx)
}

// WriteConsole is the write-console hook. otype 0 is standard output,
// anything else standard error. The chunk is dropped if the sink does not
// accept it within the write timeout.
func (b *Bridge) WriteConsole(text string, otype int) {
	if text == "" {
		return
	}
	out := Output{Stream: StreamOf(otype), Text: text}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()
	if err := b.sink(ctx, out); err != nil {
		slog.Warn("console output dropped", "stream", out.Stream, "bytes", len(text), "error", err)
	}
}

// publish hands info to the prompt channel, replacing a prompt nobody
// consumed.
func (b *Bridge) publish(info PromptInfo) {
	for {
		select {
		case b.prompts <- info:
			return
		default:
		}
		select {
		case stale := <-b.prompts:
			slog.Debug("dropping unconsumed prompt", "prompt", stale.Prompt)
		default:
		}
	}
}

func (b *Bridge) resume(lk Locker) {
	// The interpreter cannot continue without the arbiter, so this wait is
	// not cancellable.
	if err := lk.Resume(context.Background()); err != nil {
		panic(fmt.Sprintf("console: resume arbiter: %v", err))
	}
}

func (b *Bridge) lastPumpTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPump
}
