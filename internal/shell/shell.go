// Package shell embeds a POSIX/Bash interpreter (mvdan.cc/sh) behind the
// kernel's console hooks.
//
// The interpreter is single-threaded: Loop runs its read-eval-print cycle on
// the calling goroutine, asking the console for every line it needs and
// writing every byte of output through it. Everything else reaches the
// interpreter only while holding the arbiter.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dohr-michael/shellkernel/internal/console"
)

// Defaults.
const (
	DefaultBufferSize  = 65536
	DefaultKillTimeout = 2 * time.Second
)

// Guard is the interpreter goroutine's hold on the arbiter.
type Guard interface {
	console.Locker
	Yield() time.Duration
}

// Console is the I/O bridge the interpreter talks to.
type Console interface {
	ReadConsole(ctx context.Context, lk console.Locker, prompt string, password bool, capacity int) (console.Input, error)
	WriteConsole(text string, otype int)
}

// Interrupts is the pending interrupt flag polled at checkpoints.
type Interrupts interface {
	Pending() bool
	Clear() bool
	Notify() <-chan struct{}
}

// Failure describes an evaluation that did not succeed.
type Failure struct {
	Name      string
	Message   string
	Traceback []string
}

// Hooks are called on the interpreter goroutine while it holds the arbiter.
type Hooks struct {
	// Busy brackets every evaluation.
	Busy func(busy bool)
	// Result receives the printed value of an arithmetic statement.
	Result func(text string)
	// Error receives evaluation failures.
	Error func(f Failure)
	// ShowMessage is invoked by the show_message command.
	ShowMessage func(message string) error
}

func (h *Hooks) applyDefaults() {
	if h.Busy == nil {
		h.Busy = func(bool) {}
	}
	if h.Result == nil {
		h.Result = func(string) {}
	}
	if h.Error == nil {
		h.Error = func(Failure) {}
	}
	if h.ShowMessage == nil {
		h.ShowMessage = func(string) error { return nil }
	}
}

// Config configures the interpreter.
type Config struct {
	Prompt         string
	ContinuePrompt string
	// BufferSize is the console line capacity, newline included.
	BufferSize  int
	Dir         string
	Env         []string
	KillTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Prompt == "" {
		c.Prompt = console.DefaultPrompt
	}
	if c.ContinuePrompt == "" {
		c.ContinuePrompt = console.DefaultContinuePrompt
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.Env == nil {
		c.Env = os.Environ()
	}
}

// Shell is the embedded interpreter. Loop must run on a single goroutine;
// the inspection methods must only be called while holding the arbiter.
type Shell struct {
	cfg     Config
	console Console
	intr    Interrupts
	hooks   Hooks

	runner *interp.Runner
	parser *syntax.Parser

	stdinR *os.File
	stdinW *os.File

	initialEnv map[string]string

	// Set for the duration of Loop.
	guard Guard
	// Identifies the evaluation currently run by Loop.
	current atomic.Pointer[evalToken]

	pending strings.Builder
	exited  bool
}

// New creates an interpreter wired to the console. Failure to create the
// interpreter is fatal for the kernel.
func New(cfg Config, con Console, intr Interrupts, hooks Hooks) (*Shell, error) {
	cfg.applyDefaults()
	hooks.applyDefaults()

	s := &Shell{
		cfg:        cfg,
		console:    con,
		intr:       intr,
		hooks:      hooks,
		parser:     syntax.NewParser(),
		initialEnv: make(map[string]string, len(cfg.Env)),
	}
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.initialEnv[k] = v
		}
	}

	var err error
	s.stdinR, s.stdinW, err = os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	opts := []interp.RunnerOption{
		interp.StdIO(s.stdinR, consoleWriter{con, 0}, consoleWriter{con, 1}),
		interp.Env(expand.ListEnviron(cfg.Env...)),
		interp.Interactive(true),
		interp.CallHandler(s.call),
		interp.ExecHandlers(s.kernelCommands, s.detachedStdin),
	}
	if cfg.Dir != "" {
		opts = append(opts, interp.Dir(cfg.Dir))
	}
	s.runner, err = interp.New(opts...)
	if err != nil {
		s.stdinR.Close()
		s.stdinW.Close()
		return nil, fmt.Errorf("create interpreter: %w", err)
	}
	s.runner.Reset()
	return s, nil
}

// Close releases the interpreter's stdin pipe.
func (s *Shell) Close() error {
	return errors.Join(s.stdinW.Close(), s.stdinR.Close())
}

// Prompt returns the default prompt.
func (s *Shell) Prompt() string { return s.cfg.Prompt }

// ContinuePrompt returns the continuation prompt.
func (s *Shell) ContinuePrompt() string { return s.cfg.ContinuePrompt }

// Exited reports whether user code ran the exit builtin.
func (s *Shell) Exited() bool { return s.exited }

// Loop runs the read-eval-print cycle until the console reaches end of input,
// user code exits or ctx is done. g must be held by the calling goroutine and
// is held again when Loop returns.
func (s *Shell) Loop(ctx context.Context, g Guard) error {
	s.guard = g
	defer func() { s.guard = nil }()

	for {
		prompt := s.cfg.Prompt
		if s.pending.Len() > 0 {
			prompt = s.cfg.ContinuePrompt
		}

		in, err := s.console.ReadConsole(ctx, g, prompt, false, s.cfg.BufferSize)
		switch {
		case errors.Is(err, io.EOF):
			slog.Info("interpreter reached end of input")
			return nil
		case errors.Is(err, console.ErrInputOverflow):
			s.pending.Reset()
			s.console.WriteConsole(fmt.Sprintf("error: %v\n", err), 1)
			s.hooks.Error(Failure{Name: "InputOverflow", Message: err.Error()})
			continue
		case err != nil:
			return err
		}

		if in.Interrupted && s.pending.Len() > 0 {
			slog.Debug("interrupt discarded incomplete input")
			s.pending.Reset()
		}

		s.evalChunk(ctx, in.Text)
		if s.exited {
			slog.Info("interpreter exited")
			return nil
		}
	}
}

type consoleWriter struct {
	con   Console
	otype int
}

func (w consoleWriter) Write(p []byte) (int, error) {
	w.con.WriteConsole(string(p), w.otype)
	return len(p), nil
}
