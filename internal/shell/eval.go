package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

var errInterrupted = errors.New("execution interrupted")

// resultCommand receives the value of an arithmetic statement.
const resultCommand = "__kernel_result"

// evalToken marks the contexts of one evaluation so handlers can tell the
// interpreter goroutine apart from pipeline and background goroutines.
type evalToken struct {
	// yieldable is false when the statement runs goroutines of its own.
	yieldable bool
}

type evalKey struct{}

// Completeness values returned by IsComplete.
const (
	Complete   = "complete"
	Incomplete = "incomplete"
	Invalid    = "invalid"
)

// IsComplete reports whether code parses, needs more lines, or is invalid.
// It does not touch the interpreter.
func IsComplete(code string) string {
	_, err := syntax.NewParser().Parse(strings.NewReader(code+"\n"), "")
	switch {
	case err == nil:
		return Complete
	case syntax.IsIncomplete(err):
		return Incomplete
	default:
		return Invalid
	}
}

// evalChunk adds a line to the pending source and runs it once it parses.
func (s *Shell) evalChunk(ctx context.Context, text string) {
	s.pending.WriteString(text)
	s.pending.WriteByte('\n')
	src := s.pending.String()

	file, err := s.parser.Parse(strings.NewReader(src), "")
	if err != nil {
		if syntax.IsIncomplete(err) {
			return
		}
		s.pending.Reset()
		s.console.WriteConsole(err.Error()+"\n", 1)
		s.hooks.Error(Failure{Name: "SyntaxError", Message: err.Error(), Traceback: []string{err.Error()}})
		return
	}
	s.pending.Reset()
	if len(file.Stmts) == 0 {
		return
	}
	s.run(ctx, file, src)
}

func (s *Shell) run(ctx context.Context, file *syntax.File, src string) {
	s.hooks.Busy(true)
	defer s.hooks.Busy(false)

	evalCtx, cancel := context.WithCancel(ctx)
	var interrupted atomic.Bool
	stopWatch := s.watchInterrupts(func() {
		interrupted.Store(true)
		cancel()
	})

	var err error
	background := false
	for _, st := range file.Stmts {
		tok := &evalToken{yieldable: !runsGoroutines(st)}
		background = background || startsJobs(st)
		s.current.Store(tok)

		err = s.runner.Run(context.WithValue(evalCtx, evalKey{}, tok), s.autoprint(st, src))
		if s.runner.Exited() && !isFatal(err) {
			s.exited = true
			break
		}
		if isFatal(err) {
			break
		}
	}
	s.current.Store(nil)
	stopWatch()

	if err != nil && !s.exited {
		s.hooks.Error(s.failure(err, interrupted.Load()))
	}

	// Background jobs keep running on evalCtx until shutdown.
	if background {
		context.AfterFunc(ctx, cancel)
	} else {
		cancel()
	}
}

// watchInterrupts calls cancel when an interrupt is raised so that blocking
// commands are killed. The flag itself is left to the checkpoints. The
// returned stop function waits for the watcher to exit.
func (s *Shell) watchInterrupts(cancel func()) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-s.intr.Notify():
				if s.intr.Pending() {
					slog.Debug("interrupt raised during evaluation")
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// failure classifies err. cancelled reports whether an interrupt cancelled
// the evaluation.
func (s *Shell) failure(err error, cancelled bool) Failure {
	if cancelled || errors.Is(err, errInterrupted) {
		s.intr.Clear()
		s.console.WriteConsole("^C\n", 1)
		return Failure{Name: "Interrupt", Message: errInterrupted.Error(), Traceback: []string{errInterrupted.Error()}}
	}

	var status interp.ExitStatus
	if errors.As(err, &status) {
		msg := fmt.Sprintf("exit status %d", uint8(status))
		return Failure{Name: "ExitStatus", Message: msg, Traceback: []string{msg}}
	}
	return Failure{Name: "RuntimeError", Message: err.Error(), Traceback: []string{err.Error()}}
}

// isFatal reports whether err stopped the interpreter rather than being a
// plain non-zero exit status.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var status interp.ExitStatus
	return !errors.As(err, &status)
}

// runsGoroutines reports whether st spawns concurrent work inside the
// interpreter: pipelines, background jobs, coprocesses and process
// substitutions.
func runsGoroutines(st *syntax.Stmt) bool {
	found := false
	syntax.Walk(st, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Stmt:
			if n.Background || n.Coprocess {
				found = true
			}
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
				found = true
			}
		case *syntax.ProcSubst:
			found = true
		}
		return !found
	})
	return found
}

// startsJobs reports whether st leaves work running after it returns.
func startsJobs(st *syntax.Stmt) bool {
	found := false
	syntax.Walk(st, func(node syntax.Node) bool {
		if n, ok := node.(*syntax.Stmt); ok && (n.Background || n.Coprocess) {
			found = true
		}
		return !found
	})
	return found
}

// autoprint rewrites a statement that starts with a number, such as "1 + 1",
// into an arithmetic evaluation whose value becomes the request result.
func (s *Shell) autoprint(st *syntax.Stmt, src string) *syntax.Stmt {
	call, ok := st.Cmd.(*syntax.CallExpr)
	if !ok || st.Background || st.Negated || len(st.Redirs) > 0 || len(call.Assigns) > 0 || len(call.Args) == 0 {
		return st
	}
	first := call.Args[0].Lit()
	if first == "" || !unicode.IsDigit(rune(first[0])) {
		return st
	}

	start, end := call.Pos().Offset(), call.End().Offset()
	if end > uint(len(src)) || start >= end {
		return st
	}
	expr := src[start:end]
	rewritten, err := syntax.NewParser().Parse(strings.NewReader(fmt.Sprintf("%s $(( %s ))\n", resultCommand, expr)), "")
	if err != nil || len(rewritten.Stmts) != 1 {
		return st
	}
	return rewritten.Stmts[0]
}
