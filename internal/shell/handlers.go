package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// showMessageCommand lets user code notify the frontend.
const showMessageCommand = "show_message"

// call runs before every simple command. On the interpreter goroutine it is
// the evaluation checkpoint: it lets one waiter use the interpreter and
// observes pending interrupts.
func (s *Shell) call(ctx context.Context, args []string) ([]string, error) {
	tok, _ := ctx.Value(evalKey{}).(*evalToken)
	current := tok != nil && tok == s.current.Load()

	if current {
		if tok.yieldable && s.guard != nil {
			s.guard.Yield()
		}
		if s.intr.Clear() {
			return nil, errInterrupted
		}
	}

	if args[0] == "read" && interp.HandlerCtx(ctx).Stdin == io.Reader(s.stdinR) {
		if !current {
			slog.Debug("background read from the console refused")
			return []string{"false"}, nil
		}
		return s.read(ctx, args)
	}
	return args, nil
}

// read serves the read builtin from the console. The line is written to the
// interpreter's stdin pipe so the builtin itself does the field splitting.
func (s *Shell) read(ctx context.Context, args []string) ([]string, error) {
	prompt, password, rest := parseReadArgs(args[1:])
	for _, name := range readNames(rest) {
		if !syntax.ValidName(name) {
			// Let the builtin report the error without consuming input.
			return args, nil
		}
	}

	in, err := s.console.ReadConsole(ctx, s.guard, prompt, password, s.cfg.BufferSize)
	switch {
	case err == nil:
		if in.Interrupted {
			return nil, errInterrupted
		}
	case errors.Is(err, io.EOF):
		return []string{"false"}, nil
	case errors.Is(err, context.Canceled):
		return nil, errInterrupted
	default:
		s.console.WriteConsole(fmt.Sprintf("read: %v\n", err), 1)
		return []string{"false"}, nil
	}

	line, _, _ := strings.Cut(in.Text, "\n")
	if _, err := s.stdinW.WriteString(line + "\n"); err != nil {
		return nil, fmt.Errorf("feed stdin: %w", err)
	}
	return append([]string{"read"}, rest...), nil
}

// parseReadArgs strips the prompt and silent options the console handles,
// keeping every other argument for the builtin.
func parseReadArgs(args []string) (prompt string, password bool, rest []string) {
	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || len(arg) < 2 || arg[0] != '-' {
			break
		}
		var keep strings.Builder
		for j := 1; j < len(arg); j++ {
			switch arg[j] {
			case 's':
				password = true
			case 'p':
				if j+1 < len(arg) {
					prompt = arg[j+1:]
				} else if i+1 < len(args) {
					i++
					prompt = args[i]
				}
				j = len(arg)
			default:
				keep.WriteByte(arg[j])
			}
		}
		if keep.Len() > 0 {
			rest = append(rest, "-"+keep.String())
		}
	}
	return prompt, password, append(rest, args[i:]...)
}

func readNames(args []string) []string {
	for i, arg := range args {
		if arg == "--" {
			return args[i+1:]
		}
		if !strings.HasPrefix(arg, "-") {
			return args[i:]
		}
	}
	return nil
}

// kernelCommands implements the commands the kernel adds to the shell.
func (s *Shell) kernelCommands(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		switch args[0] {
		case resultCommand:
			if len(args) > 1 {
				s.hooks.Result(args[1])
			}
			return nil
		case showMessageCommand:
			if err := s.hooks.ShowMessage(strings.Join(args[1:], " ")); err != nil {
				fmt.Fprintf(interp.HandlerCtx(ctx).Stderr, "show_message: %v\n", err)
				return interp.ExitStatus(1)
			}
			return nil
		}
		return next(ctx, args)
	}
}

// detachedStdin runs external programs with no standard input when the
// interpreter's stdin is the console, so they cannot steal lines meant for
// the read builtin.
func (s *Shell) detachedStdin(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)
		if hc.Stdin != io.Reader(s.stdinR) {
			return next(ctx, args)
		}

		path, err := interp.LookPathDir(hc.Dir, hc.Env, args[0])
		if err != nil {
			fmt.Fprintln(hc.Stderr, err)
			return interp.ExitStatus(127)
		}

		cmd := exec.CommandContext(ctx, path, args[1:]...)
		cmd.Args = args
		cmd.Env = environ(hc.Env)
		cmd.Dir = hc.Dir
		cmd.Stdout = hc.Stdout
		cmd.Stderr = hc.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = s.cfg.KillTimeout

		err = cmd.Run()
		if ctx.Err() != nil && err != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &exitErr):
			if code := exitErr.ExitCode(); code >= 0 {
				return interp.ExitStatus(code)
			}
			return interp.ExitStatus(1)
		default:
			fmt.Fprintln(hc.Stderr, err)
			return interp.ExitStatus(126)
		}
	}
}

// environ lists the exported string variables of env.
func environ(env expand.Environ) []string {
	var list []string
	env.Each(func(name string, vr expand.Variable) bool {
		if vr.IsSet() && vr.Exported && vr.Kind == expand.String {
			list = append(list, name+"="+vr.Str)
		}
		return true
	})
	return list
}
