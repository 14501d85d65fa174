package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// NewConsoleCommand returns the console subcommand.
func NewConsoleCommand() *cli.Command {
	return &cli.Command{
		Name:  "console",
		Usage: "Run the kernel in-process with the terminal as its frontend",
		Description: "Each line is sent to the kernel as one execute request. " +
			"Ctrl-C interrupts the running code, Ctrl-D or exit leaves.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Working directory of the shell",
			},
		},
		Action: runConsole,
	}
}

// termStdin answers the kernel's input requests on the terminal.
type termStdin struct {
	t *terminal
}

func (s termStdin) RequestInput(_ context.Context, _ *protocol.Header, req protocol.InputRequest) (string, error) {
	return s.t.ask(req)
}

func runConsole(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd, cfg)
	if cmd.IsSet("dir") {
		cfg.Kernel.Dir = cmd.String("dir")
	}

	rt, err := startKernel(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ch, unsubscribe := rt.bus.SubscribeChan(cfg.Events.BufferSize)
	defer unsubscribe()
	idle := make(chan string, 16)
	go printEvents(ch, os.Stdout, os.Stderr, idle)

	t := newTerminal()
	session := fmt.Sprintf("console-%d", os.Getpid())
	prompt := cfg.Kernel.Prompt
	for n := 1; ; n++ {
		line, err := t.readLine(prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		parent := protocol.NewHeader(protocol.MsgExecuteRequest, session)
		reply, err := rt.kernel.Execute(ctx, kernel.Request{
			Code:         line,
			StoreHistory: strings.TrimSpace(line) != "",
			AllowStdin:   true,
			Parent:       &parent,
			Originator:   "console",
			Stdin:        termStdin{t: t},
		})
		if errors.Is(err, kernel.ErrExited) {
			return nil
		}
		if err != nil {
			return err
		}
		waitIdle(idle, parent.MsgID)

		switch reply.Status {
		case protocol.StatusIncomplete:
			prompt = cfg.Kernel.ContinuePrompt
		default:
			prompt = cfg.Kernel.Prompt
		}
		if reply.EName == "KernelExited" {
			return nil
		}
	}
}

// waitIdle waits for the idle status of request id so its output is printed
// before the next prompt.
func waitIdle(idle <-chan string, id string) {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-idle:
			if got == id {
				return
			}
		case <-timeout:
			return
		}
	}
}

// printEvents renders iopub events on the terminal and reports idle
// statuses by parent message id.
func printEvents(ch <-chan events.Event, stdout, stderr io.Writer, idle chan<- string) {
	for e := range ch {
		switch e.Type {
		case events.EventStream:
			p, _ := events.GetStreamPayload(e)
			w := stdout
			if p.Name == "stderr" {
				w = stderr
			}
			fmt.Fprint(w, p.Text)
		case events.EventExecuteResult:
			p, _ := events.GetExecuteResultPayload(e)
			if text, ok := p.Data["text/plain"].(string); ok {
				fmt.Fprintf(stdout, "[%d] %s\n", p.ExecutionCount, text)
			}
		case events.EventError:
			p, _ := events.GetErrorPayload(e)
			fmt.Fprintf(stderr, "%s: %s\n", p.EName, p.EValue)
		case events.EventStatus:
			p, _ := events.GetStatusPayload(e)
			if p.ExecutionState == protocol.StateIdle && e.Parent != nil {
				select {
				case idle <- e.Parent.MsgID:
				default:
				}
			}
		}
	}
}
