package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/shellkernel/clients/ws"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// NewExecCommand returns the exec subcommand.
func NewExecCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run code on a running kernel and print its output",
		ArgsUsage: "<code> (reads stdin when omitted)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Kernel WebSocket URL (default: from config)",
			},
			&cli.IntFlag{
				Name:  "timeout",
				Usage: "Response timeout in seconds",
				Value: 120,
			},
		},
		Action: runExec,
	}
}

func runExec(ctx context.Context, cmd *cli.Command) error {
	code := strings.Join(cmd.Args().Slice(), " ")
	if code == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		code = string(data)
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("usage: shellkernel exec <code>")
	}

	url := cmd.String("url")
	if url == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		url = fmt.Sprintf("ws://%s/api/kernels/channels", cfg.Server.Addr())
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Int("timeout"))*time.Second)
	defer cancel()

	client, err := wsclient.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("connect to kernel: %w", err)
	}
	defer client.Close()

	var input wsclient.InputFunc
	if t := newTerminal(); t.tty {
		input = t.ask
	}

	reply, err := client.Execute(code, input, func(msg *protocol.Message) {
		switch msg.Type() {
		case protocol.MsgStream:
			p, _ := protocol.DecodeContent[events.StreamPayload](msg)
			if p.Name == "stderr" {
				fmt.Fprint(os.Stderr, p.Text)
			} else {
				fmt.Print(p.Text)
			}
		case protocol.MsgExecuteResult:
			p, _ := protocol.DecodeContent[events.ExecuteResultPayload](msg)
			if text, ok := p.Data["text/plain"].(string); ok {
				fmt.Println(text)
			}
		}
	})
	if err != nil {
		return err
	}

	switch reply.Status {
	case protocol.StatusOK:
		return nil
	case protocol.StatusIncomplete:
		return fmt.Errorf("incomplete input")
	default:
		return fmt.Errorf("%s: %s", reply.EName, reply.EValue)
	}
}
