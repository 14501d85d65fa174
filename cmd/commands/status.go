package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/shellkernel/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show kernel status",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "max-age",
				Usage: "Heartbeat age after which the kernel is reported stale",
				Value: 2 * time.Minute,
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			maxAge := cmd.Duration("max-age")

			status, hb, err := heartbeat.Check(cfg.Heartbeat.Path, maxAge)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Kernel: ALIVE (PID %d, uptime %s, %s)\n", hb.PID, hb.Uptime, hb.Addr)
			case heartbeat.StatusStale:
				fmt.Printf("Kernel: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("Kernel: NOT RUNNING")
				return nil
			}

			if k := hb.Kernel; k != nil {
				fmt.Printf("  state: %s, execution count: %d\n", k.State, k.ExecutionCount)
				if k.Holder != "" {
					fmt.Printf("  interpreter held by %s, %d waiting\n", k.Holder, k.Waiters)
				}
				if hb.Wedged(maxAge) {
					fmt.Printf("  WEDGED: no event pump for %s\n", hb.Timestamp.Sub(k.LastPump).Truncate(time.Second))
				}
			}
			return nil
		},
	}
}
