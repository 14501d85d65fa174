package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/shellkernel/internal/config"
	"github.com/dohr-michael/shellkernel/internal/events"
	"github.com/dohr-michael/shellkernel/internal/gateway"
	"github.com/dohr-michael/shellkernel/internal/heartbeat"
	"github.com/dohr-michael/shellkernel/internal/storage"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the kernel and serve it over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Working directory of the shell",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level := setupLogging(cmd, cfg)

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("dir") {
		cfg.Kernel.Dir = cmd.String("dir")
	}

	// SIGINT belongs to the interrupt bridge, so ctx only carries SIGTERM.
	rt, err := startKernel(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Events.LogDir != "" {
		var skip []events.EventType
		if !cfg.Events.LogStatus {
			skip = append(skip, events.EventStatus)
		}
		journal := storage.NewEventLogger(cfg.Events.LogDir, rt.bus, cfg.Events.BufferSize, skip...)
		defer journal.Close()
		slog.Info("event journal enabled", "dir", cfg.Events.LogDir)
	}

	server := gateway.NewServer(rt.kernel, rt.bus, cfg.Server.Host, cfg.Server.Port)
	if err := server.Listen(); err != nil {
		return err
	}

	hb := heartbeat.NewWriter(cfg.Heartbeat.Path, server.Addr(), cfg.Heartbeat.Interval.Duration(), rt.probe)
	hb.Start()
	defer hb.Stop()

	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		level.Set(logLevel(cmd, c))
		slog.Info("log level updated", "level", level.Level())
	})
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go reloader.WatchSignals(watchCtx)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		return shutdown()
	case <-rt.kernel.Done():
		slog.Info("interpreter exited, shutting down")
		return shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
