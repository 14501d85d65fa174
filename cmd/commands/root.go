package commands

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/shellkernel/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "shellkernel",
		Usage: "A shell kernel speaking the Jupyter messaging protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewConsoleCommand(),
			NewExecCommand(),
			NewStatusCommand(),
			NewKernelspecCommand(),
		},
	}
}

// loadConfig reads the --config file. A missing file yields the defaults.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("config not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return cfg, err
}

// setupLogging installs the default logger. The returned level follows
// config reloads; --debug pins it to debug.
func setupLogging(cmd *cli.Command, cfg *config.Config) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(logLevel(cmd, cfg))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return level
}

func logLevel(cmd *cli.Command, cfg *config.Config) slog.Level {
	if cmd.Bool("debug") {
		return slog.LevelDebug
	}
	return cfg.Log.SlogLevel()
}
