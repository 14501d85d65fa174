package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/shellkernel/internal/config"
	"github.com/dohr-michael/shellkernel/internal/kernel"
)

// KernelSpec is the kernel.json read by Jupyter.
type KernelSpec struct {
	Argv          []string       `json:"argv"`
	DisplayName   string         `json:"display_name"`
	Language      string         `json:"language"`
	InterruptMode string         `json:"interrupt_mode"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewKernelspecCommand returns the kernelspec subcommand.
func NewKernelspecCommand() *cli.Command {
	return &cli.Command{
		Name:  "kernelspec",
		Usage: "Write a Jupyter kernel.json for this binary",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory to write kernel.json to",
				Value: filepath.Join(config.KernelPath(), "kernelspec", "shellkernel"),
			},
			&cli.StringFlag{
				Name:  "display-name",
				Value: "Shell (shellkernel)",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			spec := newKernelSpec(exe, cmd.String("config"), cmd.String("display-name"), cfg.Server.Addr())
			path, err := writeKernelSpec(cmd.String("dir"), spec)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\ninstall with: jupyter kernelspec install --user %s\n", path, filepath.Dir(path))
			return nil
		},
	}
}

func newKernelSpec(exe, configPath, displayName, addr string) KernelSpec {
	return KernelSpec{
		Argv:          []string{exe, "--config", configPath, "serve"},
		DisplayName:   displayName,
		Language:      kernel.Language().Name,
		InterruptMode: "message",
		Metadata: map[string]any{
			"shellkernel": map[string]any{
				"version":  kernel.Version,
				"channels": fmt.Sprintf("ws://%s/api/kernels/channels", addr),
			},
		},
	}
}

func writeKernelSpec(dir string, spec KernelSpec) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create kernelspec dir: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "kernel.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write kernel.json: %w", err)
	}
	return path, nil
}
