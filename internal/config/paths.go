package config

import (
	"os"
	"path/filepath"
)

// KernelPath returns the root directory for shellkernel data.
// It uses $SHELLKERNEL_PATH if set, otherwise defaults to ~/.shellkernel.
func KernelPath() string {
	if v := os.Getenv("SHELLKERNEL_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".shellkernel")
	}
	return filepath.Join(home, ".shellkernel")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(KernelPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(KernelPath(), ".env")
}

// HistoryPath returns the default path of the history database.
func HistoryPath() string {
	return filepath.Join(KernelPath(), "history.db")
}

// HeartbeatPath returns the default path of the heartbeat file.
func HeartbeatPath() string {
	return filepath.Join(KernelPath(), "heartbeat.json")
}
