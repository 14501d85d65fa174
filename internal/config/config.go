package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for shellkernel.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Kernel    KernelConfig    `json:"kernel" yaml:"kernel"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ServerConfig holds the websocket server settings.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// KernelConfig configures the interpreter and its console.
type KernelConfig struct {
	Prompt         string `json:"prompt" yaml:"prompt"`
	ContinuePrompt string `json:"continue_prompt" yaml:"continue_prompt"`
	// BufferSize is the longest accepted input line, newline included.
	BufferSize        int      `json:"buffer_size" yaml:"buffer_size"`
	InputPollInterval Duration `json:"input_poll_interval" yaml:"input_poll_interval"`
	PumpInterval      Duration `json:"pump_interval" yaml:"pump_interval"`
	WriteTimeout      Duration `json:"write_timeout" yaml:"write_timeout"`
	KillTimeout       Duration `json:"kill_timeout" yaml:"kill_timeout"`
	Dir               string   `json:"dir,omitempty" yaml:"dir,omitempty"` // working directory (default: current)
}

// HistoryConfig configures the input history store.
type HistoryConfig struct {
	Disabled      bool   `json:"disabled" yaml:"disabled"`
	Path          string `json:"path" yaml:"path"`                     // default: $SHELLKERNEL_PATH/history.db
	Keep          int    `json:"keep" yaml:"keep"`                     // entries kept by pruning, 0 disables it
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // cron expression
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// LogDir enables the JSONL event journal when set.
	LogDir string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	// LogStatus includes busy/idle status events in the journal.
	LogStatus bool `json:"log_status,omitempty" yaml:"log_status,omitempty"`
}

// HeartbeatConfig configures the liveness file.
type HeartbeatConfig struct {
	Path     string   `json:"path" yaml:"path"` // default: $SHELLKERNEL_PATH/heartbeat.json
	Interval Duration `json:"interval" yaml:"interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
