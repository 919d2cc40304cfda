package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
	Engine  EngineConfig  `json:"engine"`

	// Storage controls the persistence layer. Omitted means sqlite at the
	// default path; driver "none" disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Feedback runs a local command (sound player, say, notify wrapper)
	// when a notification is displayed.
	Feedback *FeedbackConfig `json:"feedback,omitempty"`

	Cleanup CleanupConfig `json:"cleanup"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the two producer surfaces: the unix socket and the
// localhost HTTP API.
type ServerConfig struct {
	Socket SocketConfig `json:"socket"`
	HTTP   HTTPConfig   `json:"http"`
}

type SocketConfig struct {
	// Enabled defaults to true when the section is omitted; a pointer
	// distinguishes "omitted" from an explicit false.
	Enabled *bool  `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"` // default: ~/.notch.sock
}

type HTTPConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9876"

	// RatePerSec/RateBurst bound request admission per client IP.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// EngineConfig tunes admission control and the display slot.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type EngineConfig struct {
	QueueCapacity int    `json:"queue_capacity,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	MergeWindow   string `json:"merge_window,omitempty"`
	ReadCacheSize int    `json:"read_cache_size,omitempty"`
	SubmitBuffer  int    `json:"submit_buffer,omitempty"`

	Durations  DurationsConfig      `json:"durations"`
	Rendezvous RendezvousWaitConfig `json:"rendezvous"`
}

// DurationsConfig sets per-priority display durations and the overrides.
type DurationsConfig struct {
	Low    string `json:"low,omitempty"`
	Normal string `json:"normal,omitempty"`
	High   string `json:"high,omitempty"`
	Urgent string `json:"urgent,omitempty"`

	CharsPerExtra int    `json:"chars_per_extra,omitempty"`
	MaxExtra      string `json:"max_extra,omitempty"`

	Interactive string `json:"interactive,omitempty"`
	Preview     string `json:"preview,omitempty"`
}

// RendezvousWaitConfig bounds the blocking wait for interactive choices.
type RendezvousWaitConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	PollMax      int    `json:"poll_max,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "~/.notchd/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// FeedbackConfig controls the display feedback command.
type FeedbackConfig struct {
	Enabled bool   `json:"enabled"`
	Command string `json:"command,omitempty"`
	// Timeout is a Go duration string bounding one command run.
	Timeout string `json:"timeout,omitempty"`
}

// CleanupConfig controls the scheduled history cleanup job.
type CleanupConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression. Default: "0 3 * * *" (daily, 03:00).
	Schedule string `json:"schedule,omitempty"`
	// Retention is a Go duration string; history older than this is removed.
	Retention string `json:"retention,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Cleanup: CleanupConfig{Enabled: true, Schedule: "0 3 * * *", Retention: "720h"},
	}
}

// SocketEnabled resolves the socket toggle with its default.
func (c *Config) SocketEnabled() bool {
	if c.Server.Socket.Enabled == nil {
		return true
	}
	return *c.Server.Socket.Enabled
}

// HTTPEnabled resolves the HTTP toggle with its default.
func (c *Config) HTTPEnabled() bool {
	if c.Server.HTTP.Enabled == nil {
		return true
	}
	return *c.Server.HTTP.Enabled
}

// SocketPath resolves the unix socket path, expanding a leading "~".
func (c *Config) SocketPath() string {
	p := strings.TrimSpace(c.Server.Socket.Path)
	if p == "" {
		p = "~/.notch.sock"
	}
	return expandHome(p)
}

// HTTPAddr resolves the HTTP listen address.
func (c *Config) HTTPAddr() string {
	a := strings.TrimSpace(c.Server.HTTP.Addr)
	if a == "" {
		return "127.0.0.1:9876"
	}
	return a
}

// StoragePath resolves the database path, expanding a leading "~".
func (c *Config) StoragePath() string {
	if c.Storage == nil || strings.TrimSpace(c.Storage.Path) == "" {
		return expandHome("~/.notchd/history.db")
	}
	return expandHome(c.Storage.Path)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate rejects configs that must not be committed: unparseable durations,
// unknown storage drivers, nonsensical bounds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durFields := []struct{ path, raw string }{
		{"engine.dedup_window", cfg.Engine.DedupWindow},
		{"engine.merge_window", cfg.Engine.MergeWindow},
		{"engine.durations.low", cfg.Engine.Durations.Low},
		{"engine.durations.normal", cfg.Engine.Durations.Normal},
		{"engine.durations.high", cfg.Engine.Durations.High},
		{"engine.durations.urgent", cfg.Engine.Durations.Urgent},
		{"engine.durations.max_extra", cfg.Engine.Durations.MaxExtra},
		{"engine.durations.interactive", cfg.Engine.Durations.Interactive},
		{"engine.durations.preview", cfg.Engine.Durations.Preview},
		{"engine.rendezvous.poll_interval", cfg.Engine.Rendezvous.PollInterval},
		{"server.http.read_timeout", cfg.Server.HTTP.ReadTimeout},
		{"server.http.write_timeout", cfg.Server.HTTP.WriteTimeout},
		{"server.http.idle_timeout", cfg.Server.HTTP.IdleTimeout},
		{"cleanup.retention", cfg.Cleanup.Retention},
	}
	if cfg.Storage != nil {
		durFields = append(durFields, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	if cfg.Feedback != nil {
		durFields = append(durFields, struct{ path, raw string }{"feedback.timeout", cfg.Feedback.Timeout})
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if cfg.Engine.QueueCapacity < 0 {
		return fmt.Errorf("engine.queue_capacity must be >= 0")
	}
	if cfg.Engine.Rendezvous.PollMax < 0 {
		return fmt.Errorf("engine.rendezvous.poll_max must be >= 0")
	}
	if cfg.Server.HTTP.RatePerSec < 0 {
		return fmt.Errorf("server.http.rate_per_sec must be >= 0")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "sqlite", "sqlite3", "file":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	if cfg.Feedback != nil && cfg.Feedback.Enabled && strings.TrimSpace(cfg.Feedback.Command) == "" {
		return fmt.Errorf("feedback.command is required when feedback is enabled")
	}
	return nil
}
