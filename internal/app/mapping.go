package app

import (
	"strings"
	"time"

	"notchd/internal/config"
	"notchd/internal/engine"
	"notchd/internal/feedback"
	"notchd/internal/janitor"
	"notchd/internal/server"
	"notchd/internal/storage"
)

// mapEngineConfig converts the file-level engine section (duration strings)
// into the engine's runtime config. Zero values defer to engine defaults.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	out := engine.Config{
		QueueCapacity: e.QueueCapacity,
		ReadCacheSize: e.ReadCacheSize,
		SubmitBuffer:  e.SubmitBuffer,
	}

	var err error
	if out.DedupWindow, err = config.ParseDurationField("engine.dedup_window", e.DedupWindow); err != nil {
		return engine.Config{}, err
	}
	if out.MergeWindow, err = config.ParseDurationField("engine.merge_window", e.MergeWindow); err != nil {
		return engine.Config{}, err
	}

	d := &out.Durations
	fields := []struct {
		dst  *time.Duration
		path string
		raw  string
	}{
		{&d.Low, "engine.durations.low", e.Durations.Low},
		{&d.Normal, "engine.durations.normal", e.Durations.Normal},
		{&d.High, "engine.durations.high", e.Durations.High},
		{&d.Urgent, "engine.durations.urgent", e.Durations.Urgent},
		{&d.MaxExtra, "engine.durations.max_extra", e.Durations.MaxExtra},
		{&d.Interactive, "engine.durations.interactive", e.Durations.Interactive},
		{&d.Preview, "engine.durations.preview", e.Durations.Preview},
		{&out.Rendezvous.PollInterval, "engine.rendezvous.poll_interval", e.Rendezvous.PollInterval},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return engine.Config{}, err
		}
	}
	d.CharsPerExtra = e.Durations.CharsPerExtra
	out.Rendezvous.PollMax = e.Rendezvous.PollMax
	return out, nil
}

// mapStorageConfig resolves the storage section. enabled=false means the
// engine runs memory-only.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	driver := "sqlite"
	busyRaw := ""
	if cfg.Storage != nil {
		if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
			driver = strings.ToLower(d)
		}
		busyRaw = cfg.Storage.BusyTimeout
	}
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", busyRaw, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.StoragePath(),
		BusyTimeout: busy,
	}, true, nil
}

func mapFeedbackConfig(cfg *config.Config) (feedback.Config, error) {
	if cfg.Feedback == nil {
		return feedback.Config{}, nil
	}
	timeout, err := config.ParseDurationField("feedback.timeout", cfg.Feedback.Timeout)
	if err != nil {
		return feedback.Config{}, err
	}
	return feedback.Config{
		Enabled: cfg.Feedback.Enabled,
		Command: strings.TrimSpace(cfg.Feedback.Command),
		Timeout: timeout,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	retention, err := config.ParseDurationField("cleanup.retention", cfg.Cleanup.Retention)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		Enabled:   cfg.Cleanup.Enabled,
		Schedule:  strings.TrimSpace(cfg.Cleanup.Schedule),
		Retention: retention,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (server.HTTPConfig, error) {
	h := cfg.Server.HTTP
	out := server.HTTPConfig{
		Addr:       cfg.HTTPAddr(),
		RatePerSec: h.RatePerSec,
		RateBurst:  h.RateBurst,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("server.http.read_timeout", h.ReadTimeout); err != nil {
		return server.HTTPConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.http.write_timeout", h.WriteTimeout); err != nil {
		return server.HTTPConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("server.http.idle_timeout", h.IdleTimeout); err != nil {
		return server.HTTPConfig{}, err
	}
	return out, nil
}
