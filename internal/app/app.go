// Package app wires the daemon together: config, logging, storage, engine,
// producer surfaces and background services.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/config"
	"notchd/internal/engine"
	"notchd/internal/eventbus"
	"notchd/internal/feedback"
	"notchd/internal/janitor"
	"notchd/internal/runtime/supervisor"
	"notchd/internal/server"
	"notchd/internal/storage"
)

// StopReason labels why the daemon is shutting down.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	eng      *engine.Engine
	feedback *feedback.Service
	janitor  *janitor.Service
	socket   *server.Socket
	http     *server.HTTP
}

// New loads the config (falling back to defaults when the file is absent)
// and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
		cfgm.Commit(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, store, bus, log)

	fbCfg, err := mapFeedbackConfig(cfg)
	if err != nil {
		return nil, err
	}
	fb := feedback.New(fbCfg, bus, log)

	jCfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	jan := janitor.New(jCfg, store, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		eng:      eng,
		feedback: fb,
		janitor:  jan,
	}

	if cfg.SocketEnabled() {
		a.socket = server.NewSocket(server.SocketConfig{Path: cfg.SocketPath()}, eng, log)
	}
	if cfg.HTTPEnabled() {
		httpCfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.http = server.NewHTTP(httpCfg, eng, store, log)
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.eng.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.feedback.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.janitor.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.socket != nil {
		if err := a.socket.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Debug visibility into lifecycle events.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload: log level changes apply live; engine, server and storage
	// changes need a restart.
	sub := a.cfgm.Updates()
	a.sup.Go0("config.reload", func(c context.Context) {
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg := <-sub:
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				for _, s := range sections {
					switch s {
					case "engine", "server", "storage":
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// Producers first so no new work reaches the engine while it drains.
	if a.http != nil {
		step("http", 3*time.Second, a.http.Stop)
	}
	if a.socket != nil {
		step("socket", 2*time.Second, a.socket.Stop)
	}
	step("feedback", 2*time.Second, a.feedback.Stop)
	step("janitor", 2*time.Second, a.janitor.Stop)
	step("engine", 3*time.Second, a.eng.Stop)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Stop)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
