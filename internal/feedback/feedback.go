// Package feedback reacts to displayed notifications by running a local
// command, typically a sound player. Failures are logged and never affect
// delivery.
package feedback

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/engine"
	"notchd/internal/eventbus"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	Enabled bool
	Command string
	Timeout time.Duration
}

// Service subscribes to the bus and runs the feedback command once per
// displayed notification.
type Service struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	// runner is swapped in tests.
	runner func(ctx context.Context, command string, data engine.SlotEvent) error

	mu    sync.Mutex
	unsub func()
	wg    sync.WaitGroup
	stop  chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		bus:    bus,
		log:    log.With(logx.String("component", "feedback")),
		runner: runCommand,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	if !s.cfg.Enabled || s.cfg.Command == "" {
		return nil
	}
	ch, unsub := s.bus.Subscribe(32)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ch)
	s.log.Info("feedback enabled", logx.String("command", s.cfg.Command))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub == nil {
		return nil
	}
	close(s.stop)
	unsub()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) loop(ch <-chan eventbus.Event) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("feedback loop panic", logx.Any("panic", r))
		}
	}()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeDisplayed {
				continue
			}
			data, ok := ev.Data.(engine.SlotEvent)
			if !ok || data.Event == nil {
				continue
			}
			s.dispatch(data)
		}
	}
}

func (s *Service) dispatch(data engine.SlotEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.runner(ctx, s.cfg.Command, data); err != nil {
		s.log.Warn("feedback command failed",
			logx.String("command", s.cfg.Command),
			logx.String("id", data.Event.ID),
			logx.Err(err),
		)
	}
}

// runCommand executes the configured command with the notification exposed
// through NOTCH_* environment variables.
func runCommand(ctx context.Context, command string, data engine.SlotEvent) error {
	cmd := exec.CommandContext(ctx, command)
	cmd.Env = append(os.Environ(),
		"NOTCH_ID="+data.Event.ID,
		"NOTCH_TITLE="+data.Event.Title,
		"NOTCH_MESSAGE="+data.Event.Message,
		"NOTCH_TYPE="+string(data.Event.Type),
		"NOTCH_PRIORITY="+strconv.Itoa(int(data.Event.Priority)),
	)
	return cmd.Run()
}
