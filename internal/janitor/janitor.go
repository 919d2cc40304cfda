// Package janitor runs scheduled history maintenance: old notifications are
// removed from the store on a cron schedule.
package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	logx "notchd/pkg/logx"

	"notchd/internal/storage"
)

const (
	defaultSchedule  = "0 3 * * *"
	defaultRetention = 30 * 24 * time.Hour
	runTimeout       = time.Minute
)

type Config struct {
	Enabled   bool
	Schedule  string
	Retention time.Duration
}

// Service owns the cron runner. With a nil store or Enabled false it is
// inert.
type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	parser cron.Parser
	c      *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		log:    log.With(logx.String("component", "janitor")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	if !s.cfg.Enabled || s.store == nil {
		return nil
	}
	sched, err := s.parser.Parse(s.cfg.Schedule)
	if err != nil {
		return errors.New("janitor: invalid schedule: " + s.cfg.Schedule)
	}

	s.c = cron.New(cron.WithParser(s.parser))
	s.c.Schedule(sched, cron.FuncJob(func() { s.RunNow(context.Background()) }))
	s.c.Start()
	s.log.Info("cleanup scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.c == nil {
		return nil
	}
	stopCtx := s.c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs one cleanup pass immediately.
func (s *Service) RunNow(ctx context.Context) {
	if s.store == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	removed, err := s.store.Cleanup(rctx, s.cfg.Retention)
	if err != nil {
		s.log.Warn("cleanup failed", logx.Err(err))
		return
	}
	if removed > 0 {
		s.log.Info("cleanup done", logx.Int64("removed", removed))
	}
}
