package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/notification"
)

// Store is the persistence API used by the engine and the read paths.
type Store interface {
	// Save records a delivered notification. Failures are non-fatal to
	// delivery; callers log and move on.
	Save(ctx context.Context, ev *notification.Event) error

	// List returns notifications newest-first, paged. Page numbering
	// starts at 0.
	List(ctx context.Context, page, pageSize int) ([]*notification.Event, error)

	// Search returns notifications whose title or message contains query,
	// newest-first, up to limit.
	Search(ctx context.Context, query string, limit int) ([]*notification.Event, error)

	Count(ctx context.Context) (int64, error)
	CountByType(ctx context.Context) (map[notification.Type]int64, error)

	// Cleanup deletes notifications older than the cutoff and reports how
	// many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
