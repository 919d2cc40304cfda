package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/notification"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Save(ctx context.Context, ev *notification.Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if ev == nil {
		return nil
	}
	actions, err := marshalJSON(ev.Actions)
	if err != nil {
		return err
	}
	meta, err := marshalJSON(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, at, type, priority, title, message, icon, actions, metadata)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Timestamp.UnixMilli(), string(ev.Type), int(ev.Priority),
		ev.Title, ev.Message, nullStr(ev.Icon), actions, meta,
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context, page, pageSize int) ([]*notification.Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, type, priority, title, message, icon, actions, metadata
		 FROM notifications ORDER BY at DESC, id LIMIT ? OFFSET ?`,
		pageSize, page*pageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) Search(ctx context.Context, query string, limit int) ([]*notification.Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	q := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, type, priority, title, message, icon, actions, metadata
		 FROM notifications
		 WHERE title LIKE ? ESCAPE '\' OR message LIKE ? ESCAPE '\'
		 ORDER BY at DESC, id LIMIT ?`,
		q, q, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *sqliteStore) Count(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountByType(ctx context.Context) (map[notification.Type]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM notifications GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[notification.Type]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[notification.Type(t)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*notification.Event, error) {
	var out []*notification.Event
	for rows.Next() {
		var (
			ev            notification.Event
			at            int64
			typ           string
			prio          int
			icon          sql.NullString
			actions, meta sql.NullString
		)
		if err := rows.Scan(&ev.ID, &at, &typ, &prio, &ev.Title, &ev.Message, &icon, &actions, &meta); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(at)
		ev.Type = notification.Type(typ)
		ev.Priority = notification.Priority(prio)
		ev.Icon = icon.String
		if actions.Valid && actions.String != "" {
			_ = json.Unmarshal([]byte(actions.String), &ev.Actions)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &ev.Metadata)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case []notification.Action:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
