package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/notification"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl (append-only JSON Lines)
//
// The full history is kept in memory (newest-first) and replayed from the
// file at open. Cleanup compacts the file in place via tmp+rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path   string
	file   *os.File
	events []*notification.Event // newest-first
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	eventsPath := filepath.Join(dir, base+".events.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	events, err := replayEvents(eventsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:    log,
		path:   eventsPath,
		file:   f,
		events: events,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) Save(ctx context.Context, ev *notification.Event) error {
	_ = ctx
	if ev == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("events file closed")
	}
	for _, e := range s.events {
		if e.ID == ev.ID {
			return nil
		}
	}
	if err := json.NewEncoder(s.file).Encode(ev); err != nil {
		return err
	}
	s.events = append([]*notification.Event{ev.Clone()}, s.events...)
	return nil
}

func (s *fileStore) List(ctx context.Context, page, pageSize int) ([]*notification.Event, error) {
	_ = ctx
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := page * pageSize
	if lo >= len(s.events) {
		return nil, nil
	}
	hi := lo + pageSize
	if hi > len(s.events) {
		hi = len(s.events)
	}
	out := make([]*notification.Event, 0, hi-lo)
	for _, e := range s.events[lo:hi] {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *fileStore) Search(ctx context.Context, query string, limit int) ([]*notification.Event, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.Event
	for _, e := range s.events {
		if len(out) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(e.Title), q) ||
			strings.Contains(strings.ToLower(e.Message), q) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *fileStore) Count(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *fileStore) CountByType(ctx context.Context) (map[notification.Type]int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[notification.Type]int64{}
	for _, e := range s.events {
		out[e.Type]++
	}
	return out, nil
}

func (s *fileStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	_ = ctx
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	if removed == 0 {
		return 0, nil
	}
	if err := s.compactLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// compactLocked rewrites the events file from the in-memory state.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	// Oldest-first on disk so replay order matches append order.
	for i := len(s.events) - 1; i >= 0; i-- {
		if err := enc.Encode(s.events[i]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

func replayEvents(path string) ([]*notification.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*notification.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev notification.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if ev.ID == "" {
			continue
		}
		out = append(out, &ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	// Newest-first in memory.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
