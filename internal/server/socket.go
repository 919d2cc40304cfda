package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/engine"
	"notchd/internal/notification"
)

const (
	connDeadline   = 5 * time.Second
	maxPayloadSize = 1 << 20
)

// SocketConfig configures the unix socket listener.
type SocketConfig struct {
	Path string
}

// Socket accepts one JSON-encoded notification per connection and replies
// with a one-line JSON status, matching the hook clients' wire contract.
type Socket struct {
	cfg SocketConfig
	eng *engine.Engine
	log logx.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

type socketReply struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewSocket(cfg SocketConfig, eng *engine.Engine, log logx.Logger) *Socket {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Socket{
		cfg: cfg,
		eng: eng,
		log: log.With(logx.String("component", "socket")),
	}
}

// Start binds the socket and launches the accept loop. A stale socket file
// from a previous run is removed first.
func (s *Socket) Start(ctx context.Context) error {
	_ = ctx
	if err := removeStaleSocket(s.cfg.Path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info("socket listening", logx.String("path", s.cfg.Path))
	return nil
}

// Stop closes the listener, waits for in-flight connections and removes the
// socket file.
func (s *Socket) Stop(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	_ = ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer func() { _ = os.Remove(s.cfg.Path) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Socket) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", logx.Err(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("connection handler panic", logx.Any("panic", r))
				}
			}()
			s.handleConn(conn)
		}()
	}
}

// handleConn reads exactly one notification, admits it, writes the status
// reply and closes.
func (s *Socket) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	var ev notification.Event
	dec := json.NewDecoder(&limitedReader{conn: conn, remaining: maxPayloadSize})
	if err := dec.Decode(&ev); err != nil {
		s.log.Debug("malformed payload", logx.Err(err))
		s.reply(conn, socketReply{Status: "error", Error: "invalid payload"})
		return
	}

	out, err := s.eng.Admit(context.Background(), &ev)
	if err != nil {
		s.log.Debug("admission rejected", logx.String("id", ev.ID), logx.Err(err))
		s.reply(conn, socketReply{Status: "error", Error: err.Error()})
		return
	}
	s.log.Debug("socket notification admitted",
		logx.String("id", ev.ID),
		logx.String("outcome", out.String()),
	)
	s.reply(conn, socketReply{Status: "ok", ID: ev.ID})
}

func (s *Socket) reply(conn net.Conn, r socketReply) {
	if err := json.NewEncoder(conn).Encode(r); err != nil {
		s.log.Debug("reply write failed", logx.Err(err))
	}
}

// limitedReader caps how much a single connection may send.
type limitedReader struct {
	conn      net.Conn
	remaining int
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, errors.New("payload too large")
	}
	if len(p) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.conn.Read(p)
	l.remaining -= n
	return n, err
}

func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return errors.New("refusing to remove non-socket file: " + path)
	}
	return os.Remove(path)
}
