package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/engine"
	"notchd/internal/notification"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Config{
		Rendezvous: engine.RendezvousConfig{PollInterval: 10 * time.Millisecond, PollMax: 3},
	}, nil, nil, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func TestSocketRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "test.sock")

	s := NewSocket(SocketConfig{Path: path}, eng, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("socket start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := `{"title":"Build done","message":"all green","type":"success","priority":1}`
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var reply socketReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != "ok" || reply.ID == "" {
		t.Fatalf("reply = %+v, want ok with id", reply)
	}

	snap, _ := eng.State(context.Background())
	if snap.Slot == nil || snap.Slot.Event.Title != "Build done" {
		t.Fatalf("slot = %+v, want Build done displayed", snap.Slot)
	}
}

func TestSocketRejectsMalformedPayload(t *testing.T) {
	eng := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "test.sock")

	s := NewSocket(SocketConfig{Path: path}, eng, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("socket start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply socketReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != "error" {
		t.Fatalf("reply = %+v, want error", reply)
	}
}

func newTestHTTP(t *testing.T) (*HTTP, *engine.Engine) {
	t.Helper()
	eng := newTestEngine(t)
	h := NewHTTP(HTTPConfig{RatePerSec: 1000, RateBurst: 1000}, eng, nil, logx.Nop())
	return h, eng
}

func doJSON(t *testing.T, h *HTTP, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func TestHTTPNotify(t *testing.T) {
	h, eng := newTestHTTP(t)

	rec := doJSON(t, h, http.MethodPost, "/notify",
		`{"title":"Deploy","message":"service restarted","type":"info","priority":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp notifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Outcome != "displayed" {
		t.Fatalf("outcome = %q, want displayed", resp.Outcome)
	}

	snap, _ := eng.State(context.Background())
	if snap.Slot == nil || snap.Slot.Event.Title != "Deploy" {
		t.Fatalf("slot = %+v, want Deploy", snap.Slot)
	}
}

func TestHTTPNotifyRejectsEmptyTitle(t *testing.T) {
	h, _ := newTestHTTP(t)
	rec := doJSON(t, h, http.MethodPost, "/notify", `{"title":"","message":"m"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHTTPInteractiveTimeout(t *testing.T) {
	h, _ := newTestHTTP(t)

	rec := doJSON(t, h, http.MethodPost, "/notify/interactive",
		`{"title":"Deploy?","message":"confirm","actions":[{"label":"Yes","action":"yes"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp choiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Choice != engine.ChoiceTimeout {
		t.Fatalf("choice = %q, want timeout", resp.Choice)
	}
}

func TestHTTPActionUnknownID(t *testing.T) {
	h, _ := newTestHTTP(t)
	rec := doJSON(t, h, http.MethodPost, "/actions/nope", `{"action":"yes"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHTTPDismiss(t *testing.T) {
	h, eng := newTestHTTP(t)

	if _, err := eng.Admit(context.Background(), notification.New(notification.TypeInfo, notification.PriorityNormal, "a", "b")); err != nil {
		t.Fatalf("admit: %v", err)
	}
	rec := doJSON(t, h, http.MethodPost, "/dismiss", `{"advance":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	snap, _ := eng.State(context.Background())
	if snap.Slot != nil {
		t.Fatalf("slot = %+v, want empty", snap.Slot)
	}
}

func TestHTTPHistoryFromCache(t *testing.T) {
	h, eng := newTestHTTP(t)

	for _, title := range []string{"one", "two"} {
		if _, err := eng.Admit(context.Background(), notification.New(notification.TypeInfo, notification.PriorityLow, title, "m "+title)); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/history?page=0&page_size=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var items []*notification.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(items) != 2 || items[0].Title != "two" {
		t.Fatalf("items = %v, want [two one]", items)
	}
}

func TestHTTPStatsAndHealthz(t *testing.T) {
	h, _ := newTestHTTP(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
