package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	logx "notchd/pkg/logx"

	"notchd/internal/engine"
	"notchd/internal/notification"
	"notchd/internal/storage"
)

// HTTPConfig configures the localhost HTTP API.
type HTTPConfig struct {
	Addr       string
	RatePerSec float64
	RateBurst  int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *HTTPConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9876"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 50
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// Interactive submissions block up to the full rendezvous bound, so the
	// write timeout stays generous.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 90 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
}

// HTTP is the localhost API server.
type HTTP struct {
	cfg   HTTPConfig
	eng   *engine.Engine
	store storage.Store // may be nil
	log   logx.Logger

	echo *echo.Echo
}

func NewHTTP(cfg HTTPConfig, eng *engine.Engine, store storage.Store, log logx.Logger) *HTTP {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &HTTP{
		cfg:   cfg,
		eng:   eng,
		store: store,
		log:   log.With(logx.String("component", "http")),
	}
	h.echo = h.buildEcho()
	return h
}

func (h *HTTP) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(h.cfg.RatePerSec),
			Burst:     h.cfg.RateBurst,
			ExpiresIn: 3 * time.Minute,
		},
	)))

	e.POST("/notify", h.handleNotify)
	e.POST("/notify/interactive", h.handleNotifyInteractive)
	e.POST("/actions/:id", h.handleAction)
	e.POST("/dismiss", h.handleDismiss)
	e.GET("/history", h.handleHistory)
	e.GET("/stats", h.handleStats)
	e.GET("/healthz", h.handleHealthz)
	return e
}

// Start launches the HTTP listener in the background.
func (h *HTTP) Start(ctx context.Context) error {
	_ = ctx
	go func() {
		h.echo.Server.ReadTimeout = h.cfg.ReadTimeout
		h.echo.Server.WriteTimeout = h.cfg.WriteTimeout
		h.echo.Server.IdleTimeout = h.cfg.IdleTimeout
		if err := h.echo.Start(h.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("http server stopped", logx.Err(err))
		}
	}()
	h.log.Info("http listening", logx.String("addr", h.cfg.Addr))
	return nil
}

func (h *HTTP) Stop(ctx context.Context) error {
	return h.echo.Shutdown(ctx)
}

type notifyResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (h *HTTP) handleNotify(c echo.Context) error {
	var ev notification.Event
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid payload"})
	}
	out, err := h.eng.Admit(c.Request().Context(), &ev)
	if err != nil {
		return h.admitError(c, err)
	}
	return c.JSON(http.StatusOK, notifyResponse{Status: "ok", ID: ev.ID, Outcome: out.String()})
}

type choiceResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	Choice string `json:"choice"`
}

// handleNotifyInteractive blocks until the user answers or the rendezvous
// bound elapses. Timeout is reported as a normal response, not an error.
func (h *HTTP) handleNotifyInteractive(c echo.Context) error {
	var ev notification.Event
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid payload"})
	}
	choice, err := h.eng.AwaitChoice(c.Request().Context(), &ev)
	if err != nil {
		return h.admitError(c, err)
	}
	return c.JSON(http.StatusOK, choiceResponse{Status: "ok", ID: ev.ID, Choice: choice})
}

type actionRequest struct {
	Action string `json:"action"`
}

func (h *HTTP) handleAction(c echo.Context) error {
	id := c.Param("id")
	var req actionRequest
	if err := c.Bind(&req); err != nil || req.Action == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "action is required"})
	}
	if err := h.eng.Resolve(c.Request().Context(), id, req.Action); err != nil {
		if errors.Is(err, engine.ErrNoPendingChoice) {
			return c.JSON(http.StatusNotFound, errorResponse{Status: "error", Error: "no pending choice"})
		}
		return h.admitError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type dismissRequest struct {
	Advance bool `json:"advance"`
}

func (h *HTTP) handleDismiss(c echo.Context) error {
	var req dismissRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: "invalid payload"})
	}
	if err := h.eng.Dismiss(c.Request().Context(), req.Advance); err != nil {
		return h.admitError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) handleHistory(c echo.Context) error {
	page := atoiDefault(c.QueryParam("page"), 0)
	pageSize := atoiDefault(c.QueryParam("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}

	if q := c.QueryParam("q"); q != "" {
		if h.store == nil {
			return c.JSON(http.StatusOK, []*notification.Event{})
		}
		items, err := h.store.Search(c.Request().Context(), q, pageSize)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Error: "search failed"})
		}
		return c.JSON(http.StatusOK, emptyIfNil(items))
	}

	items, err := h.eng.Recent(c.Request().Context(), page, pageSize)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Error: "history failed"})
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

type statsResponse struct {
	Slot     *engine.SlotInfo            `json:"slot,omitempty"`
	Queued   int                         `json:"queued"`
	Counters engine.Counters             `json:"counters"`
	Total    int64                       `json:"total"`
	ByType   map[notification.Type]int64 `json:"by_type,omitempty"`
}

func (h *HTTP) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	snap, err := h.eng.State(ctx)
	if err != nil {
		return h.admitError(c, err)
	}
	resp := statsResponse{Slot: snap.Slot, Queued: len(snap.Queue), Counters: snap.Counters}
	if h.store != nil {
		if total, err := h.store.Count(ctx); err == nil {
			resp.Total = total
		}
		if byType, err := h.store.CountByType(ctx); err == nil {
			resp.ByType = byType
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *HTTP) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTP) admitError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrBusy):
		return c.JSON(http.StatusTooManyRequests, errorResponse{Status: "error", Error: "engine busy"})
	case errors.Is(err, engine.ErrStopped):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Status: "error", Error: "shutting down"})
	case errors.Is(err, engine.ErrChoiceUnavailable):
		return c.JSON(http.StatusConflict, errorResponse{Status: "error", Error: "duplicate interactive notification"})
	case errors.Is(err, notification.ErrEmptyTitle), errors.Is(err, notification.ErrEmptyMessage):
		return c.JSON(http.StatusBadRequest, errorResponse{Status: "error", Error: err.Error()})
	default:
		h.log.Warn("request failed", logx.Err(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Status: "error", Error: "internal error"})
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func emptyIfNil(items []*notification.Event) []*notification.Event {
	if items == nil {
		return []*notification.Event{}
	}
	return items
}
