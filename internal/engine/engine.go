package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"

	logx "notchd/pkg/logx"

	"notchd/internal/eventbus"
	"notchd/internal/notification"
	"notchd/internal/storage"
)

const (
	defaultQueueCapacity = 10
	defaultDedupWindow   = 5 * time.Minute
	defaultMergeWindow   = 500 * time.Millisecond
	defaultReadCacheSize = 50
	defaultSubmitBuffer  = 256
	defaultSaveTimeout   = 3 * time.Second
)

var (
	// ErrBusy means the submission channel is full. Producers should drop
	// or retry; they are never blocked.
	ErrBusy = errors.New("engine: submission queue full")

	// ErrStopped means the engine is shut down.
	ErrStopped = errors.New("engine: stopped")
)

// Outcome reports what admission did with an event.
type Outcome int

const (
	OutcomeDisplayed Outcome = iota
	OutcomeQueued
	OutcomeMerged
	OutcomeSuppressed
	OutcomePreempted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDisplayed:
		return "displayed"
	case OutcomeQueued:
		return "queued"
	case OutcomeMerged:
		return "merged"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomePreempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	QueueCapacity int
	DedupWindow   time.Duration
	MergeWindow   time.Duration
	ReadCacheSize int
	SubmitBuffer  int
	SaveTimeout   time.Duration

	Durations  DurationConfig
	Rendezvous RendezvousConfig
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.MergeWindow <= 0 {
		c.MergeWindow = defaultMergeWindow
	}
	if c.ReadCacheSize <= 0 {
		c.ReadCacheSize = defaultReadCacheSize
	}
	if c.SubmitBuffer <= 0 {
		c.SubmitBuffer = defaultSubmitBuffer
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = defaultSaveTimeout
	}
	c.Durations.applyDefaults()
	c.Rendezvous.applyDefaults()
}

// SlotEvent is the bus payload for slot lifecycle events.
type SlotEvent struct {
	Event      *notification.Event `json:"event"`
	MergeCount int                 `json:"merge_count,omitempty"`
	Manual     bool                `json:"manual,omitempty"`
	Choice     string              `json:"choice,omitempty"`
}

// SlotInfo describes the currently displayed notification.
type SlotInfo struct {
	Event        *notification.Event `json:"event"`
	DisplayTitle string              `json:"display_title"`
	MergeCount   int                 `json:"merge_count"`
	ShownAt      time.Time           `json:"shown_at"`
	Deadline     time.Time           `json:"deadline"`
}

// Counters accumulate over the engine's lifetime.
type Counters struct {
	Displayed     uint64 `json:"displayed"`
	Queued        uint64 `json:"queued"`
	Merged        uint64 `json:"merged"`
	Suppressed    uint64 `json:"suppressed"`
	Preempted     uint64 `json:"preempted"`
	Evicted       uint64 `json:"evicted"`
	Expired       uint64 `json:"expired"`
	Dismissed     uint64 `json:"dismissed"`
	Resolved      uint64 `json:"resolved"`
	PersistErrors uint64 `json:"persist_errors"`
}

// Snapshot is a point-in-time copy of engine state for the stats read path.
type Snapshot struct {
	Slot     *SlotInfo             `json:"slot,omitempty"`
	Queue    []*notification.Event `json:"queue,omitempty"`
	Counters Counters              `json:"counters"`
}

type activeSlot struct {
	event      *notification.Event
	shownAt    time.Time
	deadline   time.Time
	mergeCount int
	gen        uint64
	timer      *time.Timer
}

type choiceRecord struct {
	done   bool
	choice string
}

type expiry struct{ gen uint64 }

// Engine owns the display slot, the pending queue and the admission state.
type Engine struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store // nil means persistence disabled

	ops      chan func()
	expiries chan expiry
	stop     chan struct{}
	done     chan struct{}

	started  atomic.Bool
	stopOnce sync.Once

	// State below is owned by the run goroutine. No locks.
	slot         *activeSlot
	queue        pendingQueue
	fingerprints *cache.Cache
	lastEventAt  time.Time
	lastSource   string
	recent       []*notification.Event // newest-first, bounded by ReadCacheSize
	waits        map[string]*choiceRecord
	gen          uint64
	counters     Counters
}

// New builds an Engine. store may be nil to disable persistence.
func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Engine{
		cfg:          cfg,
		log:          log.With(logx.String("component", "engine")),
		bus:          bus,
		store:        store,
		ops:          make(chan func(), cfg.SubmitBuffer),
		expiries:     make(chan expiry, 16),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		queue:        newPendingQueue(cfg.QueueCapacity),
		fingerprints: cache.New(cfg.DedupWindow, cfg.DedupWindow),
		waits:        map[string]*choiceRecord{},
	}
}

// Start launches the engine goroutine. Calling Start twice is an error.
func (e *Engine) Start(ctx context.Context) error {
	_ = ctx
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}
	go e.run()
	e.log.Info("engine started",
		logx.Int("queue_capacity", e.cfg.QueueCapacity),
		logx.Duration("dedup_window", e.cfg.DedupWindow),
		logx.Duration("merge_window", e.cfg.MergeWindow),
	)
	return nil
}

// Stop shuts the engine down and waits for the run goroutine to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if !e.started.Load() {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine loop panic", logx.Any("panic", r))
		}
	}()

	for {
		select {
		case op := <-e.ops:
			op()
		case x := <-e.expiries:
			e.onExpire(x.gen)
		case <-e.stop:
			if e.slot != nil && e.slot.timer != nil {
				e.slot.timer.Stop()
			}
			e.fingerprints.Flush()
			return
		}
	}
}

// do runs fn on the engine goroutine and waits for it to complete.
// Used by the blocking control-plane calls (Dismiss, State, Resolve).
func (e *Engine) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	op := func() {
		fn()
		close(ran)
	}
	select {
	case e.ops <- op:
	case <-e.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-e.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit submits an event for delivery. It never blocks on engine load:
// a full submission channel yields ErrBusy immediately.
func (e *Engine) Admit(ctx context.Context, ev *notification.Event) (Outcome, error) {
	if ev == nil {
		return 0, errors.New("engine: nil event")
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	reply := make(chan Outcome, 1)
	op := func() { reply <- e.admit(ev) }
	select {
	case e.ops <- op:
	case <-e.stop:
		return 0, ErrStopped
	default:
		return 0, ErrBusy
	}

	select {
	case out := <-reply:
		return out, nil
	case <-e.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// admit runs on the engine goroutine.
//
// Order matters: dedup first, then merge-window collapsing, then persist,
// then dispatch. The arrival tracker is updated on every path, suppressed
// and merged included; the fingerprint is recorded on every path except
// suppressed, so merged content still dedups later resends.
func (e *Engine) admit(ev *notification.Event) Outcome {
	now := time.Now()

	fp := ev.Fingerprint()
	if _, seen := e.fingerprints.Get(fp); seen {
		e.noteArrival(now, ev.Source())
		e.counters.Suppressed++
		e.log.Debug("suppressed duplicate", logx.String("id", ev.ID), logx.String("title", ev.Title))
		e.publish(eventbus.TypeSuppressed, SlotEvent{Event: ev.Clone()})
		return OutcomeSuppressed
	}

	if e.mergeable(ev, now) {
		e.slot.mergeCount++
		e.noteArrival(now, ev.Source())
		e.fingerprints.Set(fp, now, cache.DefaultExpiration)
		e.counters.Merged++
		e.log.Debug("merged into active",
			logx.String("id", ev.ID),
			logx.String("source", ev.Source()),
			logx.Int("merge_count", e.slot.mergeCount),
		)
		e.publish(eventbus.TypeMerged, SlotEvent{Event: e.slot.event.Clone(), MergeCount: e.slot.mergeCount})
		return OutcomeMerged
	}

	e.noteArrival(now, ev.Source())
	e.fingerprints.Set(fp, now, cache.DefaultExpiration)
	e.persist(ev)

	if e.slot == nil {
		e.display(ev, now)
		return OutcomeDisplayed
	}

	if preempts(ev.Priority, e.slot.event.Priority) {
		old := e.slot.event
		e.slot.timer.Stop()
		e.slot = nil
		if evicted := e.queue.insertFront(old); evicted != nil {
			e.evict(evicted)
		}
		e.display(ev, now)
		e.counters.Preempted++
		e.log.Debug("preempted active",
			logx.String("id", ev.ID),
			logx.String("displaced", old.ID),
		)
		return OutcomePreempted
	}

	if evicted := e.queue.insert(ev); evicted != nil {
		e.evict(evicted)
	}
	e.counters.Queued++
	e.publish(eventbus.TypeQueued, SlotEvent{Event: ev.Clone()})
	return OutcomeQueued
}

// mergeable reports whether ev collapses into the active slot: same
// non-empty source as the previous arrival, within the merge window, and a
// slot is actually displaying.
func (e *Engine) mergeable(ev *notification.Event, now time.Time) bool {
	if e.slot == nil {
		return false
	}
	src := ev.Source()
	if src == "" || src != e.lastSource {
		return false
	}
	return now.Sub(e.lastEventAt) < e.cfg.MergeWindow
}

// preempts: urgent displaces anything non-urgent; high displaces normal and
// low. An urgent active is never displaced.
func preempts(p, active notification.Priority) bool {
	if active == notification.PriorityUrgent {
		return false
	}
	if p == notification.PriorityUrgent {
		return true
	}
	return p == notification.PriorityHigh && active <= notification.PriorityNormal
}

func (e *Engine) noteArrival(now time.Time, source string) {
	e.lastEventAt = now
	e.lastSource = source
}

// persist saves the event and feeds the read cache. Storage failures never
// block delivery.
func (e *Engine) persist(ev *notification.Event) {
	e.cacheRecent(ev)
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SaveTimeout)
	err := e.store.Save(ctx, ev)
	cancel()
	if err != nil {
		e.counters.PersistErrors++
		e.log.Warn("persist failed", logx.String("id", ev.ID), logx.Err(err))
		e.publish(eventbus.TypePersistErr, SlotEvent{Event: ev.Clone()})
	}
}

func (e *Engine) cacheRecent(ev *notification.Event) {
	e.recent = append([]*notification.Event{ev.Clone()}, e.recent...)
	if len(e.recent) > e.cfg.ReadCacheSize {
		e.recent = e.recent[:e.cfg.ReadCacheSize]
	}
}

func (e *Engine) display(ev *notification.Event, now time.Time) {
	e.gen++
	gen := e.gen
	d := displayDuration(e.cfg.Durations, ev)

	slot := &activeSlot{
		event:    ev,
		shownAt:  now,
		deadline: now.Add(d),
		gen:      gen,
	}
	slot.timer = time.AfterFunc(d, func() {
		select {
		case e.expiries <- expiry{gen: gen}:
		case <-e.stop:
		}
	})
	e.slot = slot
	e.counters.Displayed++
	e.log.Debug("displaying",
		logx.String("id", ev.ID),
		logx.String("type", string(ev.Type)),
		logx.String("priority", ev.Priority.String()),
		logx.Duration("duration", d),
	)
	e.publish(eventbus.TypeDisplayed, SlotEvent{Event: ev.Clone()})
}

// onExpire handles an auto-hide timer firing. Stale generations are ignored:
// the slot they belonged to has already turned over.
func (e *Engine) onExpire(gen uint64) {
	if e.slot == nil || e.slot.gen != gen {
		return
	}
	// An interactive notification with an unresolved choice holds the slot.
	if rec, ok := e.waits[e.slot.event.ID]; ok && !rec.done {
		e.rearmSlot()
		return
	}
	e.clearSlot()
	e.counters.Expired++
	e.publish(eventbus.TypeDismissed, SlotEvent{Event: nil, Manual: false})
	e.advance()
}

// rearmSlot extends the active interactive notification for another full
// interactive period under a fresh generation.
func (e *Engine) rearmSlot() {
	slot := e.slot
	e.gen++
	gen := e.gen
	d := e.cfg.Durations.Interactive
	slot.gen = gen
	slot.deadline = time.Now().Add(d)
	slot.timer = time.AfterFunc(d, func() {
		select {
		case e.expiries <- expiry{gen: gen}:
		case <-e.stop:
		}
	})
}

func (e *Engine) clearSlot() {
	if e.slot == nil {
		return
	}
	e.slot.timer.Stop()
	e.slot = nil
}

// advance promotes the queue head into the slot, if any.
func (e *Engine) advance() {
	if next := e.queue.popHead(); next != nil {
		e.display(next, time.Now())
	}
}

func (e *Engine) evict(ev *notification.Event) {
	e.counters.Evicted++
	e.log.Debug("evicted from queue", logx.String("id", ev.ID), logx.String("priority", ev.Priority.String()))
	e.publish(eventbus.TypeEvicted, SlotEvent{Event: ev.Clone()})
}

func (e *Engine) publish(typ string, data SlotEvent) {
	e.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Dismiss manually clears the display slot. With advance true the queue head
// is promoted immediately; with false the slot stays empty until the next
// arrival or expiry.
func (e *Engine) Dismiss(ctx context.Context, advance bool) error {
	return e.do(ctx, func() {
		if e.slot == nil {
			return
		}
		ev := e.slot.event
		e.clearSlot()
		e.counters.Dismissed++
		e.publish(eventbus.TypeDismissed, SlotEvent{Event: ev.Clone(), Manual: true})
		if advance {
			e.advance()
		}
	})
}

// State returns a point-in-time snapshot of the slot, queue and counters.
func (e *Engine) State(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.do(ctx, func() {
		snap.Counters = e.counters
		snap.Queue = e.queue.snapshot()
		if e.slot != nil {
			title := e.slot.event.Title
			if e.slot.mergeCount > 0 {
				title = fmt.Sprintf("%s (%d)", title, e.slot.mergeCount+1)
			}
			snap.Slot = &SlotInfo{
				Event:        e.slot.event.Clone(),
				DisplayTitle: title,
				MergeCount:   e.slot.mergeCount,
				ShownAt:      e.slot.shownAt,
				Deadline:     e.slot.deadline,
			}
		}
	})
	return snap, err
}

// Recent serves the history read path. Page zero is answered from the
// in-memory cache when it holds enough entries; everything else goes to the
// store. Without a store only the cache is available.
func (e *Engine) Recent(ctx context.Context, page, pageSize int) ([]*notification.Event, error) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	if page == 0 {
		var cached []*notification.Event
		if err := e.do(ctx, func() {
			cached = make([]*notification.Event, len(e.recent))
			for i, ev := range e.recent {
				cached[i] = ev.Clone()
			}
		}); err != nil {
			return nil, err
		}
		if len(cached) >= pageSize {
			return cached[:pageSize], nil
		}
		if e.store == nil {
			return cached, nil
		}
	}
	if e.store == nil {
		return nil, nil
	}
	return e.store.List(ctx, page, pageSize)
}
