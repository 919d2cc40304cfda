package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/notification"
	"notchd/internal/storage"
)

// memStore is an in-memory storage.Store for tests.
type memStore struct {
	mu       sync.Mutex
	saves    []*notification.Event
	failSave bool
}

func (m *memStore) Save(ctx context.Context, ev *notification.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk on fire")
	}
	m.saves = append(m.saves, ev.Clone())
	return nil
}

func (m *memStore) List(ctx context.Context, page, pageSize int) ([]*notification.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*notification.Event, len(m.saves))
	copy(out, m.saves)
	return out, nil
}

func (m *memStore) Search(ctx context.Context, q string, limit int) ([]*notification.Event, error) {
	return nil, nil
}
func (m *memStore) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.saves)), nil
}
func (m *memStore) CountByType(ctx context.Context) (map[notification.Type]int64, error) {
	return nil, nil
}
func (m *memStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}
func (m *memStore) Close() error { return nil }

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func newTestEngine(t *testing.T, cfg Config, store storage.Store) *Engine {
	t.Helper()
	e := New(cfg, store, nil, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ev(id, title string, p notification.Priority) *notification.Event {
	return &notification.Event{
		ID:       id,
		Title:    title,
		Message:  "msg " + title,
		Type:     notification.TypeInfo,
		Priority: p,
	}
}

func mustAdmit(t *testing.T, e *Engine, n *notification.Event) Outcome {
	t.Helper()
	out, err := e.Admit(context.Background(), n)
	if err != nil {
		t.Fatalf("Admit(%s): %v", n.ID, err)
	}
	return out
}

func TestAdmitDisplaysWhenIdle(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	if out := mustAdmit(t, e, ev("a", "hello", notification.PriorityNormal)); out != OutcomeDisplayed {
		t.Fatalf("outcome = %s, want displayed", out)
	}
	snap, err := e.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.Slot == nil || snap.Slot.Event.ID != "a" {
		t.Fatalf("slot = %+v, want event a", snap.Slot)
	}
	if len(snap.Queue) != 0 {
		t.Fatalf("queue depth = %d, want 0", len(snap.Queue))
	}
}

func TestDuplicateSuppressedAndPersistedOnce(t *testing.T) {
	st := &memStore{}
	e := newTestEngine(t, Config{}, st)

	first := ev("a", "build done", notification.PriorityNormal)
	dup := ev("b", "build done", notification.PriorityNormal)
	dup.Message = first.Message // identical fingerprint, distinct id

	if out := mustAdmit(t, e, first); out != OutcomeDisplayed {
		t.Fatalf("first outcome = %s, want displayed", out)
	}
	if out := mustAdmit(t, e, dup); out != OutcomeSuppressed {
		t.Fatalf("dup outcome = %s, want suppressed", out)
	}
	if n := st.saveCount(); n != 1 {
		t.Fatalf("saved %d events, want 1", n)
	}
	snap, _ := e.State(context.Background())
	if snap.Counters.Suppressed != 1 {
		t.Fatalf("suppressed counter = %d, want 1", snap.Counters.Suppressed)
	}
}

func TestMergeWindowCollapsesSameSource(t *testing.T) {
	cfg := Config{MergeWindow: 2 * time.Second}
	e := newTestEngine(t, cfg, nil)

	mk := func(id, title string) *notification.Event {
		n := ev(id, title, notification.PriorityNormal)
		return n.WithMeta(notification.MetaSource, "builder")
	}

	if out := mustAdmit(t, e, mk("a", "step 1")); out != OutcomeDisplayed {
		t.Fatalf("first = %s, want displayed", out)
	}
	if out := mustAdmit(t, e, mk("b", "step 2")); out != OutcomeMerged {
		t.Fatalf("second = %s, want merged", out)
	}
	if out := mustAdmit(t, e, mk("c", "step 3")); out != OutcomeMerged {
		t.Fatalf("third = %s, want merged", out)
	}

	snap, _ := e.State(context.Background())
	if snap.Slot == nil || snap.Slot.MergeCount != 2 {
		t.Fatalf("slot = %+v, want merge count 2", snap.Slot)
	}
	if snap.Slot.DisplayTitle != "step 1 (3)" {
		t.Fatalf("display title = %q, want %q", snap.Slot.DisplayTitle, "step 1 (3)")
	}
	if len(snap.Queue) != 0 {
		t.Fatalf("queue depth = %d, want 0", len(snap.Queue))
	}
}

func TestMergedContentIsFingerprinted(t *testing.T) {
	st := &memStore{}
	e := newTestEngine(t, Config{MergeWindow: 2 * time.Second}, st)

	a := ev("a", "step 1", notification.PriorityNormal).WithMeta(notification.MetaSource, "builder")
	b := ev("b", "step 2", notification.PriorityNormal).WithMeta(notification.MetaSource, "builder")
	mustAdmit(t, e, a)
	if out := mustAdmit(t, e, b); out != OutcomeMerged {
		t.Fatalf("second = %s, want merged", out)
	}

	// Same content as the merged event, different producer: still a duplicate
	// within the dedup window.
	c := ev("c", "step 2", notification.PriorityNormal).WithMeta(notification.MetaSource, "other")
	if out := mustAdmit(t, e, c); out != OutcomeSuppressed {
		t.Fatalf("resend of merged content = %s, want suppressed", out)
	}
	if n := st.saveCount(); n != 1 {
		t.Fatalf("saved %d events, want 1", n)
	}
}

func TestDedupWindowExpiryAllowsResend(t *testing.T) {
	st := &memStore{}
	cfg := Config{
		DedupWindow: 20 * time.Millisecond,
		Durations: DurationConfig{
			Low: 50 * time.Millisecond, Normal: 50 * time.Millisecond,
			High: 50 * time.Millisecond, Urgent: 50 * time.Millisecond,
			CharsPerExtra: 1 << 20,
		},
	}
	e := newTestEngine(t, cfg, st)

	mustAdmit(t, e, ev("a", "ping", notification.PriorityNormal))
	waitFor(t, "first display to expire past the dedup window", func() bool {
		snap, err := e.State(context.Background())
		return err == nil && snap.Slot == nil
	})

	// Identical content after the window: an independent event, not a dup.
	if out := mustAdmit(t, e, ev("b", "ping", notification.PriorityNormal)); out != OutcomeDisplayed {
		t.Fatalf("resend outcome = %s, want displayed", out)
	}
	if n := st.saveCount(); n != 2 {
		t.Fatalf("saved %d events, want 2", n)
	}
}

func TestDifferentSourceDoesNotMerge(t *testing.T) {
	cfg := Config{MergeWindow: 2 * time.Second}
	e := newTestEngine(t, cfg, nil)

	a := ev("a", "one", notification.PriorityNormal).WithMeta(notification.MetaSource, "x")
	b := ev("b", "two", notification.PriorityNormal).WithMeta(notification.MetaSource, "y")

	mustAdmit(t, e, a)
	if out := mustAdmit(t, e, b); out != OutcomeQueued {
		t.Fatalf("outcome = %s, want queued", out)
	}
}

func TestPreemptionPushesActiveToQueueFront(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("normal", "n", notification.PriorityNormal))
	if out := mustAdmit(t, e, ev("urgent", "u", notification.PriorityUrgent)); out != OutcomePreempted {
		t.Fatalf("outcome = %s, want preempted", out)
	}

	snap, _ := e.State(context.Background())
	if snap.Slot == nil || snap.Slot.Event.ID != "urgent" {
		t.Fatalf("slot = %+v, want urgent", snap.Slot)
	}
	if len(snap.Queue) != 1 || snap.Queue[0].ID != "normal" {
		t.Fatalf("queue = %+v, want [normal] at front", snap.Queue)
	}
}

func TestUrgentActiveIsNeverDisplaced(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("u1", "first", notification.PriorityUrgent))
	if out := mustAdmit(t, e, ev("u2", "second", notification.PriorityUrgent)); out != OutcomeQueued {
		t.Fatalf("outcome = %s, want queued", out)
	}
	snap, _ := e.State(context.Background())
	if snap.Slot.Event.ID != "u1" {
		t.Fatalf("slot = %s, want u1", snap.Slot.Event.ID)
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	e := newTestEngine(t, Config{QueueCapacity: 3}, nil)

	mustAdmit(t, e, ev("active", "t0", notification.PriorityNormal))
	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		mustAdmit(t, e, ev(id, "t"+id, notification.PriorityNormal))
	}

	snap, _ := e.State(context.Background())
	if len(snap.Queue) != 3 {
		t.Fatalf("queue depth = %d, want 3", len(snap.Queue))
	}
	if snap.Counters.Evicted != 1 {
		t.Fatalf("evicted counter = %d, want 1", snap.Counters.Evicted)
	}
	// FIFO among equals: q4 arrived last at equal priority, so it was evicted.
	for _, it := range snap.Queue {
		if it.ID == "q4" {
			t.Fatalf("q4 should have been evicted, queue = %v", ids(snap.Queue))
		}
	}
}

func TestExpiryAdvancesQueue(t *testing.T) {
	cfg := Config{
		Durations: DurationConfig{
			Low: 20 * time.Millisecond, Normal: 20 * time.Millisecond,
			High: 20 * time.Millisecond, Urgent: 20 * time.Millisecond,
			CharsPerExtra: 1 << 20,
		},
	}
	e := newTestEngine(t, cfg, nil)

	mustAdmit(t, e, ev("first", "one", notification.PriorityNormal))
	mustAdmit(t, e, ev("second", "two", notification.PriorityNormal))

	waitFor(t, "second notification to take the slot", func() bool {
		snap, err := e.State(context.Background())
		return err == nil && snap.Slot != nil && snap.Slot.Event.ID == "second"
	})
	waitFor(t, "slot to clear after second expiry", func() bool {
		snap, err := e.State(context.Background())
		return err == nil && snap.Slot == nil
	})
}

func TestStaleTimerGenerationIgnored(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("a", "one", notification.PriorityNormal))
	if err := e.Dismiss(context.Background(), false); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	mustAdmit(t, e, ev("b", "two", notification.PriorityNormal))

	// Replay the first display's expiry. Its generation is stale and must
	// not clear the current slot.
	e.expiries <- expiry{gen: 1}

	time.Sleep(50 * time.Millisecond)
	snap, _ := e.State(context.Background())
	if snap.Slot == nil || snap.Slot.Event.ID != "b" {
		t.Fatalf("slot = %+v, want b still displayed", snap.Slot)
	}
}

func TestDismissAdvance(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("a", "one", notification.PriorityNormal))
	mustAdmit(t, e, ev("b", "two", notification.PriorityNormal))

	if err := e.Dismiss(context.Background(), true); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	snap, _ := e.State(context.Background())
	if snap.Slot == nil || snap.Slot.Event.ID != "b" {
		t.Fatalf("slot = %+v, want b promoted", snap.Slot)
	}
}

func TestDismissWithoutAdvanceLeavesSlotEmpty(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("a", "one", notification.PriorityNormal))
	mustAdmit(t, e, ev("b", "two", notification.PriorityNormal))

	if err := e.Dismiss(context.Background(), false); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	snap, _ := e.State(context.Background())
	if snap.Slot != nil {
		t.Fatalf("slot = %+v, want empty", snap.Slot)
	}
	if len(snap.Queue) != 1 {
		t.Fatalf("queue depth = %d, want 1", len(snap.Queue))
	}
}

func TestAdmitErrBusyWhenSubmitChannelFull(t *testing.T) {
	// Engine deliberately not started: nothing drains the channel.
	e := New(Config{SubmitBuffer: 1}, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Admit(ctx, ev("a", "one", notification.PriorityNormal)); !errors.Is(err, context.Canceled) {
		t.Fatalf("first Admit err = %v, want context.Canceled", err)
	}
	if _, err := e.Admit(ctx, ev("b", "two", notification.PriorityNormal)); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Admit err = %v, want ErrBusy", err)
	}
}

func TestPersistFailureDoesNotBlockDelivery(t *testing.T) {
	st := &memStore{failSave: true}
	e := newTestEngine(t, Config{}, st)

	if out := mustAdmit(t, e, ev("a", "one", notification.PriorityNormal)); out != OutcomeDisplayed {
		t.Fatalf("outcome = %s, want displayed", out)
	}
	snap, _ := e.State(context.Background())
	if snap.Counters.PersistErrors != 1 {
		t.Fatalf("persist errors = %d, want 1", snap.Counters.PersistErrors)
	}
}

func TestRecentServedFromCacheWithoutStore(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	mustAdmit(t, e, ev("a", "one", notification.PriorityNormal))
	mustAdmit(t, e, ev("b", "two", notification.PriorityNormal))
	mustAdmit(t, e, ev("c", "three", notification.PriorityNormal))

	got, err := e.Recent(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("recent = %v, want %v", ids(got), want)
		}
	}
}

func TestValidationRejectsEmptyFields(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	_, err := e.Admit(context.Background(), &notification.Event{Title: "t"})
	if !errors.Is(err, notification.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	_, err = e.Admit(context.Background(), &notification.Event{Message: "m"})
	if !errors.Is(err, notification.ErrEmptyTitle) {
		t.Fatalf("err = %v, want ErrEmptyTitle", err)
	}
}

func TestAwaitChoiceResolved(t *testing.T) {
	cfg := Config{Rendezvous: RendezvousConfig{PollInterval: 10 * time.Millisecond, PollMax: 100}}
	e := newTestEngine(t, cfg, nil)

	n := ev("choice-1", "deploy?", notification.PriorityNormal)
	n.Actions = []notification.Action{{Label: "Yes", Action: "yes"}, {Label: "No", Action: "no"}}

	type result struct {
		choice string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := e.AwaitChoice(context.Background(), n)
		resCh <- result{c, err}
	}()

	// The record is registered before Admit returns inside AwaitChoice;
	// retry until it is visible.
	waitFor(t, "resolve to land", func() bool {
		return e.Resolve(context.Background(), "choice-1", "yes") == nil
	})

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("AwaitChoice: %v", r.err)
		}
		if r.choice != "yes" {
			t.Fatalf("choice = %q, want yes", r.choice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitChoice did not return")
	}

	// The record is consumed: a second resolve has nothing to hit.
	if err := e.Resolve(context.Background(), "choice-1", "no"); !errors.Is(err, ErrNoPendingChoice) {
		t.Fatalf("second resolve err = %v, want ErrNoPendingChoice", err)
	}
}

func TestAwaitChoiceTimeout(t *testing.T) {
	cfg := Config{Rendezvous: RendezvousConfig{PollInterval: 10 * time.Millisecond, PollMax: 3}}
	e := newTestEngine(t, cfg, nil)

	n := ev("choice-2", "confirm?", notification.PriorityNormal)
	n.Actions = []notification.Action{{Label: "OK", Action: "ok"}}

	choice, err := e.AwaitChoice(context.Background(), n)
	if err != nil {
		t.Fatalf("AwaitChoice: %v", err)
	}
	if choice != ChoiceTimeout {
		t.Fatalf("choice = %q, want %q", choice, ChoiceTimeout)
	}
	// Timeout releases the slot.
	snap, _ := e.State(context.Background())
	if snap.Slot != nil {
		t.Fatalf("slot = %+v, want released after timeout", snap.Slot)
	}
}

func TestAwaitChoiceDuplicateFailsFast(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	first := ev("a", "deploy?", notification.PriorityNormal)
	first.Actions = []notification.Action{{Label: "Yes", Action: "yes"}}
	mustAdmit(t, e, first)

	dup := ev("b", "deploy?", notification.PriorityNormal)
	dup.Actions = []notification.Action{{Label: "Yes", Action: "yes"}}

	start := time.Now()
	_, err := e.AwaitChoice(context.Background(), dup)
	if !errors.Is(err, ErrChoiceUnavailable) {
		t.Fatalf("err = %v, want ErrChoiceUnavailable", err)
	}
	// Suppressed duplicates must not poll the full rendezvous bound.
	if time.Since(start) > time.Second {
		t.Fatal("AwaitChoice polled instead of failing fast")
	}
	// The abandoned record cannot be resolved later.
	if err := e.Resolve(context.Background(), "b", "yes"); !errors.Is(err, ErrNoPendingChoice) {
		t.Fatalf("resolve err = %v, want ErrNoPendingChoice", err)
	}
}

func TestResolveUnknownID(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	if err := e.Resolve(context.Background(), "nope", "yes"); !errors.Is(err, ErrNoPendingChoice) {
		t.Fatalf("err = %v, want ErrNoPendingChoice", err)
	}
}
