package feedback

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/engine"
	"notchd/internal/eventbus"
	"notchd/internal/notification"
)

func TestDispatchOnDisplayed(t *testing.T) {
	bus := eventbus.New()
	s := New(Config{Enabled: true, Command: "true"}, bus, logx.Nop())

	var (
		mu   sync.Mutex
		seen []string
	)
	s.runner = func(ctx context.Context, command string, data engine.SlotEvent) error {
		mu.Lock()
		seen = append(seen, data.Event.ID)
		mu.Unlock()
		return nil
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	ev := notification.New(notification.TypeInfo, notification.PriorityNormal, "t", "m")
	bus.Publish(eventbus.Event{Type: eventbus.TypeDisplayed, Data: engine.SlotEvent{Event: ev}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeQueued, Data: engine.SlotEvent{Event: ev}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("runner never called")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Give the queued event a chance to (wrongly) dispatch.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != ev.ID {
		t.Fatalf("runner calls = %v, want exactly one for the displayed event", seen)
	}
}

func TestDisabledServiceIsInert(t *testing.T) {
	bus := eventbus.New()
	s := New(Config{Enabled: false}, bus, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
