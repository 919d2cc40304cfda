package engine

import (
	"context"
	"errors"
	"time"

	logx "notchd/pkg/logx"

	"notchd/internal/eventbus"
	"notchd/internal/notification"
)

// ChoiceTimeout is returned by AwaitChoice when the user never answered
// within the polling bound.
const ChoiceTimeout = "timeout"

// ErrNoPendingChoice means Resolve was called for an id with no outstanding
// (or an already answered) choice.
var ErrNoPendingChoice = errors.New("engine: no pending choice")

// ErrChoiceUnavailable means the interactive notification was collapsed by
// dedup or merging, so it will never be displayed and no choice can arrive.
var ErrChoiceUnavailable = errors.New("engine: interactive notification not displayed")

// RendezvousConfig bounds the blocking wait for an interactive choice.
type RendezvousConfig struct {
	PollInterval time.Duration
	PollMax      int
}

func (c *RendezvousConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 50
	}
}

// AwaitChoice displays an interactive notification at urgent priority and
// blocks the caller until the user picks an action, the polling bound is
// reached (ChoiceTimeout), or ctx is cancelled.
//
// The wait is a bounded poll, not a wakeup: the caller checks once per
// interval, at most PollMax times. While the choice is outstanding the
// displayed notification keeps re-arming its hide timer.
func (e *Engine) AwaitChoice(ctx context.Context, ev *notification.Event) (string, error) {
	if ev == nil {
		return "", errors.New("engine: nil event")
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return "", err
	}
	ev.Priority = notification.PriorityUrgent
	if len(ev.Actions) == 0 && ev.Type != notification.TypeConfirmation {
		ev.Type = notification.TypeConfirmation
	}

	if err := e.do(ctx, func() {
		e.waits[ev.ID] = &choiceRecord{}
	}); err != nil {
		return "", err
	}

	out, err := e.Admit(ctx, ev)
	if err != nil {
		_ = e.forgetWait(context.Background(), ev.ID)
		return "", err
	}
	// A suppressed or merged interactive event holds no slot and cannot be
	// answered; polling for it would just burn the full bound.
	if out == OutcomeSuppressed || out == OutcomeMerged {
		_ = e.forgetWait(context.Background(), ev.ID)
		return "", ErrChoiceUnavailable
	}

	timer := time.NewTimer(e.cfg.Rendezvous.PollInterval)
	defer timer.Stop()

	for i := 0; i < e.cfg.Rendezvous.PollMax; i++ {
		select {
		case <-ctx.Done():
			_ = e.forgetWait(context.Background(), ev.ID)
			return "", ctx.Err()
		case <-e.stop:
			return "", ErrStopped
		case <-timer.C:
		}

		choice, resolved, err := e.takeResolution(ctx, ev.ID)
		if err != nil {
			return "", err
		}
		if resolved {
			return choice, nil
		}
		timer.Reset(e.cfg.Rendezvous.PollInterval)
	}

	_ = e.forgetWait(ctx, ev.ID)
	e.log.Debug("choice timed out", logx.String("id", ev.ID))
	return ChoiceTimeout, nil
}

// Resolve records the user's answer for an outstanding choice. The first
// answer wins; later calls and unknown ids get ErrNoPendingChoice. If the
// notification still holds the display slot it is dismissed and the queue
// advances.
func (e *Engine) Resolve(ctx context.Context, id, choice string) error {
	var rerr error
	err := e.do(ctx, func() {
		rec, ok := e.waits[id]
		if !ok || rec.done {
			rerr = ErrNoPendingChoice
			return
		}
		rec.done = true
		rec.choice = choice
		e.counters.Resolved++
		e.log.Info("choice resolved", logx.String("id", id), logx.String("choice", choice))
		e.publish(eventbus.TypeResolved, SlotEvent{Choice: choice})
		e.dismissIfActive(id)
	})
	if err != nil {
		return err
	}
	return rerr
}

// takeResolution checks for an answer and consumes the record when found.
func (e *Engine) takeResolution(ctx context.Context, id string) (string, bool, error) {
	var (
		choice   string
		resolved bool
	)
	err := e.do(ctx, func() {
		rec, ok := e.waits[id]
		if !ok || !rec.done {
			return
		}
		choice = rec.choice
		resolved = true
		delete(e.waits, id)
	})
	return choice, resolved, err
}

// forgetWait drops an outstanding record after timeout or cancellation and
// releases the slot if this notification is still displayed.
func (e *Engine) forgetWait(ctx context.Context, id string) error {
	return e.do(ctx, func() {
		delete(e.waits, id)
		e.dismissIfActive(id)
	})
}

func (e *Engine) dismissIfActive(id string) {
	if e.slot == nil || e.slot.event.ID != id {
		return
	}
	ev := e.slot.event
	e.clearSlot()
	e.publish(eventbus.TypeDismissed, SlotEvent{Event: ev.Clone(), Manual: false})
	e.advance()
}
