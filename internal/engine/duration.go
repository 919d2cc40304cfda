package engine

import (
	"time"

	"notchd/internal/notification"
)

// DurationConfig controls how long a notification holds the display slot.
type DurationConfig struct {
	Low    time.Duration
	Normal time.Duration
	High   time.Duration
	Urgent time.Duration

	// Long messages earn extra time: one extra second per CharsPerExtra
	// message characters, capped at MaxExtra.
	CharsPerExtra int
	MaxExtra      time.Duration

	// Fixed overrides. Interactive notifications wait on a user choice;
	// preview/diff payloads flash briefly.
	Interactive time.Duration
	Preview     time.Duration
}

func (d *DurationConfig) applyDefaults() {
	if d.Low <= 0 {
		d.Low = 3 * time.Second
	}
	if d.Normal <= 0 {
		d.Normal = 5 * time.Second
	}
	if d.High <= 0 {
		d.High = 8 * time.Second
	}
	if d.Urgent <= 0 {
		d.Urgent = 12 * time.Second
	}
	if d.CharsPerExtra <= 0 {
		d.CharsPerExtra = 80
	}
	if d.MaxExtra <= 0 {
		d.MaxExtra = 10 * time.Second
	}
	if d.Interactive <= 0 {
		d.Interactive = 30 * time.Second
	}
	if d.Preview <= 0 {
		d.Preview = 2 * time.Second
	}
}

// displayDuration computes the auto-hide deadline offset for ev.
//
// Overrides win over the per-priority base: interactive events always get the
// fixed long duration, preview payloads the fixed short one.
func displayDuration(cfg DurationConfig, ev *notification.Event) time.Duration {
	if ev.IsInteractive() {
		return cfg.Interactive
	}
	if ev.IsPreview() {
		return cfg.Preview
	}

	var base time.Duration
	switch ev.Priority {
	case notification.PriorityUrgent:
		base = cfg.Urgent
	case notification.PriorityHigh:
		base = cfg.High
	case notification.PriorityNormal:
		base = cfg.Normal
	default:
		base = cfg.Low
	}

	extra := time.Duration(len(ev.Message)/cfg.CharsPerExtra) * time.Second
	if extra > cfg.MaxExtra {
		extra = cfg.MaxExtra
	}
	return base + extra
}
