// Package notification defines the event model shared by the producers,
// the scheduling engine, and the repository.
//
// An Event is an immutable value: producers build it, the engine consumes it
// exactly once. Mutable display state (merge counters, deadlines) lives in the
// engine, never on the Event itself.
package notification

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type categorizes a notification. The set is closed; producers sending an
// unknown type get TypeInfo after Normalize().
type Type string

const (
	TypeInfo         Type = "info"
	TypeSuccess      Type = "success"
	TypeWarning      Type = "warning"
	TypeError        Type = "error"
	TypeToolUse      Type = "tool_use"
	TypeAI           Type = "ai"
	TypeSync         Type = "sync"
	TypeDownload     Type = "download"
	TypeReminder     Type = "reminder"
	TypeCelebration  Type = "celebration"
	TypeConfirmation Type = "confirmation"
	TypePreview      Type = "preview"
)

var knownTypes = map[Type]struct{}{
	TypeInfo: {}, TypeSuccess: {}, TypeWarning: {}, TypeError: {},
	TypeToolUse: {}, TypeAI: {}, TypeSync: {}, TypeDownload: {},
	TypeReminder: {}, TypeCelebration: {}, TypeConfirmation: {}, TypePreview: {},
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority is an ordinal urgency level.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Clamp forces p into the valid 0..3 range.
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

// Metadata keys understood by the engine. Producers may attach arbitrary
// additional keys; these are the ones with behavioral meaning.
const (
	MetaSource    = "source"     // logical producer identity, used for merge-window collapsing
	MetaProject   = "project"    // originating project name (informational)
	MetaDiffPath  = "diff_path"  // path to a generated diff preview file
	MetaIsPreview = "is_preview" // "true" marks a diff/preview payload (short display)
)

// Action describes one user-selectable choice on an actionable notification.
type Action struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	Style  string `json:"style,omitempty"`
}

// Event is a single notification as consumed by the engine.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Type      Type              `json:"type"`
	Priority  Priority          `json:"priority"`
	Icon      string            `json:"icon,omitempty"`
	Actions   []Action          `json:"actions,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

var (
	ErrEmptyTitle   = errors.New("notification: empty title")
	ErrEmptyMessage = errors.New("notification: empty message")
)

// New builds an Event with a fresh ID and timestamp.
func New(t Type, p Priority, title, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Title:     title,
		Message:   message,
		Type:      t,
		Priority:  p.Clamp(),
	}
}

// WithMeta attaches a metadata key and returns the event for chaining.
func (e *Event) WithMeta(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Normalize fills defaults on a producer-supplied event: missing ID and
// timestamp are assigned, unknown types collapse to info, priority is clamped.
func (e *Event) Normalize() {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !e.Type.Valid() {
		e.Type = TypeInfo
	}
	e.Priority = e.Priority.Clamp()
}

// Validate rejects events a producer must not hand to the engine.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return ErrEmptyTitle
	}
	if strings.TrimSpace(e.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Fingerprint is the dedup identity of an event: same type, title and message
// within the dedup window means "the same notification".
func (e *Event) Fingerprint() string {
	return string(e.Type) + "|" + e.Title + "|" + e.Message
}

// Source returns the logical producer identity used for merge tracking,
// or "" when the producer did not identify itself.
func (e *Event) Source() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetaSource]
}

// IsInteractive reports whether the event awaits a user choice.
func (e *Event) IsInteractive() bool {
	return e.Type == TypeConfirmation || len(e.Actions) > 0
}

// IsPreview reports whether the event carries a diff/preview payload.
func (e *Event) IsPreview() bool {
	if e.Type == TypePreview {
		return true
	}
	if e.Metadata == nil {
		return false
	}
	return e.Metadata[MetaIsPreview] == "true"
}

// Clone returns a deep copy. The engine hands clones to the bus and the read
// cache so later map mutations by the caller cannot race.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Actions != nil {
		cp.Actions = append([]Action(nil), e.Actions...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
