// Package engine implements the notification scheduling core: admission
// control (dedup, merge-window collapsing), the bounded priority queue, and
// the single display slot with timer-driven auto-hide and preemption.
//
// All mutable state is owned by one goroutine. Producers submit through a
// bounded channel and never block: a full channel yields ErrBusy. Timers
// carry a generation counter so a late expiry for a slot that has already
// turned over is ignored.
package engine
