// Package server exposes the two producer surfaces: a unix domain socket
// accepting one JSON notification per connection, and a localhost HTTP API
// for submission, interactive choices, history and stats.
//
// Both surfaces validate and default payloads, then funnel into the engine's
// single Admit entry point.
package server
