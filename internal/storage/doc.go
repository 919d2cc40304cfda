// Package storage persists delivered notifications for the history and
// stats read paths.
//
// Two real drivers are provided: "sqlite" (default) and "file" (append-only
// JSON Lines, dependency-free). Driver "none" disables persistence entirely;
// the engine treats a nil Store as "do not persist" and keeps delivering.
package storage
