// Package storage archives the final statistics of retired queues.
//
// Queued work is never persisted; only the snapshot a queue had when the
// sweeper evicted it or the registry closed it. Drivers:
//   - "file": JSON Lines, compacted by retention
//   - "sqlite": SQLite database (modernc.org/sqlite)
package storage
