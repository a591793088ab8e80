// Package keyed schedules asynchronous work on per-key priority queues.
//
// Every key gets its own Queue with exactly one worker goroutine, so work
// submitted under the same key runs strictly one at a time, highest priority
// first and FIFO among equal priorities. Different keys run in parallel.
//
// The Registry creates queues on first use and an idle sweeper retires empty
// queues that have not processed anything for a while. Statistics are kept per
// key and per priority level and are read through detached snapshots.
package keyed
