package app

import (
	"context"
	"time"

	"keyq/internal/eventbus"
	"keyq/internal/storage"
	"keyq/internal/task/keyed"
	logx "keyq/pkg/logx"
)

const (
	archiveBuffer       = 1024
	archiveWriteTimeout = 2 * time.Second
)

// archiver copies the final snapshot of every retired queue into the store.
// It keeps draining after the app context is cancelled so queues closed
// during shutdown are still recorded; it exits when its subscription closes.
type archiver struct {
	store  storage.Store
	runID  string
	log    logx.Logger
	events <-chan eventbus.Event
	unsub  func()
	done   chan struct{}
}

func newArchiver(bus eventbus.Bus, store storage.Store, runID string, log logx.Logger) *archiver {
	events, unsub := bus.Subscribe(archiveBuffer)
	return &archiver{
		store:  store,
		runID:  runID,
		log:    log,
		events: events,
		unsub:  unsub,
		done:   make(chan struct{}),
	}
}

func (a *archiver) run() {
	defer close(a.done)
	for ev := range a.events {
		rec, ok := a.record(ev)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		err := a.store.AppendRetired(ctx, rec)
		cancel()
		if err != nil {
			a.log.Warn("archive retired queue failed", logx.String("key", rec.Key), logx.Err(err))
		}
	}
}

func (a *archiver) record(ev eventbus.Event) (storage.Record, bool) {
	var reason string
	switch ev.Type {
	case eventbus.QueueEvicted:
		reason = storage.ReasonEvicted
	case eventbus.QueueClosed:
		reason = storage.ReasonClosed
	default:
		return storage.Record{}, false
	}
	snap, ok := ev.Data.(keyed.Snapshot)
	if !ok {
		return storage.Record{}, false
	}
	return storage.Record{RunID: a.runID, Key: ev.Key, Reason: reason, At: ev.Time, Snapshot: snap}, true
}

// stop ends the subscription and waits for buffered events to be written.
func (a *archiver) stop(ctx context.Context) error {
	a.unsub()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
