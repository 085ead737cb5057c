// Package buffer decouples the ingestion request path from durable-store
// write latency with per-tenant write-behind queues. Buffering is in-memory
// and single-process: queued events survive graceful shutdown via a final
// synchronous flush, but not a crash.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"sitepulse/api/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMaxSize is the per-tenant queue length that triggers an
	// asynchronous flush.
	DefaultMaxSize = 500
	// DefaultFlushInterval is the period of the background flush timer.
	DefaultFlushInterval = 2 * time.Second
)

// Sink is the durable store the buffer drains into, with at-least-once
// semantics. The store absorbs replays via its own dedup-key/version
// last-write-wins behavior.
type Sink interface {
	InsertTrackingEvents(ctx context.Context, workspaceID string, events []models.TrackingEvent) error
}

// Buffer holds one ordered event queue per workspace and flushes on size and
// time triggers. At most one store write per workspace is outstanding at any
// time; concurrent flush callers share the in-flight write's result instead
// of issuing a second one.
type Buffer struct {
	sink     Sink
	maxSize  int
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	queues map[string][]models.TrackingEvent

	flights singleflight.Group

	tickerOnce sync.Once
	closeOnce  sync.Once
	stop       chan struct{}
}

func New(sink Sink, maxSize int, interval time.Duration, log zerolog.Logger) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffer{
		sink:     sink,
		maxSize:  maxSize,
		interval: interval,
		log:      log,
		queues:   make(map[string][]models.TrackingEvent),
		stop:     make(chan struct{}),
	}
}

// Enqueue appends one event to its workspace's queue.
func (b *Buffer) Enqueue(event models.TrackingEvent) {
	b.EnqueueBatch([]models.TrackingEvent{event})
}

// EnqueueBatch appends events to their workspace queues, grouping a mixed
// batch by workspace id and preserving order within each group. Any queue
// reaching the size threshold is flushed asynchronously; the background
// flush timer starts the first time any queue becomes non-empty.
func (b *Buffer) EnqueueBatch(events []models.TrackingEvent) {
	if len(events) == 0 {
		return
	}

	full := make(map[string]struct{})

	b.mu.Lock()
	for _, ev := range events {
		q := append(b.queues[ev.WorkspaceID], ev)
		b.queues[ev.WorkspaceID] = q
		if len(q) >= b.maxSize {
			full[ev.WorkspaceID] = struct{}{}
		}
	}
	b.mu.Unlock()

	b.tickerOnce.Do(func() {
		go b.runTicker()
	})

	for workspaceID := range full {
		go func(id string) {
			if err := b.Flush(context.Background(), id); err != nil {
				b.log.Error().Err(err).Str("workspace_id", id).Msg("size-triggered flush failed, events requeued")
			}
		}(workspaceID)
	}
}

// Flush drains the workspace's queue into the sink. A flush already in
// flight for the workspace satisfies this call too: the result of the
// existing write is shared and no second write is issued. On failure the
// drained events are put back at the front of the queue for the next cycle
// and the error is returned to this invocation's caller.
func (b *Buffer) Flush(ctx context.Context, workspaceID string) error {
	b.mu.Lock()
	empty := len(b.queues[workspaceID]) == 0
	b.mu.Unlock()
	if empty {
		return nil
	}

	_, err, _ := b.flights.Do(workspaceID, func() (interface{}, error) {
		return nil, b.flushLocked(ctx, workspaceID)
	})
	return err
}

func (b *Buffer) flushLocked(ctx context.Context, workspaceID string) error {
	b.mu.Lock()
	events := b.queues[workspaceID]
	if len(events) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.queues[workspaceID] = nil
	b.mu.Unlock()

	if err := b.sink.InsertTrackingEvents(ctx, workspaceID, events); err != nil {
		// Requeue at the front so insertion order survives the retry.
		b.mu.Lock()
		b.queues[workspaceID] = append(events, b.queues[workspaceID]...)
		b.mu.Unlock()
		return err
	}

	b.log.Debug().Str("workspace_id", workspaceID).Int("events", len(events)).Msg("flushed buffer")
	return nil
}

// FlushAll flushes every workspace with a queued event. Used by the
// background timer and by shutdown.
func (b *Buffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.queues))
	for id, q := range b.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := b.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size returns the queued event count for one workspace.
func (b *Buffer) Size(workspaceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[workspaceID])
}

// TotalSize returns the queued event count across all workspaces.
func (b *Buffer) TotalSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, q := range b.queues {
		total += len(q)
	}
	return total
}

func (b *Buffer) runTicker() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.FlushAll(context.Background()); err != nil {
				// Failed batches are already requeued; the next tick retries.
				b.log.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Close stops the background timer. Callers should follow with a final
// FlushAll to drain remaining events before process exit.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
}
