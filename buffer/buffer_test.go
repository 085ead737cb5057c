package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sitepulse/api/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type insertCall struct {
	workspaceID string
	events      []models.TrackingEvent
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []insertCall
	err     error
	block   chan struct{}
	started chan struct{}
}

func (s *fakeSink) InsertTrackingEvents(_ context.Context, workspaceID string, events []models.TrackingEvent) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	copied := make([]models.TrackingEvent, len(events))
	copy(copied, events)
	s.calls = append(s.calls, insertCall{workspaceID: workspaceID, events: copied})
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func event(workspaceID, dedup string) models.TrackingEvent {
	return models.TrackingEvent{WorkspaceID: workspaceID, DedupKey: dedup}
}

func newTestBuffer(sink Sink, maxSize int) *Buffer {
	// A long interval keeps the background timer out of these tests.
	return New(sink, maxSize, time.Hour, zerolog.Nop())
}

func TestFlush_EmptyQueueIsNoop(t *testing.T) {
	sink := &fakeSink{}
	b := newTestBuffer(sink, 10)

	require.NoError(t, b.Flush(context.Background(), "ws-1"))
	assert.Zero(t, sink.callCount())
}

func TestFlush_DrainsInInsertionOrder(t *testing.T) {
	sink := &fakeSink{}
	b := newTestBuffer(sink, 100)

	for i := 0; i < 5; i++ {
		b.Enqueue(event("ws-1", fmt.Sprintf("e%d", i)))
	}
	require.NoError(t, b.Flush(context.Background(), "ws-1"))

	require.Equal(t, 1, sink.callCount())
	require.Len(t, sink.calls[0].events, 5)
	for i, ev := range sink.calls[0].events {
		assert.Equal(t, fmt.Sprintf("e%d", i), ev.DedupKey)
	}
	assert.Zero(t, b.Size("ws-1"))
}

func TestEnqueue_SizeTriggerFlushesFullBatch(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 500, time.Hour, zerolog.Nop())

	events := make([]models.TrackingEvent, 500)
	for i := range events {
		events[i] = event("ws-1", fmt.Sprintf("e%d", i))
	}
	b.EnqueueBatch(events)

	require.Eventually(t, func() bool {
		return sink.callCount() == 1 && b.Size("ws-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, sink.calls[0].events, 500)
}

func TestEnqueueBatch_GroupsMixedWorkspaces(t *testing.T) {
	sink := &fakeSink{}
	b := newTestBuffer(sink, 100)

	b.EnqueueBatch([]models.TrackingEvent{
		event("ws-a", "a1"),
		event("ws-b", "b1"),
		event("ws-a", "a2"),
	})

	assert.Equal(t, 2, b.Size("ws-a"))
	assert.Equal(t, 1, b.Size("ws-b"))
	assert.Equal(t, 3, b.TotalSize())

	require.NoError(t, b.FlushAll(context.Background()))
	assert.Equal(t, 2, sink.callCount())
	assert.Zero(t, b.TotalSize())
}

func TestFlush_ConcurrentCallersShareOneWrite(t *testing.T) {
	sink := &fakeSink{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	b := newTestBuffer(sink, 100)

	b.Enqueue(event("ws-1", "e1"))

	results := make(chan error, 2)
	go func() { results <- b.Flush(context.Background(), "ws-1") }()

	// Wait until the first write is in flight, then pile on a second caller.
	<-sink.started
	go func() { results <- b.Flush(context.Background(), "ws-1") }()

	// Give the second caller a moment to join the in-flight operation.
	time.Sleep(50 * time.Millisecond)
	close(sink.block)

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, 1, sink.callCount(), "concurrent flushes must not double-insert")
	assert.Zero(t, b.Size("ws-1"))
}

func TestFlush_FailureRequeuesAtFront(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("store unavailable")}
	b := newTestBuffer(sink, 100)

	b.Enqueue(event("ws-1", "e1"))
	b.Enqueue(event("ws-1", "e2"))

	err := b.Flush(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Equal(t, 2, b.Size("ws-1"), "failed events must be requeued")

	// New arrivals land behind the requeued ones.
	b.Enqueue(event("ws-1", "e3"))

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	require.NoError(t, b.Flush(context.Background(), "ws-1"))
	require.Equal(t, 1, sink.callCount())
	require.Len(t, sink.calls[0].events, 3)
	assert.Equal(t, "e1", sink.calls[0].events[0].DedupKey)
	assert.Equal(t, "e2", sink.calls[0].events[1].DedupKey)
	assert.Equal(t, "e3", sink.calls[0].events[2].DedupKey)
}

func TestPeriodicFlush(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 100, 20*time.Millisecond, zerolog.Nop())
	defer b.Close()

	b.Enqueue(event("ws-1", "e1"))

	require.Eventually(t, func() bool {
		return sink.callCount() == 1 && b.Size("ws-1") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClose_ThenFinalFlushDrains(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, 100, time.Hour, zerolog.Nop())

	b.Enqueue(event("ws-1", "e1"))
	b.Close()
	b.Close() // idempotent

	require.NoError(t, b.FlushAll(context.Background()))
	assert.Equal(t, 1, sink.callCount())
	assert.Zero(t, b.TotalSize())
}
