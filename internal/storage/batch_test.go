package storage

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/bandaid/pkg/models"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeBatchSink struct {
	mu      sync.Mutex
	batches [][]models.SecurityEvent
	fail    bool
}

func (s *fakeBatchSink) InsertEventsBatch(_ context.Context, events []models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *fakeBatchSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func leakEvent() models.SecurityEvent {
	e := models.NewSecurityEvent(models.EventDataLeakAlert, uuid.New())
	e.Severity = models.SeverityHigh
	return e
}

func TestBatchWriterBuffersUntilFlush(t *testing.T) {
	sink := &fakeBatchSink{}
	w := NewBatchWriter(testLogger(), sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.InsertEvent(ctx, leakEvent()))
	}
	assert.Zero(t, sink.total(), "below the batch size nothing is written")

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 5, sink.total())

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 5, sink.total(), "empty flush writes nothing")
}

func TestBatchWriterFlushesWhenFull(t *testing.T) {
	sink := &fakeBatchSink{}
	w := NewBatchWriter(testLogger(), sink)
	ctx := context.Background()

	for i := 0; i < batchFlushSize; i++ {
		require.NoError(t, w.InsertEvent(ctx, leakEvent()))
	}
	assert.Equal(t, batchFlushSize, sink.total())
}

func TestBatchWriterRequeuesOnFailure(t *testing.T) {
	sink := &fakeBatchSink{fail: true}
	w := NewBatchWriter(testLogger(), sink)
	ctx := context.Background()

	require.NoError(t, w.InsertEvent(ctx, leakEvent()))
	require.NoError(t, w.InsertEvent(ctx, leakEvent()))
	assert.Error(t, w.Flush(ctx))
	assert.Zero(t, sink.total())

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 2, sink.total(), "requeued events survive the failed flush")
}

func TestBatchWriterRunDrainsOnShutdown(t *testing.T) {
	sink := &fakeBatchSink{}
	w := NewBatchWriter(testLogger(), sink)

	require.NoError(t, w.InsertEvent(context.Background(), leakEvent()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 1, sink.total())
}
