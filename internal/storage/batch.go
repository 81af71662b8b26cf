package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/pkg/models"
)

const (
	batchFlushSize     = 64
	batchFlushInterval = 2 * time.Second
)

// EventBatchSink is the transactional write path a BatchWriter flushes
// to. Satisfied by *Journal.
type EventBatchSink interface {
	InsertEventsBatch(ctx context.Context, events []models.SecurityEvent) error
}

// BatchWriter coalesces journal writes that are not on any request's
// critical path (leak alerts). Events accumulate in memory and land in
// one transaction per flush; Flush drains synchronously for shutdown.
type BatchWriter struct {
	journal EventBatchSink
	log     *logrus.Entry

	mu  sync.Mutex
	buf []models.SecurityEvent
}

func NewBatchWriter(logger *logrus.Logger, journal EventBatchSink) *BatchWriter {
	return &BatchWriter{
		journal: journal,
		log:     logger.WithField("component", "batch_writer"),
	}
}

// InsertEvent buffers the event, flushing when the batch is full.
// Satisfies the orchestrator's event sink.
func (w *BatchWriter) InsertEvent(ctx context.Context, e models.SecurityEvent) error {
	w.mu.Lock()
	w.buf = append(w.buf, e)
	full := len(w.buf) >= batchFlushSize
	w.mu.Unlock()
	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Run flushes on a timer until the context ends, then drains.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				w.log.WithError(err).Error("final flush failed")
			}
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				w.log.WithError(err).Warn("batch flush failed")
			}
		}
	}
}

// Flush writes all buffered events in one transaction. On failure the
// events are requeued ahead of anything buffered meanwhile.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.buf
	w.buf = nil
	w.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	if err := w.journal.InsertEventsBatch(ctx, pending); err != nil {
		w.mu.Lock()
		w.buf = append(pending, w.buf...)
		w.mu.Unlock()
		return err
	}
	return nil
}
