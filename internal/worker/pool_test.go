package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSubmitScanExecutesAll(t *testing.T) {
	p := NewPool(testLogger(), 2)
	defer p.Shutdown(2 * time.Second)

	var executed atomic.Int64
	for i := 0; i < 50; i++ {
		p.SubmitScan(func(context.Context) { executed.Add(1) })
	}

	assert.Eventually(t, func() bool { return executed.Load() == 50 },
		2*time.Second, 5*time.Millisecond)
}

func TestSubmitLearnNeverBlocksOnOverflow(t *testing.T) {
	p := NewPool(testLogger(), 1)
	defer p.Shutdown(2 * time.Second)

	// Park the single worker so the queue can only fill.
	release := make(chan struct{})
	p.SubmitLearn(func(context.Context) { <-release })

	var executed atomic.Int64
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			p.SubmitLearn(func(context.Context) { executed.Add(1) })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SubmitLearn blocked with a full queue")
	}

	close(release)
	assert.Eventually(t, func() bool {
		n := executed.Load()
		return n > 0 && n <= learnQueueSize+1
	}, 2*time.Second, 5*time.Millisecond, "drops should have trimmed the backlog")
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(testLogger(), 1)
	defer p.Shutdown(2 * time.Second)

	p.SubmitScan(func(context.Context) { panic("boom") })

	var ran atomic.Bool
	p.SubmitScan(func(context.Context) { ran.Store(true) })
	assert.Eventually(t, func() bool { return ran.Load() },
		2*time.Second, 5*time.Millisecond)
}

func TestShutdownDrainsQueuedScans(t *testing.T) {
	p := NewPool(testLogger(), 1)

	var mu sync.Mutex
	executed := 0
	for i := 0; i < 20; i++ {
		p.SubmitScan(func(context.Context) {
			mu.Lock()
			executed++
			mu.Unlock()
		})
	}

	p.Shutdown(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, executed)
}

func TestDrainedScansRunWithLiveContext(t *testing.T) {
	p := NewPool(testLogger(), 1)

	// Park the worker so the scans below are still queued when
	// shutdown cancels the pool context.
	release := make(chan struct{})
	p.SubmitScan(func(context.Context) { <-release })

	var mu sync.Mutex
	var ctxErrs []error
	for i := 0; i < 5; i++ {
		p.SubmitScan(func(ctx context.Context) {
			mu.Lock()
			ctxErrs = append(ctxErrs, ctx.Err())
			mu.Unlock()
		})
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	p.Shutdown(2 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ctxErrs, 5)
	for _, err := range ctxErrs {
		assert.NoError(t, err, "drained scan saw a dead context")
	}
}

func TestSubmitAfterShutdownIsNoop(t *testing.T) {
	p := NewPool(testLogger(), 1)
	p.Shutdown(time.Second)

	var ran atomic.Bool
	p.SubmitLearn(func(context.Context) { ran.Store(true) })
	p.SubmitScan(func(context.Context) { ran.Store(true) })

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}
