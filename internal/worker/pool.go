// Package worker runs the pipeline's fire-and-forget background work:
// pattern learning after a block, and leak scanning after a response
// completes. Two bounded queues with different overflow policies:
// losing a learning task is acceptable, losing a leak scan is not.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/metrics"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

const (
	learnQueueSize = 64
	scanQueueSize  = 256

	// drainTaskTimeout bounds each scan executed after shutdown began,
	// since the pool context is already canceled by then.
	drainTaskTimeout = 5 * time.Second
)

// Pool drains two task channels with a fixed set of workers. Learning
// submissions drop the oldest queued task on overflow; scan submissions
// block the caller until there is room.
type Pool struct {
	learnCh chan Task
	scanCh  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines draining both queues.
func NewPool(logger *logrus.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		learnCh: make(chan Task, learnQueueSize),
		scanCh:  make(chan Task, scanQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.WithField("component", "worker_pool"),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			// Drain remaining scans before exiting; queued learning
			// tasks are abandoned.
			for {
				select {
				case task := <-p.scanCh:
					p.execScan(task)
				default:
					return
				}
			}
		case task := <-p.scanCh:
			p.execScan(task)
		case task := <-p.learnCh:
			p.exec(p.ctx, task)
		}
	}
}

// execScan runs a leak scan. Scans picked up after shutdown began get
// their own short deadline instead of the already-canceled pool
// context, so their detector HTTP calls can still complete.
func (p *Pool) execScan(task Task) {
	ctx := p.ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), drainTaskTimeout)
		defer cancel()
	}
	p.exec(ctx, task)
}

func (p *Pool) exec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("background task panicked")
		}
	}()
	task(ctx)
}

// SubmitLearn enqueues a learning task. On overflow the oldest queued
// task is dropped to make room.
func (p *Pool) SubmitLearn(task Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for {
		select {
		case p.learnCh <- task:
			return
		default:
		}
		select {
		case <-p.learnCh:
			metrics.BackgroundDropped.WithLabelValues("learn").Inc()
			p.log.Warn("learning queue full, dropped oldest task")
		default:
		}
	}
}

// SubmitScan enqueues a leak-scan task, blocking briefly if the queue
// is full. Scans are never dropped.
func (p *Pool) SubmitScan(task Task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.scanCh <- task:
	case <-p.ctx.Done():
	}
}

// Shutdown stops intake, lets in-flight work finish, and waits up to
// the grace period.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.cancel()
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("worker pool shutdown grace period elapsed")
	}
}
