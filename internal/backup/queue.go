package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fleetops/logkeeper/internal/logging"
)

var ErrQueueClosed = errors.New("upload queue is closed")

// QueueConfig holds configuration for the upload queue.
type QueueConfig struct {
	Workers   int
	QueueSize int
}

// Queue fans sealed archive units out to a fixed set of upload workers.
// Submit blocks when the queue is full so sealing backpressures instead of
// dropping units.
type Queue struct {
	manager *Manager
	logger  *logging.Logger
	workers int
	jobs    chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewQueue creates an upload queue. Workers are not started until Start.
func NewQueue(cfg QueueConfig, manager *Manager, logger *logging.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	return &Queue{
		manager: manager,
		logger:  logger.WithComponent("upload-queue"),
		workers: cfg.Workers,
		jobs:    make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers and re-enqueues units left unfinished by a
// previous run.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run()
	}

	for _, unit := range q.manager.Catalog().Pending() {
		if err := q.Submit(unit.ID); err != nil {
			q.logger.Failure(err, "Failed to re-enqueue pending unit")
		}
	}
}

// Submit enqueues a unit for upload, blocking while the queue is full.
func (q *Queue) Submit(unitID string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- unitID:
		return nil
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// Depth reports the number of queued units.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Stats reports processed and failed unit counts.
func (q *Queue) Stats() (processed, failed uint64) {
	return q.processed.Load(), q.failed.Load()
}

// Stop cancels in-flight work and waits for the workers to exit.
func (q *Queue) Stop() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case unitID := <-q.jobs:
			if err := q.manager.Process(q.ctx, unitID); err != nil {
				q.failed.Add(1)
				if !errors.Is(err, context.Canceled) {
					q.logger.WithUnit(unitID).Failure(err, "Upload processing failed")
				}
				continue
			}
			q.processed.Add(1)
		}
	}
}
