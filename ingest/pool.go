package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"warden/util/goroutine"

	"go.uber.org/zap"
)

// Worker pool errors
var (
	ErrPoolNotRunning = errors.New("worker pool is not running")
)

// WorkerPool runs submitted tasks on a fixed number of goroutines
type WorkerPool struct {
	workers int
	taskCh  chan func()
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool whose workers stop when parentCtx is cancelled or Stop is called.
// Workers start with Start.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, logger *zap.SugaredLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers: workers,
		taskCh:  make(chan func(), queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.running = true
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started", "workers", wp.workers, "queue_size", cap(wp.taskCh))
}

// Submit queues task, blocking while the queue is full. It fails once the pool stops.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.running {
		return ErrPoolNotRunning
	}
	select {
	case wp.taskCh <- task:
		return nil
	case <-wp.ctx.Done():
		return ErrPoolNotRunning
	}
}

// Stop waits for running tasks to finish, then runs the tasks still queued on the caller's
// goroutine so that anything waiting on them is released. The pool context is already
// cancelled at that point; tasks should check it before doing work.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.mu.Unlock()

	wp.wg.Wait()

	drained := 0
	for {
		select {
		case task := <-wp.taskCh:
			wp.run(-1, task)
			drained++
		default:
			wp.logger.Infow("Worker pool stopped", "workers", wp.workers, "drained", drained)
			return
		}
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task := <-wp.taskCh:
			wp.run(id, task)
		}
	}
}

func (wp *WorkerPool) run(id int, task func()) {
	defer goroutine.Recover("ingest-worker-"+strconv.Itoa(id), wp.logger)
	task()
}
