// Package workerpool bounds the concurrency of the ETL Manager's parallel
// harvest fan-out: under concurrentHarvest=true, one task is submitted
// per enabled pipeline, but a pool with a fixed worker count keeps a
// manager with hundreds of registered pipelines from spawning hundreds of
// goroutines at once.
//
// Adapted from the teacher's pkg/workerpool.WorkerPool (Portuguese
// comments translated to English; the periodic metricsCollector ticker
// is dropped, and pool occupancy is not exported as a metric).
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a unit of work submitted to the pool.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
	Created time.Time
}

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers      int
	QueueSize       int
	WorkerTimeout   time.Duration
	ShutdownTimeout time.Duration
}

type worker struct {
	id       int
	pool     *WorkerPool
	taskChan chan Task
	quit     chan struct{}
	active   int64
}

// WorkerPool runs submitted tasks across a fixed set of long-lived
// worker goroutines.
type WorkerPool struct {
	workers   []*worker
	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *logrus.Logger
	config    Config

	totalTasks     int64
	activeTasks    int64
	completedTasks int64
	failedTasks    int64

	mutex     sync.RWMutex
	isRunning bool
}

// New constructs a WorkerPool, filling in sensible defaults for any
// unset Config field.
func New(config Config, logger *logrus.Logger) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.MaxWorkers * 10
	}
	if config.WorkerTimeout == 0 {
		config.WorkerTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		config:    config,
		workers:   make([]*worker, 0, config.MaxWorkers),
	}

	for i := 0; i < config.MaxWorkers; i++ {
		pool.workers = append(pool.workers, &worker{
			id:       i,
			pool:     pool,
			taskChan: make(chan Task, 1),
			quit:     make(chan struct{}),
		})
	}

	return pool
}

// Start launches the worker goroutines and the dispatcher.
func (wp *WorkerPool) Start() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()
	if wp.isRunning {
		return nil
	}

	wp.logger.WithFields(logrus.Fields{
		"max_workers": wp.config.MaxWorkers,
		"queue_size":  wp.config.QueueSize,
	}).Info("starting worker pool")

	for _, w := range wp.workers {
		wp.wg.Add(1)
		go w.run()
	}
	wp.wg.Add(1)
	go wp.dispatch()

	wp.isRunning = true
	return nil
}

// Stop cancels in-flight work and waits (up to ShutdownTimeout) for all
// workers to exit.
func (wp *WorkerPool) Stop() error {
	wp.mutex.Lock()
	defer wp.mutex.Unlock()
	if !wp.isRunning {
		return nil
	}

	wp.logger.Info("stopping worker pool")
	wp.cancel()
	for _, w := range wp.workers {
		close(w.quit)
	}

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Info("worker pool stopped gracefully")
	case <-time.After(wp.config.ShutdownTimeout):
		wp.logger.Warn("worker pool shutdown timed out")
	}

	wp.isRunning = false
	return nil
}

// Submit enqueues task for execution, failing fast if the queue is full.
func (wp *WorkerPool) Submit(t Task) error {
	if !wp.isRunning {
		return ErrPoolNotRunning
	}
	t.Created = time.Now()
	atomic.AddInt64(&wp.totalTasks, 1)

	select {
	case wp.taskQueue <- t:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		atomic.AddInt64(&wp.failedTasks, 1)
		return ErrQueueFull
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	MaxWorkers     int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     int64
	ActiveTasks    int64
	CompletedTasks int64
	FailedTasks    int64
	IsRunning      bool
}

// Stats returns the current pool occupancy.
func (wp *WorkerPool) Stats() Stats {
	active := 0
	for _, w := range wp.workers {
		if atomic.LoadInt64(&w.active) > 0 {
			active++
		}
	}
	return Stats{
		MaxWorkers:     wp.config.MaxWorkers,
		ActiveWorkers:  active,
		QueuedTasks:    len(wp.taskQueue),
		TotalTasks:     atomic.LoadInt64(&wp.totalTasks),
		ActiveTasks:    atomic.LoadInt64(&wp.activeTasks),
		CompletedTasks: atomic.LoadInt64(&wp.completedTasks),
		FailedTasks:    atomic.LoadInt64(&wp.failedTasks),
		IsRunning:      wp.isRunning,
	}
}

func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()
	for {
		select {
		case t := <-wp.taskQueue:
			wp.assign(t)
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) assign(t Task) {
	for _, w := range wp.workers {
		select {
		case w.taskChan <- t:
			return
		default:
		}
	}
	select {
	case wp.workers[0].taskChan <- t:
	case <-wp.ctx.Done():
		atomic.AddInt64(&wp.failedTasks, 1)
	}
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	for {
		select {
		case t := <-w.taskChan:
			w.execute(t)
		case <-w.quit:
			return
		case <-w.pool.ctx.Done():
			return
		}
	}
}

func (w *worker) execute(t Task) {
	atomic.StoreInt64(&w.active, 1)
	atomic.AddInt64(&w.pool.activeTasks, 1)
	defer func() {
		atomic.StoreInt64(&w.active, 0)
		atomic.AddInt64(&w.pool.activeTasks, -1)
	}()

	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.config.WorkerTimeout)
	defer cancel()

	start := time.Now()
	err := t.Execute(ctx)
	fields := logrus.Fields{"worker_id": w.id, "task_id": t.ID, "duration": time.Since(start)}

	if err != nil {
		atomic.AddInt64(&w.pool.failedTasks, 1)
		w.pool.logger.WithFields(fields).WithError(err).Error("task execution failed")
		return
	}
	atomic.AddInt64(&w.pool.completedTasks, 1)
	w.pool.logger.WithFields(fields).Debug("task completed")
}

// Errors returned by Submit.
var (
	ErrPoolNotRunning = fmt.Errorf("worker pool is not running")
	ErrQueueFull      = fmt.Errorf("task queue is full")
)
