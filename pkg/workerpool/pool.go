// Package workerpool provides a bounded worker pool with per-key ordering and selective
// retries. Tasks that share a key always run on the same worker, in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull    = errors.New("task queue is full")
	ErrShuttingDown = errors.New("pool is shutting down")
)

// Task represents a unit of work to be processed
type Task struct {
	ID string
	// Key pins the task to one worker. Tasks with an empty key are spread round robin.
	Key     string
	Payload interface{}
	Context context.Context
	// OnResult, when set, receives the final result of a task queued with Submit.
	OnResult func(*Result)

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	// Retryable marks a failure worth another attempt. Failures without it end the task.
	Retryable bool
	Error     error
	Data      interface{}
	Attempts  int
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the total queue capacity, split evenly across workers
	QueueSize int
	// MaxRetries is the maximum number of retries for retryable failures
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for the command consumer.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	queues []chan *Task
	next   atomic.Uint64
	wg     sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.RWMutex
	closed  bool

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	activeWorkers  atomic.Int64
	queueDepth     atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}

	perWorker := cfg.QueueSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		queues:     make([]chan *Task, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Task, perWorker)
	}
	return p, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

func (p *Pool) queueFor(task *Task) chan *Task {
	if task.Key == "" {
		return p.queues[p.next.Add(1)%uint64(len(p.queues))]
	}
	h := fnv.New32a()
	h.Write([]byte(task.Key))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrShuttingDown
	}

	select {
	case p.queueFor(task) <- task:
		p.tasksSubmitted.Add(1)
		p.queueDepth.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, waiting for queue space, and returns its final result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}

	p.closeMu.RLock()
	if p.closed {
		p.closeMu.RUnlock()
		return nil, ErrShuttingDown
	}
	select {
	case p.queueFor(task) <- task:
		p.tasksSubmitted.Add(1)
		p.queueDepth.Add(1)
		p.closeMu.RUnlock()
	case <-ctx.Done():
		p.closeMu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case result := <-task.done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop stops accepting tasks, drains the queues and waits for workers.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
	p.cancel()
	return nil
}

func (p *Pool) worker(id int, queue <-chan *Task) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for task := range queue {
		p.queueDepth.Add(-1)
		p.processTask(id, task)
	}
	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// processTask runs a task, retrying only failures marked Retryable.
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{Success: true}
		}
		result.TaskID = task.ID
		result.Attempts = attempt + 1

		if result.Success || !result.Retryable {
			break
		}
		if attempt >= p.config.MaxRetries {
			result.Error = fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, result.Error)
			break
		}

		p.tasksRetried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if result.Success {
		p.tasksCompleted.Add(1)
	} else {
		p.tasksFailed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}

	if task.done != nil {
		task.done <- result
	}
	if task.OnResult != nil {
		task.OnResult(result)
	}
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		QueueDepth:     p.queueDepth.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
