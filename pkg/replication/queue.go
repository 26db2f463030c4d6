package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/metrics"
)

// Task queue names. Writes (uploads, deletions) and confirmation polls
// run on separate queues so that a backlog of reads never starves writes
// and the schedulers can gate on each independently.
const (
	QueueIA         = "ia"
	QueueIAReadonly = "ia-readonly"
)

// Task is one unit of replication work.
type Task struct {
	// Kind names the task for logs and metrics (upload, delete,
	// confirm_upload, confirm_delete).
	Kind string

	// GUID identifies the link the task serves.
	GUID string

	// Run does the work. The context carries the queue's soft time
	// limit; a task overrunning it sees the deadline expire and
	// classifies the failure itself.
	Run func(ctx context.Context)
}

// TaskQueue is a named in-memory task queue with its own workers.
//
// The queue holds no durable state: every task's observable effect lives
// in the database, and the schedulers rediscover unfinished work from
// row statuses. Losing queued tasks on shutdown therefore costs only
// latency.
type TaskQueue struct {
	name    string
	tasks   chan Task
	workers int
	taskTTL time.Duration
	metrics *metrics.ReplicationMetrics

	// pending counts tasks enqueued (including delayed re-enqueues)
	// and not yet finished, so Len covers waiting, scheduled, and
	// running work.
	pending atomic.Int64

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopped   atomic.Bool

	mu      sync.Mutex
	started bool
}

// NewTaskQueue creates a queue. taskTTL is the soft time limit applied
// to each task's context; zero means unbounded.
func NewTaskQueue(name string, workers, size int, taskTTL time.Duration, m *metrics.ReplicationMetrics) *TaskQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1000
	}
	return &TaskQueue{
		name:      name,
		tasks:     make(chan Task, size),
		workers:   workers,
		taskTTL:   taskTTL,
		metrics:   m,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (q *TaskQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	logger.Debug("task queue starting", logger.Queue(q.name), "workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	go func() {
		q.wg.Wait()
		close(q.stoppedCh)
	}()
}

// Stop shuts the queue down: workers finish their current task, drain
// whatever is already queued, and exit. Tasks still waiting when the
// timeout expires are abandoned to the next scheduler pass.
func (q *TaskQueue) Stop(timeout time.Duration) {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if !q.stopped.CompareAndSwap(false, true) {
		return
	}

	logger.Debug("task queue stopping", logger.Queue(q.name), "pending", q.Len())
	close(q.stopCh)

	select {
	case <-q.stoppedCh:
		logger.Debug("task queue stopped", logger.Queue(q.name))
	case <-time.After(timeout):
		logger.Warn("task queue stop timed out", logger.Queue(q.name), "pending", q.Len())
	}
}

// Enqueue adds a task. Returns false when the queue is full or stopped;
// the work is then left for the next scheduler pass to rediscover.
func (q *TaskQueue) Enqueue(t Task) bool {
	if q.stopped.Load() {
		return false
	}
	select {
	case q.tasks <- t:
		q.pending.Add(1)
		q.metrics.SetQueueDepth(q.name, q.Len())
		return true
	default:
		logger.Warn("task queue full, dropping task",
			logger.Queue(q.name), logger.KeyTask, t.Kind, logger.GUID(t.GUID))
		return false
	}
}

// EnqueueAfter schedules a task to enter the queue after the delay. The
// task counts toward Len immediately, so queue gates see in-flight
// retries before their timers fire.
func (q *TaskQueue) EnqueueAfter(t Task, delay time.Duration) {
	if q.stopped.Load() {
		return
	}
	if delay <= 0 {
		q.Enqueue(t)
		return
	}

	q.pending.Add(1)
	q.metrics.SetQueueDepth(q.name, q.Len())

	time.AfterFunc(delay, func() {
		defer q.pending.Add(-1)
		if q.stopped.Load() {
			return
		}
		q.Enqueue(t)
	})
}

// Len is the number of tasks enqueued and not yet finished: waiting,
// delayed, and running. The schedulers gate on it to avoid piling new
// work onto an active queue.
func (q *TaskQueue) Len() int {
	return int(q.pending.Load())
}

// worker runs tasks until the queue stops, then drains the channel.
// Worker lifetime is governed by stopCh alone; each task gets a fresh
// context so a cancelled caller cannot halve an in-flight upload.
func (q *TaskQueue) worker(id int) {
	defer q.wg.Done()

	logger.Debug("task queue worker started", logger.Queue(q.name), "worker_id", id)

	for {
		select {
		case t := <-q.tasks:
			q.runTask(t)
		case <-q.stopCh:
			q.drain()
			logger.Debug("task queue worker stopped", logger.Queue(q.name), "worker_id", id)
			return
		}
	}
}

// drain runs the tasks already queued at shutdown.
func (q *TaskQueue) drain() {
	for {
		select {
		case t := <-q.tasks:
			q.runTask(t)
		default:
			return
		}
	}
}

// runTask executes one task under a fresh context carrying the soft
// time limit.
func (q *TaskQueue) runTask(t Task) {
	defer func() {
		q.pending.Add(-1)
		q.metrics.SetQueueDepth(q.name, q.Len())
	}()

	ctx := context.Background()
	if q.taskTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.taskTTL)
		defer cancel()
	}

	t.Run(ctx)
}
