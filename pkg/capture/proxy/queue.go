package proxy

import (
	"fmt"
	"os"
	"sync"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/warc"
)

// recordJob is one finished exchange awaiting serialization. The response
// record is written first, then the request record pointing back at it.
type recordJob struct {
	response *warc.Record
	request  *warc.Record
}

// recordQueue serializes WARC writes onto a single goroutine. Handlers
// enqueue finished exchanges in completion order; that order becomes the
// record order of the spool file.
type recordQueue struct {
	jobs      chan recordJob
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	err     error
	records int

	closeOnce sync.Once
	closeErr  error

	file   *os.File
	writer *warc.Writer
}

// newRecordQueue creates the spool file at path and a queue of the given
// capacity feeding it.
func newRecordQueue(path string, capacity int) (*recordQueue, error) {
	if capacity <= 0 {
		capacity = 500
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}

	return &recordQueue{
		jobs:      make(chan recordJob, capacity),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		file:      f,
		writer:    warc.NewWriter(f),
	}, nil
}

// Start launches the writer goroutine.
func (q *recordQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run()
}

// Enqueue hands a finished exchange to the writer. Returns false when the
// queue is full; the exchange is dropped and a warning logged.
func (q *recordQueue) Enqueue(response, request *warc.Record) bool {
	select {
	case q.jobs <- recordJob{response: response, request: request}:
		return true
	default:
		logger.Warn("Record queue full, dropping exchange",
			logger.KeyURL, response.TargetURI)
		return false
	}
}

// Records returns the number of WARC records written so far.
func (q *recordQueue) Records() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.records
}

// BytesWritten reports the compressed size of the spool between records.
func (q *recordQueue) BytesWritten() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.writer.BytesWritten()
}

// Close stops the writer, drains every queued exchange, flushes the spool
// file, and returns the first write error seen. Blocks until the drain
// finishes. Safe to call more than once.
func (q *recordQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		if !q.started {
			q.started = true
			q.mu.Unlock()
			go q.run()
		} else {
			q.mu.Unlock()
		}

		close(q.stopCh)
		<-q.stoppedCh

		if err := q.file.Sync(); err != nil && q.firstErr() == nil {
			q.setErr(fmt.Errorf("failed to sync spool file: %w", err))
		}
		if err := q.file.Close(); err != nil && q.firstErr() == nil {
			q.setErr(fmt.Errorf("failed to close spool file: %w", err))
		}
		q.closeErr = q.firstErr()
	})
	return q.closeErr
}

func (q *recordQueue) run() {
	defer close(q.stoppedCh)

	for {
		select {
		case job := <-q.jobs:
			q.write(job)
		case <-q.stopCh:
			q.drain()
			return
		}
	}
}

// drain writes everything still queued at stop time so a truncated capture
// keeps the exchanges it recorded.
func (q *recordQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			q.write(job)
		default:
			return
		}
	}
}

func (q *recordQueue) write(job recordJob) {
	if q.firstErr() != nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	respID, err := q.writer.WriteRecord(job.response)
	if err != nil {
		q.err = fmt.Errorf("failed to write response record: %w", err)
		logger.Error("WARC write failed", logger.Err(err),
			logger.KeyURL, job.response.TargetURI)
		return
	}
	q.records++

	if job.request == nil {
		return
	}
	job.request.ConcurrentTo = respID
	if _, err := q.writer.WriteRecord(job.request); err != nil {
		q.err = fmt.Errorf("failed to write request record: %w", err)
		logger.Error("WARC write failed", logger.Err(err),
			logger.KeyURL, job.request.TargetURI)
		return
	}
	q.records++
}

func (q *recordQueue) firstErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *recordQueue) setErr(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
}
