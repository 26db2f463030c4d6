package capture

import (
	"sync"
	"sync/atomic"
)

// captureState is the state one capture's proxy, workers, and monitor
// share. The recording proxy feeds it through the Tracker interface;
// workers credit in-flight bytes to pending counters so the size monitor
// can see downloads that have not reached the spool yet.
type captureState struct {
	recorded  atomic.Int64
	responses atomic.Bool
	limit     atomic.Bool
	stop      atomic.Bool

	mu      sync.Mutex
	pending []*atomic.Int64
}

func newCaptureState() *captureState {
	return &captureState{}
}

// ResponseRecorded notes that at least one exchange produced a record.
func (s *captureState) ResponseRecorded() {
	s.responses.Store(true)
}

// AddBytes adds recorded response bytes to the running capture total.
func (s *captureState) AddBytes(n int64) {
	s.recorded.Add(n)
}

// LimitReached reports whether the capture hit its size cap.
func (s *captureState) LimitReached() bool {
	return s.limit.Load()
}

// StopRequested reports whether in-flight streams should wind down.
func (s *captureState) StopRequested() bool {
	return s.stop.Load()
}

// HaveContent reports whether any response was recorded.
func (s *captureState) HaveContent() bool {
	return s.responses.Load()
}

// RecordedBytes returns the bytes recorded into the spool so far.
func (s *captureState) RecordedBytes() int64 {
	return s.recorded.Load()
}

// MarkLimitReached flips the size-cap flag. One-way.
func (s *captureState) MarkLimitReached() {
	s.limit.Store(true)
}

// RequestStop asks in-flight streams and workers to wind down. One-way.
func (s *captureState) RequestStop() {
	s.stop.Store(true)
}

// NewPendingCounter registers a counter for a worker's in-flight bytes.
// The worker zeroes it on exit.
func (s *captureState) NewPendingCounter() *atomic.Int64 {
	c := &atomic.Int64{}
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()
	return c
}

// CurrentSize returns recorded bytes plus everything still in flight in
// worker buffers.
func (s *captureState) CurrentSize() int64 {
	total := s.recorded.Load()
	s.mu.Lock()
	for _, c := range s.pending {
		total += c.Load()
	}
	s.mu.Unlock()
	return total
}
