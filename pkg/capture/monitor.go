package capture

import (
	"sync"
	"time"

	"github.com/permacap/permacap/internal/logger"
)

// monitorInterval is how often the size monitor re-sums capture bytes.
const monitorInterval = 200 * time.Millisecond

// sizeMonitor watches the capture's total footprint and flips the
// shared limit flag the moment it crosses the archive cap. The proxy
// and fetch workers observe the flag and truncate or bail on their own.
type sizeMonitor struct {
	state    *captureState
	maxBytes int64
	interval time.Duration

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func newSizeMonitor(state *captureState, maxBytes int64) *sizeMonitor {
	return &sizeMonitor{
		state:     state,
		maxBytes:  maxBytes,
		interval:  monitorInterval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the monitor goroutine. A cap of zero disables it.
func (m *sizeMonitor) Start() {
	if m.maxBytes <= 0 {
		close(m.stoppedCh)
		return
	}
	go m.run()
}

func (m *sizeMonitor) run() {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			size := m.state.CurrentSize()
			if size > m.maxBytes {
				m.state.MarkLimitReached()
				logger.Info("capture size limit reached",
					logger.KeyBytes, size,
					logger.KeySize, m.maxBytes)
				return
			}
		}
	}
}

// Stop halts the monitor and waits for it to exit. Safe to call more
// than once, and after the monitor tripped on its own.
func (m *sizeMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.stoppedCh
}
