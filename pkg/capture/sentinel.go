package capture

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/permacap/permacap/internal/logger"
)

// sentinelWatcher tracks whether the deployment sentinel file exists.
// While it does, workers finish their current capture and stop picking
// up new jobs, so a deploy can drain the engine without killing
// captures mid-run.
type sentinelWatcher struct {
	path string

	present  atomic.Bool
	fallback atomic.Bool

	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newSentinelWatcher(path string) *sentinelWatcher {
	return &sentinelWatcher{
		path:   path,
		stopCh: make(chan struct{}),
	}
}

// Start begins watching the sentinel's directory. With no path
// configured the watcher is inert. When the directory cannot be watched
// (missing, or inotify exhausted) Present falls back to a direct stat
// on every call.
func (s *sentinelWatcher) Start() {
	if s.path == "" {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Sentinel watcher unavailable, falling back to stat checks",
			logger.KeyPath, s.path, logger.KeyError, err.Error())
		s.fallback.Store(true)
		return
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		logger.Warn("Cannot watch sentinel directory, falling back to stat checks",
			logger.KeyPath, s.path, logger.KeyError, err.Error())
		_ = w.Close()
		s.fallback.Store(true)
		return
	}

	s.watcher = w
	s.refresh()
	go s.run()
}

func (s *sentinelWatcher) run() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == s.path {
				s.refresh()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Sentinel watcher error", logger.KeyError, err.Error())
		case <-s.stopCh:
			return
		}
	}
}

func (s *sentinelWatcher) refresh() {
	_, err := os.Stat(s.path)
	s.present.Store(err == nil)
}

// Present reports whether the sentinel file currently exists.
func (s *sentinelWatcher) Present() bool {
	if s.path == "" {
		return false
	}
	if s.fallback.Load() || s.watcher == nil {
		_, err := os.Stat(s.path)
		return err == nil
	}
	return s.present.Load()
}

// Stop halts the watcher. Safe to call more than once.
func (s *sentinelWatcher) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}
