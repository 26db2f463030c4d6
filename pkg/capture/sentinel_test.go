package capture

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWatcherNoPath(t *testing.T) {
	s := newSentinelWatcher("")
	s.Start()
	defer s.Stop()

	assert.False(t, s.Present())
}

func TestSentinelWatcherTracksFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploying")

	s := newSentinelWatcher(path)
	s.Start()
	defer s.Stop()

	assert.False(t, s.Present())

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Eventually(t, s.Present, 2*time.Second, 10*time.Millisecond,
		"sentinel creation should be observed")

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return !s.Present() }, 2*time.Second, 10*time.Millisecond,
		"sentinel removal should be observed")
}

func TestSentinelWatcherExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploying")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := newSentinelWatcher(path)
	s.Start()
	defer s.Stop()

	assert.True(t, s.Present(), "a sentinel present before Start is seen immediately")
}

func TestSentinelWatcherFallbackOnMissingDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone", "deploying")

	s := newSentinelWatcher(path)
	s.Start()
	defer s.Stop()

	// The parent directory does not exist, so the watcher degrades to
	// stat checks.
	assert.False(t, s.Present())

	require.NoError(t, os.Mkdir(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.True(t, s.Present())
}

func TestSentinelWatcherStopIdempotent(t *testing.T) {
	s := newSentinelWatcher(filepath.Join(t.TempDir(), "deploying"))
	s.Start()
	s.Stop()
	s.Stop()
}
