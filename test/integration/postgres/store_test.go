//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

// Shared PostgreSQL container for the whole test run.
var (
	sharedConfig *store.PostgresConfig
	setupOnce    sync.Once
	setupErr     error
)

// postgresConfig starts a PostgreSQL container (or connects to an external
// instance configured via POSTGRES_HOST) and returns its connection details.
func postgresConfig(t *testing.T) store.PostgresConfig {
	t.Helper()

	setupOnce.Do(func() {
		if host := os.Getenv("POSTGRES_HOST"); host != "" {
			cfg := &store.PostgresConfig{
				Host:     host,
				Port:     5432,
				Database: envOr("POSTGRES_DATABASE", "permacap_test"),
				User:     envOr("POSTGRES_USER", "permacap"),
				Password: envOr("POSTGRES_PASSWORD", "permacap"),
				SSLMode:  "disable",
			}
			if p := os.Getenv("POSTGRES_PORT"); p != "" {
				_, _ = fmt.Sscanf(p, "%d", &cfg.Port)
			}
			sharedConfig = cfg
			return
		}

		ctx := context.Background()

		// PostgreSQL logs "ready to accept connections" twice during
		// startup (bootstrap, then fully up), so wait for 2 occurrences.
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("permacap_test"),
			postgres.WithUsername("permacap"),
			postgres.WithPassword("permacap"),
			testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			),
		)
		if err != nil {
			setupErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			setupErr = fmt.Errorf("container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "5432")
		if err != nil {
			setupErr = fmt.Errorf("container port: %w", err)
			return
		}

		sharedConfig = &store.PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			Database: "permacap_test",
			User:     "permacap",
			Password: "permacap",
			SSLMode:  "disable",
		}
	})

	require.NoError(t, setupErr)
	require.NotNil(t, sharedConfig)
	return *sharedConfig
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newPostgresStore opens a store against a freshly created database so
// tests do not see each other's rows.
func newPostgresStore(t *testing.T) *store.GORMStore {
	t.Helper()
	ctx := context.Background()

	base := postgresConfig(t)

	// Create a throwaway database from the admin connection.
	admin, err := store.New(ctx, &store.Config{
		Type:     store.DatabaseTypePostgres,
		Postgres: base,
	})
	require.NoError(t, err)

	dbName := fmt.Sprintf("permacap_t_%d", time.Now().UnixNano())
	require.NoError(t, admin.DB().Exec("CREATE DATABASE "+dbName).Error)
	require.NoError(t, admin.Close())

	cfg := base
	cfg.Database = dbName

	st, err := store.New(ctx, &store.Config{
		Type:     store.DatabaseTypePostgres,
		Postgres: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMigrationsApply(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, st.Ping(ctx))

	version, dirty, err := store.MigrationVersion(&store.Config{
		Type:     store.DatabaseTypePostgres,
		Postgres: *currentConfig(t, st),
	})
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(2), "both schema migrations should be applied")
}

// currentConfig digs the per-test database name back out of the store.
func currentConfig(t *testing.T, st *store.GORMStore) *store.PostgresConfig {
	t.Helper()
	var dbName string
	require.NoError(t, st.DB().Raw("SELECT current_database()").Scan(&dbName).Error)
	cfg := postgresConfig(t)
	cfg.Database = dbName
	return &cfg
}

func TestEnqueueReserveFinalize(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	link := &models.Link{
		GUID:         "PG11-AA22",
		SubmittedURL: "https://example.com/article",
	}
	job, err := st.EnqueueCapture(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	// Duplicate submissions are rejected by the unique link constraint.
	_, err = st.EnqueueCapture(ctx, &models.Link{
		GUID:         "PG11-AA22",
		SubmittedURL: "https://example.com/other",
	})
	assert.ErrorIs(t, err, models.ErrDuplicateLink)

	reserved, err := st.ReserveNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reserved.ID)
	assert.Equal(t, models.JobStatusInProgress, reserved.Status)
	assert.Equal(t, 1, reserved.Attempt)
	require.NotNil(t, reserved.Link)
	assert.Equal(t, "PG11-AA22", reserved.Link.GUID)

	// The queue is now empty.
	_, err = st.ReserveNextJob(ctx)
	assert.ErrorIs(t, err, models.ErrNoPendingJobs)

	require.NoError(t, st.UpdateJobProgress(ctx, reserved.ID, 0.5, "capturing page"))
	require.NoError(t, st.FinalizeJob(ctx, reserved.ID, models.JobStatusCompleted, ""))

	final, err := st.GetJob(ctx, reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
}

func TestConcurrentReservation(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	const jobs = 8
	for i := 0; i < jobs; i++ {
		_, err := st.EnqueueCapture(ctx, &models.Link{
			GUID:         fmt.Sprintf("PGC%d-%04d", i, i),
			SubmittedURL: fmt.Sprintf("https://example.com/%d", i),
		})
		require.NoError(t, err)
	}

	// Many workers racing on ReserveNextJob must each claim a distinct
	// job; postgres row locking is what makes this safe across nodes.
	var mu sync.Mutex
	var claimed []uint
	var wg sync.WaitGroup
	for w := 0; w < jobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.ReserveNextJob(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, job.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs, "every job should be claimed")
	seen := make(map[uint]bool, jobs)
	for _, id := range claimed {
		assert.False(t, seen[id], "job %d reserved twice", id)
		seen[id] = true
	}
	_, err := st.ReserveNextJob(ctx)
	assert.ErrorIs(t, err, models.ErrNoPendingJobs)
}

func TestReclaimStaleJobs(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()

	_, err := st.EnqueueCapture(ctx, &models.Link{
		GUID:         "PGST-ALE1",
		SubmittedURL: "https://example.com/stale",
	})
	require.NoError(t, err)

	job, err := st.ReserveNextJob(ctx)
	require.NoError(t, err)

	// Backdate the capture start so the job looks abandoned.
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, st.DB().Model(&models.CaptureJob{}).
		Where("id = ?", job.ID).
		Update("capture_start_time", past).Error)

	n, err := st.ReclaimStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, reclaimed.Status)

	link, err := st.GetLink(ctx, "PGST-ALE1")
	require.NoError(t, err)
	primary := link.PrimaryCapture()
	require.NotNil(t, primary)
	assert.Equal(t, models.CaptureStatusFailed, primary.Status)
	assert.True(t, link.HasTag(store.TagHardTimeout))
}

func TestReplicationCountersTransactional(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateLink(ctx, &models.Link{
		GUID:         "PGRE-PL01",
		SubmittedURL: "https://example.com/replicate",
		CreatedAt:    ts,
	}))

	item, err := st.GetOrCreateItemForTime(ctx, "permacap", ts)
	require.NoError(t, err)

	file := &models.InternetArchiveFile{
		ItemID: item.ID,
		LinkID: "PGRE-PL01",
		Status: models.FileStatusUploadAttempted,
	}
	require.NoError(t, st.CreateFile(ctx, file))

	// Status flip and counter delta commit together.
	require.NoError(t, st.AdjustTasksInProgress(ctx, item.ID, 1))
	require.NoError(t, st.UpdateFileStatus(ctx, file.ID, models.FileStatusUploadSubmitted, 0))

	got, err := st.GetItem(ctx, item.Identifier)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TasksInProgress)

	require.NoError(t, st.ConfirmFilePresent(ctx, file.ID, 4096, "gzip", "md5x", "sha1x", 1, map[string]string{
		"title": "permacap_2026-08-20",
	}))

	got, err = st.GetItem(ctx, item.Identifier)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TasksInProgress)
	assert.True(t, got.ConfirmedExists)
	assert.True(t, got.DeriveRequired)

	confirmed, err := st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusConfirmedPresent, confirmed.Status)
	require.NotNil(t, confirmed.CachedSize)
	assert.Equal(t, int64(4096), *confirmed.CachedSize)
}

func TestTasksInProgressNeverNegative(t *testing.T) {
	st := newPostgresStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)

	item, err := st.GetOrCreateItemForTime(ctx, "permacap", ts)
	require.NoError(t, err)

	// Decrementing an idle item floors at zero rather than going negative.
	require.NoError(t, st.AdjustTasksInProgress(ctx, item.ID, -1))

	got, err := st.GetItem(ctx, item.Identifier)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TasksInProgress)

	sum, err := st.SumTasksInProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum)
}
