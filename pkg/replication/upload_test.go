package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/models"
)

func connectionErr() error {
	return &url.Error{
		Op:  "Put",
		URL: "https://s3.us.archive.org/permacap_2026-08-07",
		Err: errors.New("connection refused"),
	}
}

func rateLimitErr() error {
	return &ia.RequestError{
		Op:         "upload",
		StatusCode: 503,
		Body:       "SlowDown: Please reduce your request rate.",
	}
}

func bucketRaceErr() error {
	return &ia.RequestError{
		Op:         "upload",
		StatusCode: 409,
		Body:       "Conflict: The bucket namespace is shared by all users of the system.",
	}
}

func serverErr() error {
	return &ia.RequestError{
		Op:         "upload",
		StatusCode: 500,
		Body:       "internal server error",
	}
}

func TestUploadSuccess(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 15, 30, 0, 0, time.UTC)
	link := h.seedLink(t, "UPLD-0001", created)

	h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

	file := h.fileForLink(t, link.GUID)
	assert.Equal(t, models.FileStatusUploadSubmitted, file.Status)
	require.NotNil(t, file.Item)
	assert.Equal(t, "permacap_2026-08-07", file.Item.Identifier)
	assert.Equal(t, 1, file.Item.TasksInProgress, "the in-flight slot stays held for the poller")

	assert.Equal(t, 1, h.archive.loadCalls)
	assert.Equal(t, 1, h.archive.getItemCalls)
	require.Len(t, h.archive.uploads, 1)
	up := h.archive.uploads[0]
	assert.Equal(t, "permacap_2026-08-07", up.req.Bucket)
	assert.Equal(t, "archive-UPLD-0001.warc.gz", up.req.Key)
	assert.Equal(t, warcPayload(link.GUID), up.payload)
	assert.Equal(t, int64(len(up.payload)), up.req.Size)
	assert.False(t, up.req.QueueDerive)

	// The item did not exist yet, so this upload carries its metadata.
	require.NotNil(t, up.req.ItemMetadata)
	assert.Equal(t, "test-collection", up.req.ItemMetadata["collection"])
	assert.Equal(t, "2026-08-07", up.req.ItemMetadata["date"])
	assert.Equal(t, link.GUID, up.req.FileMetadata["guid"])
	assert.Equal(t, link.SubmittedURL, up.req.FileMetadata["submitted-url"])
	assert.Equal(t, "Example UPLD-0001", up.req.FileMetadata["title"])

	assert.Equal(t, 0, h.eng.writes.Len())
}

func TestUploadToExistingItemOmitsItemMetadata(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "UPLD-0002", created)

	h.archive.listExternal("permacap_2026-08-07")

	h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

	require.Len(t, h.archive.uploads, 1)
	assert.Nil(t, h.archive.uploads[0].req.ItemMetadata)
	assert.NotEmpty(t, h.archive.uploads[0].req.FileMetadata)
}

func TestUploadSkipsIneligibleLink(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "UPLD-0003", created)
	require.NoError(t, h.store.MarkLinkPrivate(ctx, link.GUID, models.PrivateReasonUser))

	h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

	assert.Empty(t, h.archive.uploads)
	_, err := h.store.GetFileByLink(ctx, link.GUID)
	assert.ErrorIs(t, err, models.ErrFileNotFound, "no file row for a skipped link")
}

func TestUploadUnknownLinkIsAnError(t *testing.T) {
	h := newReplicationHarness(t, Config{})

	h.eng.runUpload(context.Background(), "NO-SUCH-GUID", h.eng.newBudgets())

	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 0, h.eng.writes.Len())
}

func TestUploadDispatch(t *testing.T) {
	tests := []struct {
		name        string
		status      models.FileStatus
		wantUpload  bool
		wantStatus  models.FileStatus
		wantCounter int
	}{
		{"confirmed present skips", models.FileStatusConfirmedPresent, false, models.FileStatusConfirmedPresent, 0},
		{"deletion attempted conflicts", models.FileStatusDeletionAttempted, false, models.FileStatusDeletionAttempted, 0},
		{"deletion submitted conflicts", models.FileStatusDeletionSubmitted, false, models.FileStatusDeletionSubmitted, 0},
		{"upload attempted proceeds", models.FileStatusUploadAttempted, true, models.FileStatusUploadSubmitted, 1},
		{"upload submitted proceeds", models.FileStatusUploadSubmitted, true, models.FileStatusUploadSubmitted, 1},
		{"confirmed absent re-uploads", models.FileStatusConfirmedAbsent, true, models.FileStatusUploadSubmitted, 1},
	}

	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// One day per case keeps the item counters independent.
			created := base.AddDate(0, 0, i)
			guid := fmt.Sprintf("DSPT-%04d", i+1)
			link := h.seedLink(t, guid, created)
			h.seedFile(t, guid, created, tt.status)

			before := len(h.archive.uploads)
			h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

			file := h.fileForLink(t, guid)
			assert.Equal(t, tt.wantStatus, file.Status)
			require.NotNil(t, file.Item)
			assert.Equal(t, tt.wantCounter, file.Item.TasksInProgress)
			if tt.wantUpload {
				assert.Len(t, h.archive.uploads, before+1)
			} else {
				assert.Len(t, h.archive.uploads, before)
			}
		})
	}
}

func TestUploadDeferredByArchiveLoad(t *testing.T) {
	tests := []struct {
		name string
		load *ia.LoadInfo
	}{
		{"service over limit", &ia.LoadInfo{OverLimit: 1}},
		{"access key share approaching", &ia.LoadInfo{Detail: ia.LoadDetail{
			AccessKeyRation: 10, AccessKeyTasksQueued: 8,
		}}},
		{"global share approaching", &ia.LoadInfo{Detail: ia.LoadDetail{
			TotalGlobalLimit: 100, TotalTasksQueued: 80,
		}}},
		{"bucket share approaching", &ia.LoadInfo{Detail: ia.LoadDetail{
			BucketRation: 10, BucketTasksQueued: 8,
		}}},
	}

	base := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newReplicationHarness(t, Config{})
			ctx := context.Background()
			created := base.AddDate(0, 0, i)
			guid := fmt.Sprintf("LOAD-%04d", i+1)
			link := h.seedLink(t, guid, created)
			h.archive.load = tt.load

			budgets := h.eng.newBudgets()
			h.eng.runUpload(ctx, link.GUID, budgets)

			assert.Empty(t, h.archive.uploads)
			assert.Equal(t, 1, budgets.Attempts(ClassRateLimit))
			assert.Equal(t, 1, h.eng.writes.Len(), "deferred upload requeues")

			file := h.fileForLink(t, guid)
			assert.Equal(t, models.FileStatusUploadAttempted, file.Status)
			require.NotNil(t, file.Item)
			assert.Equal(t, 0, file.Item.TasksInProgress, "the slot is released for the retry")
		})
	}
}

func TestUploadLoadGateExhaustsBudget(t *testing.T) {
	h := newReplicationHarness(t, Config{RetryForRateLimitingLimit: 1})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "LOAD-EXH1", created)
	h.archive.load = &ia.LoadInfo{OverLimit: 1}

	h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

	assert.Equal(t, 0, h.eng.writes.Len(), "exhausted budgets stop the retry loop")
	file := h.fileForLink(t, link.GUID)
	assert.Equal(t, models.FileStatusUploadAttempted, file.Status)
	require.NotNil(t, file.Item)
	assert.Equal(t, 1, file.Item.TasksInProgress, "a task that gives up leaves its slot held")
}

func TestUploadLoadProbeConnectionErrorIsBudgetFree(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "LOAD-CONN", created)
	h.archive.loadErr = connectionErr()

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 1, h.eng.writes.Len())
	assert.Equal(t, 0, budgets.Attempts(ClassRateLimit))
	assert.Equal(t, 0, budgets.Attempts(ClassConnection), "connection retries cost nothing on the write path")
}

func TestUploadLoadProbeFailureDefersUpload(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "LOAD-FAIL", created)
	h.archive.loadErr = errors.New("malformed probe response")

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	// An unreadable probe is treated as an overloaded archive.
	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 0, h.archive.getItemCalls)
	assert.Equal(t, 1, budgets.Attempts(ClassRateLimit))
	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestUploadItemFetchConnectionErrorIsBudgetFree(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "ITEM-CONN", created)
	h.archive.getItemErr = connectionErr()

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 1, h.eng.writes.Len())
	assert.Equal(t, 0, budgets.Attempts(ClassRateLimit))
	assert.Equal(t, 0, budgets.Attempts(ClassConnection))
}

func TestUploadItemFetchFailureUsesErrorBudget(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "ITEM-FAIL", created)
	h.archive.getItemErr = errors.New("metadata api returned garbage")

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 1, budgets.Attempts(ClassError))
	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestUploadRateLimitedRetriesThenSucceeds(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "RATE-0001", created)
	h.archive.uploadErrs = []error{rateLimitErr(), rateLimitErr(), rateLimitErr()}

	// One logical task carries its budgets across requeues.
	budgets := h.eng.newBudgets()
	for i := 0; i < 4; i++ {
		h.eng.runUpload(ctx, link.GUID, budgets)
	}

	file := h.fileForLink(t, link.GUID)
	assert.Equal(t, models.FileStatusUploadSubmitted, file.Status)
	require.NotNil(t, file.Item)
	assert.Equal(t, 1, file.Item.TasksInProgress, "retries net out, the final attempt holds one slot")

	assert.Len(t, h.archive.uploads, 4)
	assert.Equal(t, 3, budgets.Attempts(ClassRateLimit))
	assert.Equal(t, 3, h.eng.writes.Len(), "each failed attempt parked one requeue")
}

func TestUploadBucketRaceIsBudgetFree(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "RACE-0001", created)
	h.archive.uploadErrs = []error{bucketRaceErr()}

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Equal(t, 0, budgets.Attempts(ClassRateLimit))
	assert.Equal(t, 0, budgets.Attempts(ClassError))
	assert.Equal(t, 0, budgets.Attempts(ClassTimeout))
	assert.Equal(t, 1, h.eng.writes.Len())

	file := h.fileForLink(t, link.GUID)
	assert.Equal(t, models.FileStatusUploadAttempted, file.Status)
	require.NotNil(t, file.Item)
	assert.Equal(t, 0, file.Item.TasksInProgress)
}

func TestUploadConnectionErrorIsBudgetFree(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	link := h.seedLink(t, "CONN-0001", created)
	h.archive.uploadErrs = []error{connectionErr()}

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Len(t, h.archive.uploads, 1)
	assert.Equal(t, 0, budgets.Attempts(ClassConnection))
	assert.Equal(t, 0, budgets.Attempts(ClassError))
	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestUploadServerErrorUsesErrorBudget(t *testing.T) {
	t.Run("within budget requeues", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		ctx := context.Background()
		created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
		link := h.seedLink(t, "SRVE-0001", created)
		h.archive.uploadErrs = []error{serverErr()}

		budgets := h.eng.newBudgets()
		h.eng.runUpload(ctx, link.GUID, budgets)

		assert.Equal(t, 1, budgets.Attempts(ClassError))
		assert.Equal(t, 1, h.eng.writes.Len())

		file := h.fileForLink(t, link.GUID)
		assert.Equal(t, models.FileStatusUploadAttempted, file.Status)
		require.NotNil(t, file.Item)
		assert.Equal(t, 0, file.Item.TasksInProgress)
	})

	t.Run("exhausted budget strands the slot", func(t *testing.T) {
		h := newReplicationHarness(t, Config{RetryForErrorLimit: 1})
		ctx := context.Background()
		created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
		link := h.seedLink(t, "SRVE-0002", created)
		h.archive.uploadErrs = []error{serverErr()}

		h.eng.runUpload(ctx, link.GUID, h.eng.newBudgets())

		assert.Equal(t, 0, h.eng.writes.Len())
		file := h.fileForLink(t, link.GUID)
		assert.Equal(t, models.FileStatusUploadAttempted, file.Status)
		require.NotNil(t, file.Item)
		assert.Equal(t, 1, file.Item.TasksInProgress)
	})
}

func TestUploadMissingWarcUsesErrorBudget(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)

	// The link claims a WARC that is not in the blob store.
	link := &models.Link{
		GUID:         "LOST-0001",
		SubmittedURL: "https://example.com/lost",
		CreatedAt:    created,
	}
	require.NoError(t, h.store.CreateLink(ctx, link))
	require.NoError(t, h.store.SaveCapture(ctx, &models.Capture{
		LinkID: link.GUID,
		Role:   models.CaptureRolePrimary,
		Status: models.CaptureStatusSuccess,
	}))
	require.NoError(t, h.store.SetLinkWarcProperties(ctx, link.GUID, 1024, true))

	budgets := h.eng.newBudgets()
	h.eng.runUpload(ctx, link.GUID, budgets)

	assert.Empty(t, h.archive.uploads)
	assert.Equal(t, 1, budgets.Attempts(ClassError))
	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestUploadTimeoutClassification(t *testing.T) {
	t.Run("within budget requeues", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		day := time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC)
		item := h.itemForDay(t, day)
		require.NoError(t, h.store.AdjustTasksInProgress(context.Background(), item.ID, 1))

		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		budgets := h.eng.newBudgets()
		h.eng.classifyUploadFailure(ctx, item, "TIME-0001", budgets, errors.New("body write interrupted"))

		assert.Equal(t, 1, budgets.Attempts(ClassTimeout))
		assert.Equal(t, 1, h.eng.writes.Len())
		assert.Equal(t, 0, h.itemForDay(t, day).TasksInProgress)
	})

	t.Run("exhausted budget stops retrying", func(t *testing.T) {
		h := newReplicationHarness(t, Config{UploadMaxTimeouts: 1})
		day := time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC)
		item := h.itemForDay(t, day)
		require.NoError(t, h.store.AdjustTasksInProgress(context.Background(), item.ID, 1))

		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()

		h.eng.classifyUploadFailure(ctx, item, "TIME-0002", h.eng.newBudgets(), errors.New("body write interrupted"))

		assert.Equal(t, 0, h.eng.writes.Len())
		assert.Equal(t, 1, h.itemForDay(t, day).TasksInProgress)
	})
}
