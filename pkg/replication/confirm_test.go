package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/models"
)

// seedSubmittedUpload stages a link whose upload has been submitted: the
// file row sits in upload_submitted with the item's in-flight slot held.
func seedSubmittedUpload(t *testing.T, h *replicationHarness, guid string, created time.Time) *models.InternetArchiveFile {
	t.Helper()
	h.seedLink(t, guid, created)
	file := h.seedFile(t, guid, created, models.FileStatusUploadSubmitted)
	require.NoError(t, h.store.AdjustTasksInProgress(context.Background(), file.ItemID, 1))
	return file
}

// listedWARC builds the external listing entry the archive would show
// once it has processed the link's upload.
func listedWARC(link *models.Link) ia.File {
	md := FileMetadataForLink(link)
	md["name"] = ia.WARCKey(link.GUID)
	md["format"] = "Web ARChive GZ"
	return ia.File{
		Name:     ia.WARCKey(link.GUID),
		Format:   "Web ARChive GZ",
		Size:     int64(len(warcPayload(link.GUID))),
		MD5:      "0123456789abcdef0123456789abcdef",
		SHA1:     "0123456789abcdef0123456789abcdef01234567",
		Metadata: md,
	}
}

func TestConfirmUploadSuccess(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 15, 30, 0, 0, time.UTC)
	file := seedSubmittedUpload(t, h, "CFUP-0001", created)

	link, err := h.store.GetLink(ctx, "CFUP-0001")
	require.NoError(t, err)

	// The archive stores metadata with its own whitespace habits.
	entry := listedWARC(link)
	entry.Metadata["title"] = "Example   CFUP-0001"
	ext := h.archive.listExternal("permacap_2026-08-07", entry)
	ext.FilesCount = 3

	h.eng.runConfirmUpload(ctx, file.ID, h.eng.newBudgets())

	got := h.fileForLink(t, "CFUP-0001")
	assert.Equal(t, models.FileStatusConfirmedPresent, got.Status)
	require.NotNil(t, got.CachedSize)
	assert.Equal(t, entry.Size, *got.CachedSize)
	assert.Equal(t, "Web ARChive GZ", got.CachedFormat)
	assert.Equal(t, entry.MD5, got.CachedMD5)
	assert.Equal(t, entry.SHA1, got.CachedSHA1)

	item := h.itemForDay(t, created)
	assert.Equal(t, 0, item.TasksInProgress, "confirmation releases the slot held since the upload")
	assert.True(t, item.ConfirmedExists)
	assert.True(t, item.DeriveRequired)
	assert.Equal(t, 3, item.CachedFileCount)

	snapshot, err := item.GetCachedMetadata()
	require.NoError(t, err)
	assert.Equal(t, "test-collection", snapshot["collection"])

	assert.Equal(t, 0, h.eng.reads.Len())
}

func TestConfirmUploadNotYetListed(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	file := seedSubmittedUpload(t, h, "CFUP-0002", created)

	// The item exists but the archive has not processed the upload yet.
	h.archive.listExternal("permacap_2026-08-07")

	budgets := h.eng.newBudgets()
	h.eng.runConfirmUpload(ctx, file.ID, budgets)

	got := h.fileForLink(t, "CFUP-0002")
	assert.Equal(t, models.FileStatusUploadSubmitted, got.Status, "unconfirmed files wait for the next poll")
	assert.Equal(t, 1, h.itemForDay(t, created).TasksInProgress)
	assert.Equal(t, 0, h.eng.reads.Len(), "the poller re-queues on its own schedule")
	assert.Equal(t, 0, budgets.Attempts(ClassError))
}

func TestConfirmUploadMetadataMismatch(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	file := seedSubmittedUpload(t, h, "CFUP-0003", created)

	link, err := h.store.GetLink(ctx, "CFUP-0003")
	require.NoError(t, err)

	entry := listedWARC(link)
	entry.Metadata["submitted-url"] = "https://example.com/someone-elses-page"
	h.archive.listExternal("permacap_2026-08-07", entry)

	h.eng.runConfirmUpload(ctx, file.ID, h.eng.newBudgets())

	got := h.fileForLink(t, "CFUP-0003")
	assert.Equal(t, models.FileStatusUploadSubmitted, got.Status)
	assert.Equal(t, 1, h.itemForDay(t, created).TasksInProgress)
}

func TestConfirmUploadSkipsConfirmedFile(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	h.seedLink(t, "CFUP-0004", created)
	file := h.seedFile(t, "CFUP-0004", created, models.FileStatusConfirmedPresent)

	h.eng.runConfirmUpload(ctx, file.ID, h.eng.newBudgets())

	assert.Equal(t, 0, h.archive.getItemCalls, "already-confirmed files never hit the archive")
}

func TestConfirmUploadConnectionErrorRetries(t *testing.T) {
	t.Run("within budget requeues", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		ctx := context.Background()
		created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
		file := seedSubmittedUpload(t, h, "CFUP-0005", created)
		h.archive.getItemErr = connectionErr()

		budgets := h.eng.newBudgets()
		h.eng.runConfirmUpload(ctx, file.ID, budgets)

		assert.Equal(t, 1, budgets.Attempts(ClassConnection))
		assert.Equal(t, 1, h.eng.reads.Len())
		assert.Equal(t, models.FileStatusUploadSubmitted, h.fileForLink(t, "CFUP-0005").Status)
	})

	t.Run("exhausted budget stops retrying", func(t *testing.T) {
		h := newReplicationHarness(t, Config{RetryForConfirmationConnectionError: 1})
		ctx := context.Background()
		created := time.Date(2026, 8, 8, 9, 0, 0, 0, time.UTC)
		file := seedSubmittedUpload(t, h, "CFUP-0006", created)
		h.archive.getItemErr = connectionErr()

		h.eng.runConfirmUpload(ctx, file.ID, h.eng.newBudgets())

		assert.Equal(t, 0, h.eng.reads.Len())
		assert.Equal(t, models.FileStatusUploadSubmitted, h.fileForLink(t, "CFUP-0006").Status)
	})
}

func TestConfirmUploadItemFetchFailureWaitsForNextPoll(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	file := seedSubmittedUpload(t, h, "CFUP-0007", created)
	h.archive.getItemErr = errors.New("metadata api returned garbage")

	budgets := h.eng.newBudgets()
	h.eng.runConfirmUpload(ctx, file.ID, budgets)

	assert.Equal(t, 0, h.eng.reads.Len())
	assert.Equal(t, 0, budgets.Attempts(ClassError))
	assert.Equal(t, models.FileStatusUploadSubmitted, h.fileForLink(t, "CFUP-0007").Status)
}

// seedSubmittedDeletion stages a link whose deletion has been submitted,
// with stale cached listing fields left over from its confirmed days.
func seedSubmittedDeletion(t *testing.T, h *replicationHarness, guid string, created time.Time) *models.InternetArchiveFile {
	t.Helper()
	ctx := context.Background()

	h.seedLink(t, guid, created)
	require.NoError(t, h.store.MarkLinkPrivate(ctx, guid, models.PrivateReasonUser))

	item := h.itemForDay(t, created)
	size := int64(len(warcPayload(guid)))
	file := &models.InternetArchiveFile{
		ItemID:       item.ID,
		LinkID:       guid,
		Status:       models.FileStatusDeletionSubmitted,
		CachedSize:   &size,
		CachedFormat: "Web ARChive GZ",
		CachedMD5:    "0123456789abcdef0123456789abcdef",
		CachedSHA1:   "0123456789abcdef0123456789abcdef01234567",
	}
	require.NoError(t, h.store.CreateFile(ctx, file))
	require.NoError(t, h.store.AdjustTasksInProgress(ctx, item.ID, 1))
	return file
}

func TestConfirmDeletionSuccess(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 15, 30, 0, 0, time.UTC)
	file := seedSubmittedDeletion(t, h, "CFDL-0001", created)

	// The listing still has other files, but not this one.
	ext := h.archive.listExternal("permacap_2026-08-07", ia.File{Name: "archive-OTHER.warc.gz"})
	ext.FilesCount = 1

	h.eng.runConfirmDeletion(ctx, file.ID, h.eng.newBudgets())

	got := h.fileForLink(t, "CFDL-0001")
	assert.Equal(t, models.FileStatusConfirmedAbsent, got.Status)
	assert.Nil(t, got.CachedSize, "stale listing fields are zeroed")
	assert.Empty(t, got.CachedFormat)
	assert.Empty(t, got.CachedMD5)
	assert.Empty(t, got.CachedSHA1)

	item := h.itemForDay(t, created)
	assert.Equal(t, 0, item.TasksInProgress)
	assert.True(t, item.DeriveRequired)
	assert.Equal(t, 1, item.CachedFileCount)
}

func TestConfirmDeletionStillListedRetries(t *testing.T) {
	t.Run("within budget requeues", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		ctx := context.Background()
		created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
		file := seedSubmittedDeletion(t, h, "CFDL-0002", created)

		h.archive.listExternal("permacap_2026-08-07", ia.File{Name: ia.WARCKey("CFDL-0002")})

		budgets := h.eng.newBudgets()
		h.eng.runConfirmDeletion(ctx, file.ID, budgets)

		assert.Equal(t, 1, budgets.Attempts(ClassError))
		assert.Equal(t, 1, h.eng.reads.Len())
		assert.Equal(t, models.FileStatusDeletionSubmitted, h.fileForLink(t, "CFDL-0002").Status)
		assert.Equal(t, 1, h.itemForDay(t, created).TasksInProgress)
	})

	t.Run("exhausted budget stops retrying", func(t *testing.T) {
		h := newReplicationHarness(t, Config{RetryForErrorLimit: 1})
		ctx := context.Background()
		created := time.Date(2026, 8, 8, 9, 0, 0, 0, time.UTC)
		file := seedSubmittedDeletion(t, h, "CFDL-0003", created)

		h.archive.listExternal("permacap_2026-08-08", ia.File{Name: ia.WARCKey("CFDL-0003")})

		h.eng.runConfirmDeletion(ctx, file.ID, h.eng.newBudgets())

		assert.Equal(t, 0, h.eng.reads.Len())
		assert.Equal(t, 1, h.itemForDay(t, created).TasksInProgress, "a poll that gives up leaves the slot held")
	})
}

func TestConfirmDeletionSkipsConfirmedAbsent(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	h.seedLink(t, "CFDL-0004", created)
	file := h.seedFile(t, "CFDL-0004", created, models.FileStatusConfirmedAbsent)

	h.eng.runConfirmDeletion(ctx, file.ID, h.eng.newBudgets())

	assert.Equal(t, 0, h.archive.getItemCalls)
}

func TestConfirmDeletionConnectionErrorRetries(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	created := time.Date(2026, 8, 7, 9, 0, 0, 0, time.UTC)
	file := seedSubmittedDeletion(t, h, "CFDL-0005", created)
	h.archive.getItemErr = connectionErr()

	budgets := h.eng.newBudgets()
	h.eng.runConfirmDeletion(ctx, file.ID, budgets)

	assert.Equal(t, 1, budgets.Attempts(ClassConnection))
	assert.Equal(t, 1, h.eng.reads.Len())
	assert.Equal(t, models.FileStatusDeletionSubmitted, h.fileForLink(t, "CFDL-0005").Status)
}
