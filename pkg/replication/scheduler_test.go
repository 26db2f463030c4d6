package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

// daysAgo returns the UTC midnight n days before now.
func daysAgo(n int) time.Time {
	day, _ := store.DaySpan(time.Now().UTC().AddDate(0, 0, -n))
	return day
}

func TestScheduleUploadsQueuesPendingLinks(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	dayA := daysAgo(2)
	dayB := daysAgo(1)

	h.seedLink(t, "SCHD-0001", dayA.Add(10*time.Hour))
	h.seedLink(t, "SCHD-0002", dayA.Add(11*time.Hour))
	h.seedLink(t, "SCHD-0003", dayB.Add(9*time.Hour))

	h.eng.ScheduleUploads(ctx)

	assert.Equal(t, 3, h.eng.writes.Len())

	itemA, err := h.store.GetItem(ctx, store.IdentifierForDate("permacap", dayA))
	require.NoError(t, err)
	assert.False(t, itemA.Complete, "days with queued links stay incomplete until confirmed")

	// Today had nothing to upload, so its item was created and closed.
	today, err := h.store.GetItem(ctx, store.IdentifierForDate("permacap", daysAgo(0)))
	require.NoError(t, err)
	assert.True(t, today.Complete)
}

func TestScheduleUploadsRespectsCapacity(t *testing.T) {
	t.Run("total headroom", func(t *testing.T) {
		h := newReplicationHarness(t, Config{MaxSimultaneousUploads: 2})
		ctx := context.Background()
		dayA := daysAgo(2)
		dayB := daysAgo(1)
		h.seedLink(t, "CAPA-0001", dayA.Add(8*time.Hour))
		h.seedLink(t, "CAPA-0002", dayA.Add(9*time.Hour))
		h.seedLink(t, "CAPA-0003", dayB.Add(8*time.Hour))
		h.seedLink(t, "CAPA-0004", dayB.Add(9*time.Hour))

		h.eng.ScheduleUploads(ctx)

		assert.Equal(t, 2, h.eng.writes.Len())
	})

	t.Run("in-flight slots reduce headroom", func(t *testing.T) {
		h := newReplicationHarness(t, Config{MaxSimultaneousUploads: 2})
		ctx := context.Background()
		dayA := daysAgo(1)
		h.seedLink(t, "CAPB-0001", dayA.Add(8*time.Hour))
		h.seedLink(t, "CAPB-0002", dayA.Add(9*time.Hour))

		item := h.itemForDay(t, dayA)
		require.NoError(t, h.store.AdjustTasksInProgress(ctx, item.ID, 1))

		h.eng.ScheduleUploads(ctx)

		assert.Equal(t, 1, h.eng.writes.Len())
	})

	t.Run("no headroom skips the pass", func(t *testing.T) {
		h := newReplicationHarness(t, Config{MaxSimultaneousUploads: 1})
		ctx := context.Background()
		dayA := daysAgo(1)
		h.seedLink(t, "CAPC-0001", dayA.Add(8*time.Hour))

		item := h.itemForDay(t, dayA)
		require.NoError(t, h.store.AdjustTasksInProgress(ctx, item.ID, 1))

		h.eng.ScheduleUploads(ctx)

		assert.Equal(t, 0, h.eng.writes.Len())
	})
}

func TestScheduleUploadsRespectsDailyLimit(t *testing.T) {
	h := newReplicationHarness(t, Config{DailyLimit: 1})
	ctx := context.Background()
	dayA := daysAgo(2)
	dayB := daysAgo(1)
	h.seedLink(t, "DAYL-0001", dayA.Add(8*time.Hour))
	h.seedLink(t, "DAYL-0002", dayA.Add(9*time.Hour))
	h.seedLink(t, "DAYL-0003", dayB.Add(8*time.Hour))
	h.seedLink(t, "DAYL-0004", dayB.Add(9*time.Hour))

	h.eng.ScheduleUploads(ctx)

	assert.Equal(t, 2, h.eng.writes.Len(), "one per day under the daily limit")
}

func TestScheduleUploadsSkipsBlockedDays(t *testing.T) {
	dayA := daysAgo(2)
	dayB := daysAgo(1)

	t.Run("date blocklist", func(t *testing.T) {
		h := newReplicationHarness(t, Config{
			DateBlocklist: []string{dayA.Format("2006-01-02")},
		})
		ctx := context.Background()
		h.seedLink(t, "BLKD-0001", dayA.Add(8*time.Hour))
		h.seedLink(t, "BLKD-0002", dayB.Add(8*time.Hour))

		h.eng.ScheduleUploads(ctx)

		assert.Equal(t, 1, h.eng.writes.Len())
		_, err := h.store.GetItem(ctx, store.IdentifierForDate("permacap", dayA))
		assert.ErrorIs(t, err, models.ErrItemNotFound, "blocked days never get item rows")
	})

	t.Run("identifier blocklist", func(t *testing.T) {
		h := newReplicationHarness(t, Config{
			IdentifierBlocklist: []string{store.IdentifierForDate("permacap", dayB)},
		})
		ctx := context.Background()
		h.seedLink(t, "BLKI-0001", dayA.Add(8*time.Hour))
		h.seedLink(t, "BLKI-0002", dayB.Add(8*time.Hour))

		h.eng.ScheduleUploads(ctx)

		assert.Equal(t, 1, h.eng.writes.Len())
	})
}

func TestScheduleUploadsMarksEmptyDaysComplete(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()

	h.eng.ScheduleUploads(ctx)

	assert.Equal(t, 0, h.eng.writes.Len())
	item, err := h.store.GetItem(ctx, store.IdentifierForDate("permacap", daysAgo(0)))
	require.NoError(t, err)
	assert.True(t, item.Complete)
}

func TestScheduleUploadsResumesFromOldestIncompleteItem(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()

	// A stale incomplete item three days back, and a fresh link today.
	old := h.itemForDay(t, daysAgo(3))
	assert.False(t, old.Complete)
	h.seedLink(t, "RESM-0001", daysAgo(0).Add(time.Minute))

	h.eng.ScheduleUploads(ctx)

	assert.Equal(t, 1, h.eng.writes.Len())
	revisited, err := h.store.GetItem(ctx, old.Identifier)
	require.NoError(t, err)
	assert.True(t, revisited.Complete, "empty days are closed as the walk passes them")
}

func TestScheduleUploadsRequeuesConfirmedAbsentLinks(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	dayA := daysAgo(1)

	// Deleted and re-published: eligible again, file row confirmed_absent.
	h.seedLink(t, "REUP-0001", dayA.Add(8*time.Hour))
	h.seedFile(t, "REUP-0001", dayA.Add(8*time.Hour), models.FileStatusConfirmedAbsent)

	// Still in flight: not queued again by the scheduler.
	h.seedLink(t, "REUP-0002", dayA.Add(9*time.Hour))
	h.seedFile(t, "REUP-0002", dayA.Add(9*time.Hour), models.FileStatusUploadSubmitted)

	h.eng.ScheduleUploads(ctx)

	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestScheduleCycleSkipsWhenWriteQueueBusy(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	dayA := daysAgo(1)
	h.seedLink(t, "BUSY-0001", dayA.Add(8*time.Hour))

	require.True(t, h.eng.writes.Enqueue(noopTask("inflight")))

	h.eng.ScheduleCycle(ctx)

	assert.Equal(t, 1, h.eng.writes.Len(), "a busy queue defers the whole pass")
	_, err := h.store.GetItem(ctx, store.IdentifierForDate("permacap", dayA))
	assert.ErrorIs(t, err, models.ErrItemNotFound)
}

func TestScheduleCycleQueuesUploadsAndDeletions(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	dayA := daysAgo(1)

	// One link waiting to go out.
	h.seedLink(t, "CYCL-0001", dayA.Add(8*time.Hour))

	// One replicated link since made private.
	h.seedLink(t, "CYCL-0002", dayA.Add(9*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "CYCL-0002", models.PrivateReasonUser))
	h.seedFile(t, "CYCL-0002", dayA.Add(9*time.Hour), models.FileStatusConfirmedPresent)

	h.eng.ScheduleCycle(ctx)

	assert.Equal(t, 2, h.eng.writes.Len())
}

func TestScheduleDeletionsSweep(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()
	dayA := daysAgo(1)

	// Private and confirmed present: queued.
	h.seedLink(t, "SWEP-0001", dayA.Add(8*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "SWEP-0001", models.PrivateReasonUser))
	h.seedFile(t, "SWEP-0001", dayA.Add(8*time.Hour), models.FileStatusConfirmedPresent)

	// A deletion that died mid-task: picked back up.
	h.seedLink(t, "SWEP-0002", dayA.Add(9*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "SWEP-0002", models.PrivateReasonUser))
	h.seedFile(t, "SWEP-0002", dayA.Add(9*time.Hour), models.FileStatusDeletionAttempted)

	// Still public: left alone.
	h.seedLink(t, "SWEP-0003", dayA.Add(10*time.Hour))
	h.seedFile(t, "SWEP-0003", dayA.Add(10*time.Hour), models.FileStatusConfirmedPresent)

	// Private but the upload is still settling: the deletion sweep
	// leaves the conflict to the tasks.
	h.seedLink(t, "SWEP-0004", dayA.Add(11*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "SWEP-0004", models.PrivateReasonUser))
	h.seedFile(t, "SWEP-0004", dayA.Add(11*time.Hour), models.FileStatusUploadSubmitted)

	h.eng.ScheduleDeletions(ctx)

	assert.Equal(t, 2, h.eng.writes.Len())
}

func TestScheduleDeletionsSkipsBlockedItems(t *testing.T) {
	dayA := daysAgo(2)
	dayB := daysAgo(1)
	h := newReplicationHarness(t, Config{
		IdentifierBlocklist: []string{store.IdentifierForDate("permacap", dayA)},
	})
	ctx := context.Background()

	h.seedLink(t, "DBLK-0001", dayA.Add(8*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "DBLK-0001", models.PrivateReasonUser))
	h.seedFile(t, "DBLK-0001", dayA.Add(8*time.Hour), models.FileStatusConfirmedPresent)

	h.seedLink(t, "DBLK-0002", dayB.Add(8*time.Hour))
	require.NoError(t, h.store.MarkLinkPrivate(ctx, "DBLK-0002", models.PrivateReasonUser))
	h.seedFile(t, "DBLK-0002", dayB.Add(8*time.Hour), models.FileStatusConfirmedPresent)

	h.eng.ScheduleDeletions(ctx)

	assert.Equal(t, 1, h.eng.writes.Len())
}

func TestScheduleConfirmations(t *testing.T) {
	t.Run("queues polls for submitted work", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		ctx := context.Background()
		dayA := daysAgo(1)

		h.seedLink(t, "POLL-0001", dayA.Add(8*time.Hour))
		h.seedFile(t, "POLL-0001", dayA.Add(8*time.Hour), models.FileStatusUploadSubmitted)
		h.seedLink(t, "POLL-0002", dayA.Add(9*time.Hour))
		h.seedFile(t, "POLL-0002", dayA.Add(9*time.Hour), models.FileStatusUploadSubmitted)
		h.seedLink(t, "POLL-0003", dayA.Add(10*time.Hour))
		h.seedFile(t, "POLL-0003", dayA.Add(10*time.Hour), models.FileStatusDeletionSubmitted)

		h.eng.ScheduleConfirmations(ctx)

		assert.Equal(t, 3, h.eng.reads.Len())
		assert.Equal(t, 0, h.eng.writes.Len(), "polls ride the read-only queue")
	})

	t.Run("skips while the read queue is busy", func(t *testing.T) {
		h := newReplicationHarness(t, Config{})
		ctx := context.Background()
		dayA := daysAgo(1)
		h.seedLink(t, "POLL-0004", dayA.Add(8*time.Hour))
		h.seedFile(t, "POLL-0004", dayA.Add(8*time.Hour), models.FileStatusUploadSubmitted)

		require.True(t, h.eng.reads.Enqueue(noopTask("inflight")))

		h.eng.ScheduleConfirmations(ctx)

		assert.Equal(t, 1, h.eng.reads.Len())
	})

	t.Run("skips blocklisted items", func(t *testing.T) {
		dayA := daysAgo(1)
		h := newReplicationHarness(t, Config{
			IdentifierBlocklist: []string{store.IdentifierForDate("permacap", dayA)},
		})
		ctx := context.Background()
		h.seedLink(t, "POLL-0005", dayA.Add(8*time.Hour))
		h.seedFile(t, "POLL-0005", dayA.Add(8*time.Hour), models.FileStatusUploadSubmitted)

		h.eng.ScheduleConfirmations(ctx)

		assert.Equal(t, 0, h.eng.reads.Len())
	})

	t.Run("respects the batch limit per status", func(t *testing.T) {
		h := newReplicationHarness(t, Config{ConfirmationBatchLimit: 1})
		ctx := context.Background()
		dayA := daysAgo(1)

		h.seedLink(t, "POLL-0006", dayA.Add(8*time.Hour))
		h.seedFile(t, "POLL-0006", dayA.Add(8*time.Hour), models.FileStatusUploadSubmitted)
		h.seedLink(t, "POLL-0007", dayA.Add(9*time.Hour))
		h.seedFile(t, "POLL-0007", dayA.Add(9*time.Hour), models.FileStatusUploadSubmitted)
		h.seedLink(t, "POLL-0008", dayA.Add(10*time.Hour))
		h.seedFile(t, "POLL-0008", dayA.Add(10*time.Hour), models.FileStatusDeletionSubmitted)
		h.seedLink(t, "POLL-0009", dayA.Add(11*time.Hour))
		h.seedFile(t, "POLL-0009", dayA.Add(11*time.Hour), models.FileStatusDeletionSubmitted)

		h.eng.ScheduleConfirmations(ctx)

		assert.Equal(t, 2, h.eng.reads.Len(), "each status list is capped separately")
	})
}

func TestScheduleStart(t *testing.T) {
	h := newReplicationHarness(t, Config{})
	ctx := context.Background()

	// Nothing recorded yet: start today.
	day, err := h.eng.scheduleStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, daysAgo(0).Format("2006-01-02"), day.UTC().Format("2006-01-02"))

	// A link is the earliest trace of history.
	h.seedLink(t, "STRT-0001", daysAgo(2).Add(8*time.Hour))
	day, err = h.eng.scheduleStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, daysAgo(2).Format("2006-01-02"), day.UTC().Format("2006-01-02"))

	// An incomplete item overrides the link history.
	h.itemForDay(t, daysAgo(4))
	day, err = h.eng.scheduleStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, daysAgo(4).Format("2006-01-02"), day.UTC().Format("2006-01-02"))

	// Completed items stop counting.
	item := h.itemForDay(t, daysAgo(4))
	require.NoError(t, h.store.MarkItemComplete(ctx, item.ID))
	day, err = h.eng.scheduleStart(ctx)
	require.NoError(t, err)
	assert.Equal(t, daysAgo(2).Format("2006-01-02"), day.UTC().Format("2006-01-02"))
}
