package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunequeue/backend/internal/models"
)

func testEntry() models.QueueEntry {
	return models.QueueEntry{
		ID:          "entry-1",
		VenueID:     "venue-1",
		TrackID:     "track-1",
		RequestedBy: "user-1",
		Tier:        models.TierPriority,
		CostPaid:    20,
		EnqueuedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Sequence:    7,
	}
}

func TestNextSequence(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStore(rdb)

	mock.ExpectIncr("queue:venue-1:seq").SetVal(int64(42))

	seq, err := store.NextSequence(context.Background(), "venue-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryInsert(t *testing.T) {
	entry := testEntry()
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	keys := []string{
		"queue:venue-1:members",
		"queue:venue-1:priority",
		"queue:venue-1:standard",
		"queue:venue-1:entries",
	}

	t.Run("inserts new track and reports position", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectEval(tryInsertScript, keys,
			entry.TrackID, entry.ID, string(raw), entry.Tier).
			SetVal([]interface{}{int64(1), int64(3)})

		inserted, position, err := store.TryInsert(context.Background(), "venue-1", entry)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, 3, position)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects track already queued", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectEval(tryInsertScript, keys,
			entry.TrackID, entry.ID, string(raw), entry.Tier).
			SetVal([]interface{}{int64(0), int64(0)})

		inserted, position, err := store.TryInsert(context.Background(), "venue-1", entry)
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Zero(t, position)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates redis errors", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectEval(tryInsertScript, keys,
			entry.TrackID, entry.ID, string(raw), entry.Tier).
			SetErr(assert.AnError)

		inserted, _, err := store.TryInsert(context.Background(), "venue-1", entry)
		assert.Error(t, err)
		assert.False(t, inserted)
	})
}

func TestRemove(t *testing.T) {
	entry := testEntry()
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	keys := []string{
		"queue:venue-1:members",
		"queue:venue-1:priority",
		"queue:venue-1:standard",
		"queue:venue-1:entries",
	}

	t.Run("removes live entry and returns it", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectEval(removeScript, keys, "entry-1").
			SetVal([]interface{}{int64(1), string(raw)})

		removed, got, err := store.Remove(context.Background(), "venue-1", "entry-1")
		require.NoError(t, err)
		assert.True(t, removed)
		require.NotNil(t, got)
		assert.Equal(t, entry.TrackID, got.TrackID)
		assert.Equal(t, entry.CostPaid, got.CostPaid)
		assert.Equal(t, entry.RequestedBy, got.RequestedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports missing entry without error", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectEval(removeScript, keys, "nope").
			SetVal([]interface{}{int64(0), ""})

		removed, got, err := store.Remove(context.Background(), "venue-1", "nope")
		require.NoError(t, err)
		assert.False(t, removed)
		assert.Nil(t, got)
	})
}

func TestGetEntry(t *testing.T) {
	entry := testEntry()
	raw, err := json.Marshal(entry)
	require.NoError(t, err)

	t.Run("returns stored entry", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectHGet("queue:venue-1:entries", "entry-1").SetVal(string(raw))

		got, err := store.GetEntry(context.Background(), "venue-1", "entry-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, entry.ID, got.ID)
		assert.Equal(t, entry.Tier, got.Tier)
	})

	t.Run("returns nil for unknown entry", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectHGet("queue:venue-1:entries", "missing").RedisNil()

		got, err := store.GetEntry(context.Background(), "venue-1", "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestIsMember(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	store := NewStore(rdb)

	mock.ExpectSIsMember("queue:venue-1:members", "track-1").SetVal(true)

	member, err := store.IsMember(context.Background(), "venue-1", "track-1")
	require.NoError(t, err)
	assert.True(t, member)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot(t *testing.T) {
	priority := testEntry()
	standard := testEntry()
	standard.ID = "entry-2"
	standard.TrackID = "track-2"
	standard.Tier = models.TierStandard
	standard.CostPaid = 10

	rawPriority, err := json.Marshal(priority)
	require.NoError(t, err)
	rawStandard, err := json.Marshal(standard)
	require.NoError(t, err)

	t.Run("returns both tiers with counts", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectLRange("queue:venue-1:priority", 0, -1).SetVal([]string{"entry-1"})
		mock.ExpectLRange("queue:venue-1:standard", 0, -1).SetVal([]string{"entry-2"})
		mock.ExpectHMGet("queue:venue-1:entries", "entry-1").SetVal([]interface{}{string(rawPriority)})
		mock.ExpectHMGet("queue:venue-1:entries", "entry-2").SetVal([]interface{}{string(rawStandard)})

		snapshot, err := store.Snapshot(context.Background(), "venue-1")
		require.NoError(t, err)
		require.Len(t, snapshot.PriorityEntries, 1)
		require.Len(t, snapshot.StandardEntries, 1)
		assert.Equal(t, "track-1", snapshot.PriorityEntries[0].TrackID)
		assert.Equal(t, "track-2", snapshot.StandardEntries[0].TrackID)
		assert.Equal(t, 2, snapshot.Stats.Total)
		assert.Equal(t, 1, snapshot.Stats.Priority)
		assert.Equal(t, 1, snapshot.Stats.Standard)
	})

	t.Run("skips entry removed mid-read", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectLRange("queue:venue-1:priority", 0, -1).SetVal([]string{"entry-1", "gone"})
		mock.ExpectLRange("queue:venue-1:standard", 0, -1).SetVal([]string{})
		mock.ExpectHMGet("queue:venue-1:entries", "entry-1", "gone").
			SetVal([]interface{}{string(rawPriority), nil})

		snapshot, err := store.Snapshot(context.Background(), "venue-1")
		require.NoError(t, err)
		assert.Len(t, snapshot.PriorityEntries, 1)
		assert.Equal(t, 1, snapshot.Stats.Total)
	})

	t.Run("returns empty snapshot for empty queue", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		store := NewStore(rdb)

		mock.ExpectLRange("queue:venue-1:priority", 0, -1).SetVal([]string{})
		mock.ExpectLRange("queue:venue-1:standard", 0, -1).SetVal([]string{})

		snapshot, err := store.Snapshot(context.Background(), "venue-1")
		require.NoError(t, err)
		assert.Empty(t, snapshot.PriorityEntries)
		assert.Empty(t, snapshot.StandardEntries)
		assert.Zero(t, snapshot.Stats.Total)
	})
}
