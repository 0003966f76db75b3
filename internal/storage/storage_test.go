package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "buffer.db"), logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndFetchPending(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.StoreReading("2026-08-23T10:00:00-04:00", `{"waterTempF":72.5}`)
	require.NoError(t, err)
	id2, err := s.StoreReading("2026-08-23T10:05:00-04:00", `{"waterTempF":72.7}`)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	pending, err := s.Unuploaded(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// Insertion order preserved.
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
	assert.JSONEq(t, `{"waterTempF":72.5}`, pending[0].Payload)
}

func TestUnuploadedHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.StoreReading("ts", "{}")
		require.NoError(t, err)
	}
	pending, err := s.Unuploaded(3)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestMarkUploadedAndStats(t *testing.T) {
	s := openTestStore(t)

	id, err := s.StoreReading("2026-08-23T10:00:00-04:00", "{}")
	require.NoError(t, err)
	_, err = s.StoreReading("2026-08-23T10:05:00-04:00", "{}")
	require.NoError(t, err)

	require.NoError(t, s.MarkUploaded(id))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Uploaded)
	assert.Equal(t, int64(1), stats.Pending)
	require.NotNil(t, stats.OldestPending)
	assert.Equal(t, "2026-08-23T10:05:00-04:00", *stats.OldestPending)

	pending, err := s.Unuploaded(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMarkUploadedUnknownIDIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.MarkUploaded(12345))
}

func TestCleanupUploadedPrunesOnlyOldUploadedRows(t *testing.T) {
	s := openTestStore(t)

	oldID, err := s.StoreReading("old", "{}")
	require.NoError(t, err)
	require.NoError(t, s.MarkUploaded(oldID))
	// Age the row well past the retention window.
	require.NoError(t, s.db.Model(&SensorReading{}).
		Where("id = ?", oldID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	freshUploaded, err := s.StoreReading("fresh-uploaded", "{}")
	require.NoError(t, err)
	require.NoError(t, s.MarkUploaded(freshUploaded))

	_, err = s.StoreReading("pending", "{}")
	require.NoError(t, err)

	deleted, err := s.CleanupUploaded(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)

	require.NoError(t, s.Vacuum())
}
