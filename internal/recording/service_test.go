package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/db"
)

func newTestService(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(zerolog.Nop(), store, filepath.Join(t.TempDir(), "recordings")), store
}

func TestRecordStopReopen(t *testing.T) {
	svc, store := newTestService(t)

	info, err := svc.Start("node01", "bench", map[string]any{"note": "test"})
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, info.Status)
	assert.True(t, svc.IsRecording("node01"))

	for i := 0; i < 100; i++ {
		svc.RecordPayload("node01", makeCloud(500, float32(i)), 1000.0+float64(i)*0.1)
	}

	stopInfo, err := svc.Stop(info.RecordingID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopping, stopInfo.Status, "stop is two-phase")

	// Wait for the background finalizer to persist the row.
	require.Eventually(t, func() bool {
		_, err := store.GetRecording(info.RecordingID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	row, err := store.GetRecording(info.RecordingID)
	require.NoError(t, err)
	assert.Equal(t, 100, row.FrameCount)
	assert.InDelta(t, 9.9, row.DurationSeconds, 1e-6)
	assert.Equal(t, "node01", row.NodeID)

	r, err := OpenReader(row.FilePath)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 100, r.FrameCount)

	points, ts, err := r.Frame(50)
	require.NoError(t, err)
	assert.Equal(t, 500, points.Len())
	assert.InDelta(t, 1005.0, ts, 1e-6)

	// Thumbnail generated next to the archive.
	if row.ThumbnailPath != "" {
		_, err := os.Stat(row.ThumbnailPath)
		assert.NoError(t, err)
	}
	assert.False(t, svc.IsRecording("node01"))
}

func TestFramesDroppedWhileStopping(t *testing.T) {
	svc, _ := newTestService(t)

	info, err := svc.Start("node01", "", nil)
	require.NoError(t, err)
	svc.RecordPayload("node01", makeCloud(10, 0), 1)

	s := svc
	s.mu.Lock()
	h := s.active[info.RecordingID]
	h.status = StatusStopping
	s.mu.Unlock()

	svc.RecordPayload("node01", makeCloud(10, 0), 2)
	s.mu.Lock()
	count := h.frameCount
	s.mu.Unlock()
	assert.Equal(t, 1, count, "frames arriving while stopping are dropped")
}

func TestConcurrentRecordingsOnSameNode(t *testing.T) {
	svc, store := newTestService(t)

	a, err := svc.Start("node01", "a", nil)
	require.NoError(t, err)
	b, err := svc.Start("node01", "b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.RecordingID, b.RecordingID)
	assert.NotEqual(t, a.FilePath, b.FilePath)

	for i := 0; i < 20; i++ {
		svc.RecordPayload("node01", makeCloud(5, 0), float64(i))
	}

	svc.StopAll()

	require.Eventually(t, func() bool {
		rows, err := store.ListRecordings("node01")
		return err == nil && len(rows) == 2
	}, 5*time.Second, 20*time.Millisecond)

	rows, err := store.ListRecordings("node01")
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, 20, row.FrameCount, "both recordings capture every frame")
	}
}

func TestStopUnknownRecording(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Stop("nope")
	assert.Error(t, err)
}
