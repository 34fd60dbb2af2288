package transfer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamguard/hls-auth-proxy/internal/transfer"
)

func TestStartRegistersAnActiveTransfer(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)
	require.NotEmpty(t, id)

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].ID)
	assert.Equal(t, "active", snaps[0].State)
	assert.Equal(t, int64(1000), snaps[0].TotalSize)
	assert.Equal(t, int64(0), snaps[0].BytesSent)
}

func TestProgressUpdatesBytesSent(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)

	r.Progress(id, 500)

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(500), snaps[0].BytesSent)
}

func TestProgressOnUnknownIDIsANoop(t *testing.T) {
	r := transfer.NewRegistry()
	assert.NotPanics(t, func() { r.Progress("does-not-exist", 100) })
}

func TestFinishMarksCompletedWithoutFailureReason(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)
	r.Progress(id, 1000)
	r.Finish(id, "")

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "completed", snaps[0].State)
	assert.Empty(t, snaps[0].FailureReason)
}

func TestFinishMarksFailedWithReason(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)
	r.Finish(id, "origin connection reset")

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "failed", snaps[0].State)
	assert.Equal(t, "origin connection reset", snaps[0].FailureReason)
}

func TestFinishOnUnknownIDIsANoop(t *testing.T) {
	r := transfer.NewRegistry()
	assert.NotPanics(t, func() { r.Finish("does-not-exist", "") })
}

func TestSnapshotComputesETAForActiveTransfers(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)
	time.Sleep(20 * time.Millisecond)
	r.Progress(id, 500)

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.Greater(t, snaps[0].ETASeconds, 0.0)
}

func TestFinishedTransferIsSweptAfterRetentionWindow(t *testing.T) {
	r := transfer.NewRegistry()
	id := r.Start("/videos/a.ts", "203.0.113.1", "uid-1", 1000)
	r.Finish(id, "")

	require.Len(t, r.Snapshot(), 1, "finished transfer should still be visible immediately")

	assert.Eventually(t, func() bool {
		return len(r.Snapshot()) == 0
	}, 6*time.Second, 50*time.Millisecond, "finished transfer should be swept after the retention window")
}
