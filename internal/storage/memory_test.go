package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/domain"
)

func TestMemoryStore_InsertTruncatesMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &domain.LogRecord{ID: "a", Service: "svc", Level: domain.LevelInfo, Message: strings.Repeat("m", 1500), Timestamp: 10}
	require.NoError(t, s.InsertLog(ctx, rec))

	got, err := s.GetLog(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, got.Message, domain.MaxStoredMessageLength)
	assert.Nil(t, got.ArchiveKey)

	// 重复 ID 被拒绝
	err = s.InsertLog(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrStorageQuery)
}

func TestMemoryStore_ListExpiredLogsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i, ts := range []int64{50, 10, 30, 100} {
		require.NoError(t, s.InsertLog(ctx, &domain.LogRecord{
			ID: string(rune('a' + i)), Service: "svc", Level: domain.LevelInfo, Message: "m", Timestamp: ts,
		}))
	}
	require.NoError(t, s.InsertLog(ctx, &domain.LogRecord{ID: "other", Service: "x", Level: domain.LevelInfo, Message: "m", Timestamp: 1}))

	got, err := s.ListExpiredLogs(ctx, "svc", 100, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Timestamp)
	assert.Equal(t, int64(30), got[1].Timestamp)

	n, err := s.DeleteLogs(ctx, []string{got[0].ID, got[1].ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 3, s.LogCount())
}

func TestMemoryStore_TrackingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateTracking(ctx, &domain.AnalysisTracking{SessionID: "s1", Kind: domain.AnalysisOnDemand, Service: "svc", Status: domain.TrackingQueued}))
	require.NoError(t, s.MarkTrackingProcessing(ctx, "s1", time.Now()))
	require.NoError(t, s.MarkTrackingFailed(ctx, "s1", "boom", true))
	require.NoError(t, s.MarkTrackingFailed(ctx, "s1", "boom again", true))

	tr, err := s.GetTracking(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingRetrying, tr.Status)
	assert.Equal(t, 2, tr.RetryCount)
	assert.Equal(t, "boom again", tr.Error)
	assert.Nil(t, tr.CompletedAt)

	require.NoError(t, s.MarkTrackingFailed(ctx, "s1", "gave up", false))
	tr, err = s.GetTracking(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingFailed, tr.Status)
	assert.Equal(t, 2, tr.RetryCount)
	assert.NotNil(t, tr.CompletedAt)

	assert.ErrorIs(t, s.MarkTrackingCompleted(ctx, "nope", time.Now()), domain.ErrTrackingNotFound)
}
