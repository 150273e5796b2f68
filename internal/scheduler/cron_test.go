package scheduler

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestCronManager_RunsAndReplacesJobs(t *testing.T) {
	cm := NewCronManager(testLogger())

	var first, second int32
	require.NoError(t, cm.AddOrUpdate("cleanup", "* * * * * *", func(ctx context.Context) { atomic.AddInt32(&first, 1) }))
	require.NoError(t, cm.AddOrUpdate("cleanup", "* * * * * *", func(ctx context.Context) { atomic.AddInt32(&second, 1) }))
	assert.Equal(t, []string{"cleanup"}, cm.Jobs())

	cm.Start()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&second) > 0 }, 3*time.Second, 50*time.Millisecond)
	cm.Stop(context.Background())

	assert.Zero(t, atomic.LoadInt32(&first))
}

func TestCronManager_InvalidSpec(t *testing.T) {
	cm := NewCronManager(testLogger())
	err := cm.AddOrUpdate("bad", "not a cron", func(ctx context.Context) {})
	assert.Error(t, err)
	assert.Empty(t, cm.Jobs())

	cm.Remove("missing")
}
