package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/domain"
)

func TestLocalBus_PublishFetchRedeliver(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(8)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, &domain.AnalysisQueueMessage{ID: id, Kind: domain.AnalysisOnDemand}))
	}

	msgs, err := bus.Fetch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), msgs[0].NumDelivered())

	var first domain.AnalysisQueueMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data(), &first))
	assert.Equal(t, "a", first.ID)

	require.NoError(t, msgs[0].NakWithDelay(10*time.Millisecond))
	require.NoError(t, msgs[1].Ack())

	rest, err := bus.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.NoError(t, rest[0].Ack())

	require.Eventually(t, func() bool { return bus.Pending() == 1 }, time.Second, 5*time.Millisecond)
	again, err := bus.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, uint64(2), again[0].NumDelivered())
}

func TestLocalBus_FetchReturnsOnCancel(t *testing.T) {
	bus := NewLocalBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs, err := bus.Fetch(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLocalBus_RequeueOnFullQueueDeadLetters(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(1)
	bus.requeueTimeout = 20 * time.Millisecond

	require.NoError(t, bus.Publish(ctx, &domain.AnalysisQueueMessage{ID: "a", Kind: domain.AnalysisOnDemand}))
	msgs, err := bus.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// 队列再次被占满，重新入队无法完成
	require.NoError(t, bus.Publish(ctx, &domain.AnalysisQueueMessage{ID: "b", Kind: domain.AnalysisOnDemand}))
	require.NoError(t, msgs[0].NakWithDelay(0))

	require.Eventually(t, func() bool { return len(bus.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	var dead domain.AnalysisQueueMessage
	require.NoError(t, json.Unmarshal(bus.DeadLetters()[0], &dead))
	assert.Equal(t, "a", dead.ID)
	assert.Equal(t, 1, bus.Pending())
}
