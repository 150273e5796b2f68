package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/analysis"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/storage"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeMessage struct {
	data      []byte
	delivered uint64

	mu     sync.Mutex
	acked  bool
	termed bool
	nakIn  time.Duration
	naked  bool
}

func (m *fakeMessage) Data() []byte         { return m.data }
func (m *fakeMessage) NumDelivered() uint64 { return m.delivered }

func (m *fakeMessage) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMessage) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	return nil
}

func (m *fakeMessage) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakIn = d
	return nil
}

type fakeWorkflow struct {
	fn func(p analysis.Params) (*analysis.Result, error)
}

func (w fakeWorkflow) Run(ctx context.Context, p analysis.Params) (*analysis.Result, error) {
	return w.fn(p)
}

type fakeDLQ struct {
	mu     sync.Mutex
	causes []string
}

func (d *fakeDLQ) PublishDeadLetter(ctx context.Context, data []byte, cause string, delivered uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.causes = append(d.causes, cause)
	return nil
}

func newMessage(t *testing.T, store *storage.MemoryStore, id string, delivered uint64) *fakeMessage {
	t.Helper()
	msg := &domain.AnalysisQueueMessage{ID: id, Kind: domain.AnalysisOnDemand, Service: "svc", Start: 0, End: 10}
	require.NoError(t, store.CreateTracking(context.Background(), &domain.AnalysisTracking{
		SessionID: id, Kind: msg.Kind, Service: msg.Service, Status: domain.TrackingQueued, QueuedAt: time.Now(),
	}))
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return &fakeMessage{data: data, delivered: delivered}
}

func TestConsumer_Outcomes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	dlq := &fakeDLQ{}

	wf := fakeWorkflow{fn: func(p analysis.Params) (*analysis.Result, error) {
		switch p.SessionID {
		case "ok":
			return &analysis.Result{Success: true, SessionID: p.SessionID}, nil
		case "wf-failed":
			return &analysis.Result{Success: false, SessionID: p.SessionID, Error: "fetch logs: down"}, nil
		case "panics":
			panic("boom")
		default:
			return nil, errors.New("context canceled")
		}
	}}
	c := NewConsumer(nil, wf, store, dlq, testLogger(), ConsumerOptions{MaxDeliver: 3, RetryBackoff: time.Second})

	okMsg := newMessage(t, store, "ok", 1)
	failedMsg := newMessage(t, store, "wf-failed", 1)
	panicMsg := newMessage(t, store, "panics", 1)
	errMsg := newMessage(t, store, "errors", 2)
	exhausted := newMessage(t, store, "exhausted", 3)
	garbage := &fakeMessage{data: []byte("{not json"), delivered: 1}

	c.HandleBatch(ctx, []Message{okMsg, failedMsg, panicMsg, errMsg, exhausted, garbage})

	// 成功
	assert.True(t, okMsg.acked)
	tr, err := store.GetTracking(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingCompleted, tr.Status)
	assert.NotNil(t, tr.StartedAt)

	// 工作流失败：确认消息，不重试
	assert.True(t, failedMsg.acked)
	assert.False(t, failedMsg.naked)
	tr, err = store.GetTracking(ctx, "wf-failed")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingFailed, tr.Status)
	assert.Equal(t, 0, tr.RetryCount)
	assert.Equal(t, "fetch logs: down", tr.Error)

	// panic：重新投递
	assert.True(t, panicMsg.naked)
	assert.Equal(t, time.Second, panicMsg.nakIn)
	tr, err = store.GetTracking(ctx, "panics")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingRetrying, tr.Status)
	assert.Equal(t, 1, tr.RetryCount)
	assert.Contains(t, tr.Error, "panicked")

	// 第二次投递的退避翻倍
	assert.True(t, errMsg.naked)
	assert.Equal(t, 2*time.Second, errMsg.nakIn)

	// 达到最大投递次数
	assert.True(t, exhausted.termed)
	assert.False(t, exhausted.naked)
	tr, err = store.GetTracking(ctx, "exhausted")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingFailed, tr.Status)
	assert.NotNil(t, tr.CompletedAt)

	// 无法解码
	assert.True(t, garbage.termed)

	assert.ElementsMatch(t, []string{"context canceled", "undecodable message"}, dlq.causes)
}

func TestConsumer_Backoff(t *testing.T) {
	c := NewConsumer(nil, nil, nil, nil, testLogger(), ConsumerOptions{RetryBackoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, c.backoff(1))
	assert.Equal(t, 2*time.Second, c.backoff(2))
	assert.Equal(t, 4*time.Second, c.backoff(3))
	assert.Equal(t, 5*time.Second, c.backoff(4))
	assert.Equal(t, 5*time.Second, c.backoff(10))
}

type stubSource struct {
	mu      sync.Mutex
	batches [][]Message
	cancel  context.CancelFunc
}

func (s *stubSource) Fetch(ctx context.Context, batch int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		s.cancel()
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1 := newMessage(t, store, "a", 1)
	m2 := newMessage(t, store, "b", 1)
	src := &stubSource{batches: [][]Message{{m1}, {m2}}, cancel: cancel}
	wf := fakeWorkflow{fn: func(p analysis.Params) (*analysis.Result, error) {
		return &analysis.Result{Success: true, SessionID: p.SessionID}, nil
	}}

	c := NewConsumer(src, wf, store, nil, testLogger(), ConsumerOptions{})
	require.NoError(t, c.Run(ctx))
	assert.True(t, m1.acked)
	assert.True(t, m2.acked)
}

type workflowFunc func(ctx context.Context, p analysis.Params) (*analysis.Result, error)

func (f workflowFunc) Run(ctx context.Context, p analysis.Params) (*analysis.Result, error) {
	return f(ctx, p)
}

func TestConsumer_CancelWaitsForInFlightWorkflow(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var workflowErr error
	wf := workflowFunc(func(wctx context.Context, p analysis.Params) (*analysis.Result, error) {
		close(started)
		select {
		case <-wctx.Done():
			workflowErr = wctx.Err()
			return nil, wctx.Err()
		case <-release:
			return &analysis.Result{Success: true, SessionID: p.SessionID}, nil
		}
	})

	m := newMessage(t, store, "inflight", 1)
	src := &stubSource{batches: [][]Message{{m}}, cancel: func() {}}
	c := NewConsumer(src, wf, store, nil, testLogger(), ConsumerOptions{ProcessTimeout: time.Minute})

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not start")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("consumer returned while a workflow was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.NoError(t, workflowErr)
	assert.True(t, m.acked)
	assert.False(t, m.naked)
	tr, err := store.GetTracking(context.Background(), "inflight")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingCompleted, tr.Status)
}

func TestConsumer_ProcessTimeoutBoundsWorkflow(t *testing.T) {
	store := storage.NewMemoryStore()
	wf := workflowFunc(func(wctx context.Context, p analysis.Params) (*analysis.Result, error) {
		<-wctx.Done()
		return nil, wctx.Err()
	})

	m := newMessage(t, store, "slow", 1)
	c := NewConsumer(nil, wf, store, nil, testLogger(), ConsumerOptions{ProcessTimeout: 20 * time.Millisecond})
	c.HandleBatch(context.Background(), []Message{m})

	assert.True(t, m.naked)
	tr, err := store.GetTracking(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingRetrying, tr.Status)
	assert.Contains(t, tr.Error, "deadline exceeded")
}
