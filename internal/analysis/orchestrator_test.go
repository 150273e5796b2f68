package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/session"
	"github.com/oriys/logflow/internal/storage"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeClient struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fixture struct {
	store *storage.MemoryStore
	state *session.MemoryStateStore
	reg   *session.Registry
}

func newFixture() *fixture {
	store := storage.NewMemoryStore()
	state := session.NewMemoryStateStore()
	return &fixture{
		store: store,
		state: state,
		reg:   session.NewRegistry(state, store, testLogger(), session.Options{}),
	}
}

func (f *fixture) seed(t *testing.T, service string, level domain.Level, n int, ts int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.store.InsertLog(context.Background(), &domain.LogRecord{
			ID:        fmt.Sprintf("%s-%s-%d-%d", service, level, ts, i),
			Service:   service,
			Level:     level,
			Message:   fmt.Sprintf("%s message %d", level, i),
			Timestamp: ts + int64(i),
		}))
	}
}

func params(id, service string) Params {
	return Params{SessionID: id, Kind: domain.AnalysisOnDemand, Service: service, Start: 0, End: 10_000}
}

func TestRun_ZeroLogsSkipsInference(t *testing.T) {
	f := newFixture()
	client := &fakeClient{reply: `{"summary":"x"}`}
	o := NewOrchestrator(f.store, f.reg, client, testLogger(), Options{})

	res, err := o.Run(context.Background(), params("s1", "empty"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Zero(t, res.LogsProcessed)
	assert.Contains(t, res.Summary, "No logs found")
	assert.Zero(t, client.calls())

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
}

func TestRun_ClassifiesAndParsesInference(t *testing.T) {
	f := newFixture()
	t0 := int64(1000)
	f.seed(t, "svc", domain.LevelError, 4, t0)
	f.seed(t, "svc", domain.LevelCritical, 1, t0+100)
	f.seed(t, "svc", domain.LevelWarn, 2, t0+200)
	f.seed(t, "svc", domain.LevelInfo, 3, t0+300)
	f.seed(t, "svc", domain.LevelDebug, 1, t0+400)
	f.seed(t, "other", domain.LevelError, 9, t0)

	client := &fakeClient{reply: "Here you go:\n" + `{"summary":"DB timeouts","patterns":["timeouts"],"recommendations":["raise pool"]}` + "\nthanks"}
	o := NewOrchestrator(f.store, f.reg, client, testLogger(), Options{})

	res, err := o.Run(context.Background(), params("s2", "svc"))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.Fallback)
	assert.Equal(t, 11, res.LogsProcessed)
	assert.Equal(t, Counts{Errors: 5, Warnings: 2, Info: 4}, res.Counts)
	assert.Equal(t, "DB timeouts", res.Summary)
	assert.Equal(t, []string{"timeouts"}, res.Patterns)
	assert.Equal(t, []string{"raise pool"}, res.Recommendations)

	require.Equal(t, 1, client.calls())
	prompt := client.prompts[0]
	assert.Contains(t, prompt, "Error samples:")
	assert.Contains(t, prompt, "Warning samples:")
	assert.NotContains(t, prompt, "INFO message")

	mirrored, err := f.store.GetSession(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, 5, mirrored.ErrorCount)
	assert.Equal(t, "DB timeouts", mirrored.Summary)
}

func TestRun_InferenceFallback(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
	}{
		{"inference error", &fakeClient{err: domain.ErrInference}},
		{"no json", &fakeClient{reply: "I cannot help with that"}},
		{"broken json", &fakeClient{reply: `{"summary": "x", "patterns": [`}},
		{"empty summary", &fakeClient{reply: `{"summary": ""}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.seed(t, "svc", domain.LevelError, 5, 100)
			f.seed(t, "svc", domain.LevelWarn, 2, 200)
			o := NewOrchestrator(f.store, f.reg, tt.client, testLogger(), Options{})

			res, err := o.Run(context.Background(), params("s", "svc"))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.True(t, res.Fallback)
			assert.Equal(t, "Analyzed 7 logs for service svc: 5 errors, 2 warnings, 0 info.", res.Summary)
			assert.Len(t, res.Patterns, 2)
		})
	}
}

func TestRun_SampleBounds(t *testing.T) {
	f := newFixture()
	f.seed(t, "svc", domain.LevelError, 80, 100)
	f.seed(t, "svc", domain.LevelWarn, 40, 1000)
	client := &fakeClient{reply: `{"summary":"s"}`}
	o := NewOrchestrator(f.store, f.reg, client, testLogger(), Options{})

	_, err := o.Run(context.Background(), params("s", "svc"))
	require.NoError(t, err)

	prompt := client.prompts[0]
	assert.Equal(t, maxErrorSamples, strings.Count(prompt, "[ERROR]"))
	assert.Equal(t, maxWarningSamples, strings.Count(prompt, "[WARN]"))
}

func TestRun_MaxLogsBound(t *testing.T) {
	f := newFixture()
	f.seed(t, "svc", domain.LevelInfo, 20, 100)
	o := NewOrchestrator(f.store, f.reg, nil, testLogger(), Options{MaxLogs: 5})

	res, err := o.Run(context.Background(), params("s", "svc"))
	require.NoError(t, err)
	assert.Equal(t, 5, res.LogsProcessed)
}

func TestRun_GlobalCoversAllServices(t *testing.T) {
	f := newFixture()
	f.seed(t, "a", domain.LevelError, 2, 100)
	f.seed(t, "b", domain.LevelWarn, 3, 100)
	o := NewOrchestrator(f.store, f.reg, nil, testLogger(), Options{})

	p := ParamsFromMessage(&domain.AnalysisQueueMessage{ID: "g", Kind: domain.AnalysisGlobal, Service: "ignored", Start: 0, End: 10_000})
	res, err := o.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 5, res.LogsProcessed)
	assert.Contains(t, res.Summary, "all services")
}

type brokenQuerier struct{}

func (brokenQuerier) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.LogRecord, error) {
	return nil, errors.New("connection refused")
}

func TestRun_FetchFailureFailsSession(t *testing.T) {
	f := newFixture()
	o := NewOrchestrator(brokenQuerier{}, f.reg, nil, testLogger(), Options{})

	res, err := o.Run(context.Background(), params("s", "svc"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection refused")

	sess, err := f.store.GetSession(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
}

func TestRun_ReplayOfFinishedSession(t *testing.T) {
	f := newFixture()
	f.seed(t, "svc", domain.LevelError, 1, 100)
	client := &fakeClient{reply: `{"summary":"first"}`}
	o := NewOrchestrator(f.store, f.reg, client, testLogger(), Options{})

	_, err := o.Run(context.Background(), params("s", "svc"))
	require.NoError(t, err)

	client.reply = `{"summary":"second"}`
	res, err := o.Run(context.Background(), params("s", "svc"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "first", res.Summary)
	assert.Equal(t, 1, client.calls())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture()
	reg := session.NewRegistry(f.state, f.store, testLogger(), session.Options{Lease: blockingLease{}})
	o := NewOrchestrator(f.store, reg, nil, testLogger(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, params("s", "svc"))
	assert.Error(t, err)
}

type blockingLease struct{}

func (blockingLease) Acquire(ctx context.Context, id string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestParseOutcome(t *testing.T) {
	out, err := parseOutcome("```json\n{\"summary\":\"a\",\"patterns\":[\"p\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "a", out.Summary)
	assert.Equal(t, []string{"p"}, out.Patterns)

	_, err = parseOutcome("nothing here")
	assert.ErrorIs(t, err, domain.ErrInference)
}

func TestSynthesize_Deterministic(t *testing.T) {
	c := Counts{Errors: 1}
	assert.Equal(t, synthesize("svc", c), synthesize("svc", c))
	assert.Equal(t, []string{"No action required"}, synthesize("svc", Counts{Info: 3}).Recommendations)
}
