package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/archive"
	"github.com/oriys/logflow/internal/cleanup"
	"github.com/oriys/logflow/internal/domain"
	"github.com/oriys/logflow/internal/ingest"
	"github.com/oriys/logflow/internal/metrics"
	"github.com/oriys/logflow/internal/pipeline"
	"github.com/oriys/logflow/internal/queue"
	"github.com/oriys/logflow/internal/session"
	"github.com/oriys/logflow/internal/storage"
)

type testServer struct {
	router http.Handler
	svc    *pipeline.Service
	bus    *queue.LocalBus
}

func newTestServer(t *testing.T, analysisEnabled bool) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMemoryStore()
	blobs, err := archive.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	arc := archive.New(blobs, "logs")
	m := metrics.NewMetrics("logflow_test")

	defaults := domain.DefaultConfig{TTLDays: 30, BatchSize: 100, AnalysisEnabled: analysisEnabled}
	coord := ingest.NewCoordinator(store, arc, logger, ingest.Options{Metrics: m})
	bus := queue.NewLocalBus(16)
	svc := pipeline.NewService(pipeline.Deps{
		Store:     store,
		Archive:   arc,
		Ingest:    coord,
		Cleanup:   cleanup.NewBatcher(store, arc, coord, defaults, m, logger),
		Publisher: bus,
		Sessions:  session.NewRegistry(session.NewMemoryStateStore(), store, logger, session.Options{}),
		Defaults:  defaults,
		Metrics:   m,
		Logger:    logger,
	})
	t.Cleanup(func() { _ = svc.Drain(context.Background()) })

	router := NewRouter(&RouterConfig{
		Handler: NewHandler(svc, logger),
		Metrics: m,
		Logger:  logger,
	})
	return &testServer{router: router, svc: svc, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, true)
	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		rec := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestAndGet(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodPost, "/v1/logs", `{"service":"svc-a","level":"warning","message":"disk almost full","metadata":{"disk":"/dev/sda"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created IngestResponse
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = s.do(t, http.MethodGet, "/v1/logs/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.LogRecord
	decode(t, rec, &got)
	assert.Equal(t, domain.LevelWarn, got.Level)
	assert.Equal(t, "svc-a", got.Service)

	require.NoError(t, s.svc.Drain(context.Background()))
	rec = s.do(t, http.MethodGet, "/v1/logs/"+created.ID+"/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, "disk almost full", got.Message)
	assert.NotNil(t, got.ArchiveKey)

	rec = s.do(t, http.MethodGet, "/v1/logs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestErrors(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"service":`},
		{"missing service", `{"level":"INFO","message":"m"}`},
		{"bad service", `{"service":"a b","level":"INFO","message":"m"}`},
		{"bad level", `{"service":"svc","level":"LOUD","message":"m"}`},
		{"empty message", `{"service":"svc","level":"INFO","message":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/logs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var errResp ErrorResponse
			decode(t, rec, &errResp)
			assert.NotEmpty(t, errResp.Error)
			assert.NotEmpty(t, errResp.RequestID)
		})
	}
}

func TestBatchIngest(t *testing.T) {
	s := newTestServer(t, true)

	body := `{"logs":[
		{"service":"svc","level":"INFO","message":"a"},
		{"service":"svc","level":"nope","message":"b"},
		{"service":"svc","level":"ERROR","message":"c"}
	]}`
	rec := s.do(t, http.MethodPost, "/v1/logs/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res domain.BatchResult
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "record 1")

	var buf bytes.Buffer
	buf.WriteString(`{"logs":[`)
	for i := 0; i <= domain.MaxBatchSize; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"service":"svc","level":"INFO","message":"x"}`)
	}
	buf.WriteString(`]}`)
	rec = s.do(t, http.MethodPost, "/v1/logs/batch", buf.String())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/logs/batch", `{"logs":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryLogs(t *testing.T) {
	s := newTestServer(t, true)
	for _, msg := range []string{"connection refused", "request served", "connection reset"} {
		rec := s.do(t, http.MethodPost, "/v1/logs", `{"service":"api","level":"ERROR","message":"`+msg+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/v1/logs?service=api&search=connection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res QueryLogsResponse
	decode(t, rec, &res)
	assert.Equal(t, 2, res.Count)

	rec = s.do(t, http.MethodGet, "/v1/logs?service=api&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, 1, res.Count)

	rec = s.do(t, http.MethodGet, "/v1/logs?start=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/logs?start=10&end=5", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisEndpoints(t *testing.T) {
	s := newTestServer(t, true)
	now := time.Now().UnixMilli()

	body, _ := json.Marshal(domain.AnalysisRequest{Service: "api", Start: now - 3600_000, End: now})
	rec := s.do(t, http.MethodPost, "/v1/analysis", string(body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted EnqueueAnalysisResponse
	decode(t, rec, &accepted)
	require.NotEmpty(t, accepted.SessionID)
	assert.Equal(t, 1, s.bus.Pending())

	rec = s.do(t, http.MethodGet, "/v1/analysis/"+accepted.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess domain.AnalysisSession
	decode(t, rec, &sess)
	assert.Equal(t, domain.SessionPending, sess.Status)

	rec = s.do(t, http.MethodGet, "/v1/analysis/"+accepted.SessionID+"/tracking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tr domain.AnalysisTracking
	decode(t, rec, &tr)
	assert.Equal(t, domain.TrackingQueued, tr.Status)

	rec = s.do(t, http.MethodGet, "/v1/analysis/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/analysis", `{"service":"api","start":10,"end":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisDisabled(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(t, http.MethodPost, "/v1/analysis", `{"service":"api","start":0,"end":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServiceConfigEndpoints(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(t, http.MethodGet, "/v1/services/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg domain.ServiceConfig
	decode(t, rec, &cfg)
	assert.True(t, cfg.IsDefault)
	assert.Equal(t, 30, cfg.TTLDays)

	rec = s.do(t, http.MethodPut, "/v1/services/api/config", `{"ttl_days":7,"alerting_enabled":true,"daily_cap":100}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/services/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg = domain.ServiceConfig{}
	decode(t, rec, &cfg)
	assert.False(t, cfg.IsDefault)
	assert.Equal(t, 7, cfg.TTLDays)
	assert.Equal(t, int64(100), cfg.DailyCap)

	rec = s.do(t, http.MethodGet, "/v1/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListServicesResponse
	decode(t, rec, &list)
	require.Len(t, list.Services, 1)
	assert.Equal(t, "api", list.Services[0].Service)

	rec = s.do(t, http.MethodPut, "/v1/services/api/config", `{"ttl_days":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunCleanup(t *testing.T) {
	s := newTestServer(t, true)
	rec := s.do(t, http.MethodPost, "/v1/logs", `{"service":"old","level":"INFO","message":"stale","timestamp":1000}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, s.svc.Drain(context.Background()))

	rec = s.do(t, http.MethodPost, "/v1/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats cleanup.Stats
	decode(t, rec, &stats)
	assert.Equal(t, int64(1), stats.Deleted)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("x", "y"), http.StatusBadRequest},
		{domain.ErrInvalidTimeRange, http.StatusBadRequest},
		{domain.ErrLogNotFound, http.StatusNotFound},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.ErrDailyCapExceeded, http.StatusTooManyRequests},
		{domain.ErrAnalysisDisabled, http.StatusServiceUnavailable},
		{&domain.StoreError{Op: "insert log", Err: domain.ErrStorageQuery}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
