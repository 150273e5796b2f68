package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriys/logflow/internal/config"
	"github.com/oriys/logflow/internal/domain"
)

func TestHTTPClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, 256, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)

		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"world"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(config.InferenceConfig{Endpoint: srv.URL, Model: "test-model", APIKey: "secret", Timeout: time.Second}, nil)
	out, err := c.Complete(context.Background(), "hello", 256)
	require.NoError(t, err)
	assert.Equal(t, "world", out)
}

func TestHTTPClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusBadGateway, `upstream down`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
		{"error body", http.StatusOK, `{"error":{"message":"quota"}}`},
		{"not json", http.StatusOK, `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			c := NewHTTPClient(config.InferenceConfig{Endpoint: srv.URL}, nil)
			_, err := c.Complete(context.Background(), "p", 10)
			assert.ErrorIs(t, err, domain.ErrInference)
		})
	}
}

func TestHTTPClient_NoEndpoint(t *testing.T) {
	_, err := NewHTTPClient(config.InferenceConfig{}, nil).Complete(context.Background(), "p", 10)
	assert.ErrorIs(t, err, domain.ErrInference)
}
