package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPInvokerGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "42", r.URL.Query().Get("q"))
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"found": true})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{}, zap.NewNop())
	out, err := inv.Invoke(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "token-1"},
		"query":   map[string]any{"q": 42},
	})
	require.NoError(t, err)

	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result["status"])
	assert.Equal(t, map[string]any{"found": true}, result["data"])
}

func TestHTTPInvokerPostBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "printer on fire", body["subject"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "T-1"}`))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{}, zap.NewNop())
	out, err := inv.Invoke(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": http.MethodPost,
		"body":   map[string]any{"subject": "printer on fire"},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusCreated, result["status"])
	assert.Equal(t, map[string]any{"id": "T-1"}, result["data"])
}

func TestHTTPInvokerNonJSONBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{}, zap.NewNop())
	out, err := inv.Invoke(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out.(map[string]any)["data"])
}

func TestHTTPInvokerRequiresURL(t *testing.T) {
	t.Parallel()

	inv := NewHTTPInvoker(HTTPInvokerConfig{}, zap.NewNop())
	_, err := inv.Invoke(context.Background(), map[string]any{})
	assert.Error(t, err)
}

func TestHTTPInvokerRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// 50 req/s, burst 1: three calls need at least ~40ms.
	inv := NewHTTPInvoker(HTTPInvokerConfig{RateLimit: 50, Burst: 1}, zap.NewNop())
	params := map[string]any{"url": srv.URL}

	started := time.Now()
	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), params)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(started), 35*time.Millisecond)
}
