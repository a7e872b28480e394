package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGateway(t *testing.T, mux *http.ServeMux) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	a, err := NewHTTPAdapter(HTTPConfig{
		ID:      "codex",
		BaseURL: srv.URL + "/",
		APIKey:  "secret",
		Headers: map[string]string{"X-Client": "agentrelay"},
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestNewHTTPAdapter_Validation(t *testing.T) {
	_, err := NewHTTPAdapter(HTTPConfig{BaseURL: "http://x"}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))
	_, err = NewHTTPAdapter(HTTPConfig{ID: "a"}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))
	_, err = NewHTTPAdapter(HTTPConfig{
		ID:      "a",
		BaseURL: "https://gateway.internal",
		TLS:     tlsutil.Options{CAFile: filepath.Join(t.TempDir(), "missing.pem")},
	}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConfigInvalid))
}

func TestHTTPAdapter_Execute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "agentrelay", r.Header.Get("X-Client"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		assert.Equal(t, "s1", r.Header.Get("X-Session-ID"))
		assert.Equal(t, "task-9", r.Header.Get("X-Task-ID"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fix the bug", body["prompt"])
		assert.Equal(t, "s1", body["session_id"])

		_ = json.NewEncoder(w).Encode(map[string]any{"content": "done", "metadata": map[string]any{"model": "x"}})
	})
	a := newGateway(t, mux)

	ctx := ctxkeys.WithRequestID(context.Background(), "req-1")
	ctx = ctxkeys.WithSessionID(ctx, "s1")
	ctx = ctxkeys.WithTaskID(ctx, "task-9")
	resp, err := a.Execute(ctx, Request{Prompt: "fix the bug", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "codex", resp.AdapterID)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "x", resp.Metadata["model"])
	assert.Equal(t, "codex", a.ID())
}

func TestHTTPAdapter_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, types.ErrAdapterFailed, true},
		{"server error", http.StatusInternalServerError, "boom", types.ErrAdapterFailed, true},
		{"gateway timeout", http.StatusGatewayTimeout, "", types.ErrAdapterTimeout, true},
		{"bad request", http.StatusBadRequest, "bad", types.ErrAdapterFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/execute", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			a := newGateway(t, mux)

			_, err := a.Execute(context.Background(), Request{Prompt: "p"})
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "codex", e.Adapter)
		})
	}
}

func TestHTTPAdapter_ExecuteHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	a := newGateway(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Execute(ctx, Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestHTTPAdapter_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	a := newGateway(t, mux)

	h, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	healthy.Store(false)
	h, err = a.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "maintenance", h.Message)
	assert.True(t, types.IsErrorCode(err, types.ErrAdapterNotReady))
}

func TestHTTPAdapter_StateHook(t *testing.T) {
	var (
		mu       sync.Mutex
		injected types.PreservedContext
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_id") == "unknown" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"cwd": "/repo", "session": r.URL.Query().Get("session_id")})
	})
	mux.HandleFunc("/v1/context", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&injected))
		w.WriteHeader(http.StatusNoContent)
	})
	a := newGateway(t, mux)
	ctx := context.Background()

	state, err := a.ExtractState(ctx, "codex", "s 1")
	require.NoError(t, err)
	assert.Equal(t, "/repo", state["cwd"])
	assert.Equal(t, "s 1", state["session"])

	state, err = a.ExtractState(ctx, "codex", "unknown")
	require.NoError(t, err)
	assert.Empty(t, state)

	pc := &types.PreservedContext{ID: "pc-1", MemoryBlocks: []types.MemoryBlock{{ID: "b1", Content: "hello"}}}
	require.NoError(t, a.Inject(ctx, pc, "codex"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pc-1", injected.ID)
	assert.Equal(t, []string{"b1"}, injected.BlockIDs())
}
