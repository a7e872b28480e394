package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/config"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestFromServerConfig(t *testing.T) {
	cfg := FromServerConfig(config.ServerConfig{HTTPPort: 9090, ReadTimeout: 5 * time.Second})
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout, "zero keeps the default")
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestManager_StartServeShutdown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	m := NewManager(handler, testConfig(), zap.NewNop())
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	require.Error(t, m.Start(), "double start")

	resp, err := http.Get("http://" + m.Addr())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()), "idempotent")
	assert.False(t, m.IsRunning())
	require.Error(t, m.Start(), "start after shutdown")
}

func TestManager_RegisterOnShutdown(t *testing.T) {
	m := NewManager(http.NotFoundHandler(), testConfig(), nil)
	require.NoError(t, m.Start())

	called := make(chan struct{})
	m.RegisterOnShutdown(func() { close(called) })
	require.NoError(t, m.Shutdown(context.Background()))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook not called")
	}
}

func TestManager_ListenError(t *testing.T) {
	first := NewManager(http.NotFoundHandler(), testConfig(), nil)
	require.NoError(t, first.Start())
	defer first.Shutdown(context.Background())

	cfg := testConfig()
	cfg.Addr = first.Addr()
	second := NewManager(http.NotFoundHandler(), cfg, nil)
	require.Error(t, second.Start())
	assert.Empty(t, second.Errors())
}
