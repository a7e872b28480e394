package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/types"
)

const relayYAML = `
monitor:
  interval: 5s
platforms:
  claude:
    max_context_size: 200000
chain:
  - id: claude
    endpoint: http://claude.local
    priority: 1
    api_key: sk-top-secret
`

func newConfigMux(t *testing.T) (*http.ServeMux, *config.HotReloadManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(relayYAML), 0o600))

	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	manager := config.NewHotReloadManager(cfg, config.WithReloadPath(path))

	mux := http.NewServeMux()
	NewConfigHandler(manager, zap.NewNop()).Register(mux)
	return mux, manager, path
}

func TestConfigHandler_GetRedactsSecrets(t *testing.T) {
	mux, _, _ := newConfigMux(t)

	w := serve(mux, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sk-top-secret")

	var view ConfigView
	decodeData(t, w, &view)
	assert.Equal(t, 1, view.Version)
	chain := view.Config["Chain"].([]any)
	assert.Equal(t, "[REDACTED]", chain[0].(map[string]any)["APIKey"])
}

func TestConfigHandler_ReloadAndRollback(t *testing.T) {
	mux, manager, path := newConfigMux(t)

	updated := strings.Replace(relayYAML, "interval: 5s", "interval: 2s", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	w := serve(mux, http.MethodPost, "/api/v1/config/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view ConfigView
	decodeData(t, w, &view)
	assert.Equal(t, 2, view.Version)

	w = serve(mux, http.MethodGet, "/api/v1/config/changes", "")
	var changes []config.ConfigChange
	decodeData(t, w, &changes)
	require.Len(t, changes, 1)
	assert.Equal(t, "Monitor.Interval", changes[0].Path)

	w = serve(mux, http.MethodPost, "/api/v1/config/rollback", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, manager.GetCurrentVersion())

	w = serve(mux, http.MethodGet, "/api/v1/config/history", "")
	var history []config.ConfigSnapshot
	decodeData(t, w, &history)
	assert.Len(t, history, 3)
}

func TestConfigHandler_ReloadRejectsInvalid(t *testing.T) {
	mux, manager, path := newConfigMux(t)
	require.NoError(t, os.WriteFile(path, []byte("chain: []"), 0o600))

	w := serve(mux, http.MethodPost, "/api/v1/config/reload", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrConfigInvalid), resp.Error.Code)
	assert.Equal(t, 1, manager.GetCurrentVersion())
}

func TestConfigHandler_RollbackWithoutHistory(t *testing.T) {
	mux, _, _ := newConfigMux(t)

	w := serve(mux, http.MethodPost, "/api/v1/config/rollback", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrInvalidRequest), decodeResponse(t, w).Error.Code)
}
