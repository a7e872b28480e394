package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ConfigManager 运行期配置管理（config.HotReloadManager 实现该接口）
type ConfigManager interface {
	SanitizedConfig() map[string]any
	GetCurrentVersion() int
	GetConfigHistory() []config.ConfigSnapshot
	GetChangeLog(limit int) []config.ConfigChange
	ReloadFromFile() error
	Rollback() error
}

// ConfigView 当前配置（敏感字段已脱敏）
type ConfigView struct {
	Version int            `json:"version"`
	Config  map[string]any `json:"config"`
}

// ConfigHandler 配置管理处理器
type ConfigHandler struct {
	manager ConfigManager
	logger  *zap.Logger
}

// NewConfigHandler 创建处理器
func NewConfigHandler(manager ConfigManager, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{
		manager: manager,
		logger:  logger.With(zap.String("component", "config_handler")),
	}
}

// Register 注册路由
func (h *ConfigHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/config", h.HandleGetConfig)
	mux.HandleFunc("GET /api/v1/config/history", h.HandleHistory)
	mux.HandleFunc("GET /api/v1/config/changes", h.HandleChanges)
	mux.HandleFunc("POST /api/v1/config/reload", h.HandleReload)
	mux.HandleFunc("POST /api/v1/config/rollback", h.HandleRollback)
}

// HandleGetConfig GET /api/v1/config
func (h *ConfigHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.view())
}

// HandleHistory GET /api/v1/config/history
func (h *ConfigHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.manager.GetConfigHistory())
}

// HandleChanges GET /api/v1/config/changes?limit=N
func (h *ConfigHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	changes := h.manager.GetChangeLog(queryInt(r, "limit", 50))
	if changes == nil {
		changes = []config.ConfigChange{}
	}
	WriteSuccess(w, r, changes)
}

// HandleReload POST /api/v1/config/reload：从文件重新加载，校验失败时保留当前配置
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ReloadFromFile(); err != nil {
		WriteError(w, r, configError("reload", err), h.logger)
		return
	}
	h.logger.Info("configuration reloaded via API", zap.Int("version", h.manager.GetCurrentVersion()))
	WriteSuccess(w, r, h.view())
}

// HandleRollback POST /api/v1/config/rollback
func (h *ConfigHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Rollback(); err != nil {
		WriteError(w, r, configError("rollback", err), h.logger)
		return
	}
	h.logger.Info("configuration rolled back via API", zap.Int("version", h.manager.GetCurrentVersion()))
	WriteSuccess(w, r, h.view())
}

func (h *ConfigHandler) view() ConfigView {
	return ConfigView{
		Version: h.manager.GetCurrentVersion(),
		Config:  h.manager.SanitizedConfig(),
	}
}

func configError(op string, err error) error {
	if errors.Is(err, config.ErrInvalidConfig) {
		return types.Errorf(types.ErrConfigInvalid, "%s: %v", op, err).WithCause(err)
	}
	return types.Errorf(types.ErrInvalidRequest, "%s: %v", op, err).WithCause(err)
}
