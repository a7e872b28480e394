package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ContextService 上下文保存、恢复与快照（preservation.Service 实现该接口）
type ContextService interface {
	Preserve(ctx context.Context, taskID, sessionID, platform string) (*types.PreservedContext, error)
	Restore(ctx context.Context, taskID, sessionID, targetPlatform string) (*types.PreservedContext, error)
	CreateSnapshot(ctx context.Context, name, taskID, sessionID, platform string) (*types.Snapshot, error)
	ListSnapshots(ctx context.Context, taskID string) ([]types.Snapshot, error)
}

// SessionReader 按 ID 读取会话
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (types.Session, error)
}

// SnapshotRequest 创建命名快照
type SnapshotRequest struct {
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
}

// ContextHandler 上下文处理器
type ContextHandler struct {
	service  ContextService
	sessions SessionReader
	logger   *zap.Logger
}

// NewContextHandler 创建处理器
func NewContextHandler(service ContextService, sessions SessionReader, logger *zap.Logger) *ContextHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextHandler{
		service:  service,
		sessions: sessions,
		logger:   logger.With(zap.String("component", "context_handler")),
	}
}

// Register 注册路由
func (h *ContextHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions/{id}/preserve", h.HandlePreserve)
	mux.HandleFunc("GET /api/v1/sessions/{id}/context", h.HandleRestore)
	mux.HandleFunc("POST /api/v1/tasks/{id}/snapshots", h.HandleCreateSnapshot)
	mux.HandleFunc("GET /api/v1/tasks/{id}/snapshots", h.HandleListSnapshots)
}

// HandlePreserve POST /api/v1/sessions/{id}/preserve：立即保存会话当前上下文
func (h *ContextHandler) HandlePreserve(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	pc, err := h.service.Preserve(r.Context(), sess.TaskID, sess.ID, sess.Platform)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, pc)
}

// HandleRestore GET /api/v1/sessions/{id}/context?platform=P
//
// 返回按目标平台适配后的最新上下文，platform 缺省为会话当前平台。
func (h *ContextHandler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	target := r.URL.Query().Get("platform")
	if target == "" {
		target = sess.Platform
	}
	pc, err := h.service.Restore(r.Context(), sess.TaskID, sess.ID, target)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if pc == nil {
		WriteError(w, r, types.Errorf(types.ErrNotFound, "no preserved context for session %q", sess.ID), h.logger)
		return
	}
	WriteSuccess(w, r, pc)
}

// HandleCreateSnapshot POST /api/v1/tasks/{id}/snapshots
func (h *ContextHandler) HandleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Name == "" || req.SessionID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "name and session_id are required", h.logger)
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), req.SessionID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	taskID := r.PathValue("id")
	if sess.TaskID != "" && sess.TaskID != taskID {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest,
			"session does not belong to task "+taskID, h.logger)
		return
	}
	snap, err := h.service.CreateSnapshot(r.Context(), req.Name, taskID, sess.ID, sess.Platform)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, snap)
}

// HandleListSnapshots GET /api/v1/tasks/{id}/snapshots
func (h *ContextHandler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.service.ListSnapshots(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if snaps == nil {
		snaps = []types.Snapshot{}
	}
	WriteSuccess(w, r, snaps)
}
