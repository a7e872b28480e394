package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// =============================================================================
// 📥 会话与记忆块上报
// =============================================================================

// SessionStore 会话、任务与记忆块的读写（session.MemoryStore 实现该接口）
type SessionStore interface {
	UpsertSession(ctx context.Context, sess types.Session) error
	ReportUsage(ctx context.Context, sessionID string, contextSize, tokensUsed int64) error
	EndSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (types.Session, error)
	GetActiveSessions(ctx context.Context) ([]types.Session, error)

	PutTaskState(ctx context.Context, state types.TaskState) error
	GetTaskState(ctx context.Context, taskID string) (types.TaskState, error)

	AddBlocks(ctx context.Context, taskID string, blocks ...types.MemoryBlock) (int, error)
	GetBlocksForTask(ctx context.Context, taskID string, limit int) ([]types.MemoryBlock, error)
}

// SessionForgetter 会话结束后清理移交状态（handoff.Coordinator 实现该接口）
type SessionForgetter interface {
	Forget(sessionID string)
}

// UsageRequest 会话用量上报
type UsageRequest struct {
	ContextSize int64 `json:"context_size"`
	TokensUsed  int64 `json:"tokens_used"`
}

// BlocksRequest 记忆块上报
type BlocksRequest struct {
	Blocks []types.MemoryBlock `json:"blocks"`
}

// BlocksResponse 记忆块上报结果
type BlocksResponse struct {
	TaskID   string `json:"task_id"`
	Received int    `json:"received"`
	Added    int    `json:"added"`
}

// SessionHandler 会话上报处理器
type SessionHandler struct {
	store  SessionStore
	forget SessionForgetter
	logger *zap.Logger
}

// NewSessionHandler 创建处理器。forget 可为空。
func NewSessionHandler(store SessionStore, forget SessionForgetter, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		store:  store,
		forget: forget,
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// Register 注册路由
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions", h.HandleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", h.HandleUpsertSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/usage", h.HandleReportUsage)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.HandleEndSession)

	mux.HandleFunc("PUT /api/v1/tasks/{id}", h.HandlePutTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/blocks", h.HandleAddBlocks)
	mux.HandleFunc("GET /api/v1/tasks/{id}/blocks", h.HandleListBlocks)
}

// HandleListSessions GET /api/v1/sessions
func (h *SessionHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.GetActiveSessions(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, sessions)
}

// HandleUpsertSession POST /api/v1/sessions
func (h *SessionHandler) HandleUpsertSession(w http.ResponseWriter, r *http.Request) {
	var sess types.Session
	if err := DecodeJSONBody(w, r, &sess, h.logger); err != nil {
		return
	}
	if err := h.store.UpsertSession(r.Context(), sess); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, r, sess.ID)
}

// HandleGetSession GET /api/v1/sessions/{id}
func (h *SessionHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	h.writeSession(w, r, r.PathValue("id"))
}

// HandleReportUsage POST /api/v1/sessions/{id}/usage
func (h *SessionHandler) HandleReportUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ContextSize < 0 || req.TokensUsed < 0 {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "usage values must not be negative", h.logger)
		return
	}
	id := r.PathValue("id")
	if err := h.store.ReportUsage(r.Context(), id, req.ContextSize, req.TokensUsed); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, r, id)
}

// HandleEndSession DELETE /api/v1/sessions/{id}
func (h *SessionHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.EndSession(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if h.forget != nil {
		h.forget.Forget(id)
	}
	h.logger.Info("session ended", zap.String("session_id", id))
	h.writeSession(w, r, id)
}

func (h *SessionHandler) writeSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, sess)
}

// HandlePutTask PUT /api/v1/tasks/{id}
func (h *SessionHandler) HandlePutTask(w http.ResponseWriter, r *http.Request) {
	var st types.TaskState
	if err := DecodeJSONBody(w, r, &st, h.logger); err != nil {
		return
	}
	st.TaskID = r.PathValue("id")
	if err := h.store.PutTaskState(r.Context(), st); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.HandleGetTask(w, r)
}

// HandleGetTask GET /api/v1/tasks/{id}
func (h *SessionHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.GetTaskState(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, st)
}

// HandleAddBlocks POST /api/v1/tasks/{id}/blocks
func (h *SessionHandler) HandleAddBlocks(w http.ResponseWriter, r *http.Request) {
	var req BlocksRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	taskID := r.PathValue("id")
	added, err := h.store.AddBlocks(r.Context(), taskID, req.Blocks...)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, BlocksResponse{TaskID: taskID, Received: len(req.Blocks), Added: added})
}

// HandleListBlocks GET /api/v1/tasks/{id}/blocks?limit=N
func (h *SessionHandler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.store.GetBlocksForTask(r.Context(), r.PathValue("id"), queryInt(r, "limit", 0))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, blocks)
}
