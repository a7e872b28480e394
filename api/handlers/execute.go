package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/agentrelay/fallback"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/platform"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// =============================================================================
// ▶️ 通过回退链执行
// =============================================================================

// Executor 回退链执行器（fallback.Executor 实现该接口）
type Executor interface {
	Execute(ctx context.Context, req platform.Request) (*fallback.Result, error)
}

// AttemptRecorder 记录每次适配器尝试（metrics.Collector 实现该接口）
type AttemptRecorder interface {
	RecordAttempt(adapterID, outcome string, latency time.Duration)
	RecordDegraded()
}

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ExecuteHandler 执行处理器
type ExecuteHandler struct {
	executor Executor
	sessions SessionReader
	recorder AttemptRecorder
	logger   *zap.Logger
}

// NewExecuteHandler 创建处理器。sessions 与 recorder 可为空。
func NewExecuteHandler(executor Executor, sessions SessionReader, recorder AttemptRecorder, logger *zap.Logger) *ExecuteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecuteHandler{
		executor: executor,
		sessions: sessions,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "execute_handler")),
	}
}

// Register 注册路由
func (h *ExecuteHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/execute", h.HandleExecute)
}

// HandleExecute POST /api/v1/execute
//
// 链耗尽时返回 503，data 中仍带有尝试过的链。
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Prompt == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "prompt is required", h.logger)
		return
	}

	ctx := r.Context()
	if req.SessionID != "" {
		ctx = ctxkeys.WithSessionID(ctx, req.SessionID)
		if req.TaskID == "" && h.sessions != nil {
			if sess, err := h.sessions.GetSession(ctx, req.SessionID); err == nil {
				req.TaskID = sess.TaskID
			}
		}
	}
	if req.TaskID != "" {
		ctx = ctxkeys.WithTaskID(ctx, req.TaskID)
	}

	result, err := h.executor.Execute(ctx, platform.Request{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		Context:   req.Context,
	})
	h.record(result)

	if err != nil {
		if result == nil {
			WriteError(w, r, err, h.logger)
			return
		}
		h.logger.Warn("execute failed",
			zap.String("session_id", req.SessionID),
			zap.Strings("attempted", result.AttemptedChain),
			zap.Error(err),
		)
		WriteJSON(w, mapErrorCodeToHTTPStatus(types.GetErrorCode(err)), Response{
			Success:   false,
			Data:      result,
			Error:     errorInfo(err),
			Timestamp: time.Now(),
			RequestID: requestID(r),
		})
		return
	}
	WriteSuccess(w, r, result)
}

func (h *ExecuteHandler) record(result *fallback.Result) {
	if h.recorder == nil || result == nil {
		return
	}
	for _, a := range result.Attempts {
		outcome := "success"
		switch {
		case a.Skipped:
			outcome = "skipped"
		case a.Error != "":
			outcome = "error"
		}
		h.recorder.RecordAttempt(a.AdapterID, outcome, a.Latency)
	}
	if result.Degraded {
		h.recorder.RecordDegraded()
	}
}
