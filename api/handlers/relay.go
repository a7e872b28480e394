package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/BaSui01/agentrelay/circuitbreaker"
	"github.com/BaSui01/agentrelay/handoff"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🔁 查询 API 与手动控制
// =============================================================================

// Relay 协调器对外的查询与控制面（handoff.Coordinator 实现该接口）
type Relay interface {
	GetMetrics(sessionID string) (types.SessionMetrics, bool)
	GetAllMetrics() []types.SessionMetrics
	GetCircuitState(adapterID string) (circuitbreaker.Snapshot, error)
	GetHandoffHistory(ctx context.Context, taskID string) ([]types.HandoffRecord, error)
	RecentHandoffs(ctx context.Context, limit int) ([]types.HandoffRecord, error)
	Handoff(ctx context.Context, sessionID, target string) (*types.HandoffRecord, error)
	State(sessionID string) (handoff.SessionState, bool)
	States() []handoff.SessionState

	ManualOverride(adapterID string) error
	ClearOverride()
	Override() string
	ResetBreaker(adapterID string) error
}

// ChainView 列出回退链中的适配器（fallback.Executor 实现该接口）
type ChainView interface {
	IDs() []string
}

// BreakerView 单个适配器的熔断器状态
type BreakerView struct {
	AdapterID string `json:"adapter_id"`
	circuitbreaker.Snapshot
}

// OverrideRequest 设置手动覆盖
type OverrideRequest struct {
	AdapterID string `json:"adapter_id"`
}

// HandoffRequest 手动移交。Target 为空时沿链选择下一个就绪的平台。
type HandoffRequest struct {
	Target string `json:"target,omitempty"`
}

// RelayHandler 查询与手动控制处理器
type RelayHandler struct {
	relay  Relay
	chain  ChainView
	logger *zap.Logger
}

// NewRelayHandler 创建处理器
func NewRelayHandler(relay Relay, chain ChainView, logger *zap.Logger) *RelayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayHandler{
		relay:  relay,
		chain:  chain,
		logger: logger.With(zap.String("component", "relay_handler")),
	}
}

// Register 注册路由
func (h *RelayHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/metrics/sessions", h.HandleListMetrics)
	mux.HandleFunc("GET /api/v1/metrics/sessions/{id}", h.HandleGetMetrics)

	mux.HandleFunc("GET /api/v1/breakers", h.HandleListBreakers)
	mux.HandleFunc("GET /api/v1/breakers/{id}", h.HandleGetBreaker)
	mux.HandleFunc("POST /api/v1/breakers/{id}/reset", h.HandleResetBreaker)

	mux.HandleFunc("GET /api/v1/override", h.HandleGetOverride)
	mux.HandleFunc("PUT /api/v1/override", h.HandleSetOverride)
	mux.HandleFunc("DELETE /api/v1/override", h.HandleClearOverride)

	mux.HandleFunc("GET /api/v1/handoffs", h.HandleRecentHandoffs)
	mux.HandleFunc("GET /api/v1/tasks/{id}/handoffs", h.HandleHandoffHistory)
	mux.HandleFunc("GET /api/v1/handoffs/states", h.HandleListStates)
	mux.HandleFunc("GET /api/v1/sessions/{id}/state", h.HandleGetState)
	mux.HandleFunc("POST /api/v1/sessions/{id}/handoff", h.HandleManualHandoff)
}

// HandleListMetrics GET /api/v1/metrics/sessions
func (h *RelayHandler) HandleListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.relay.GetAllMetrics()
	if metrics == nil {
		metrics = []types.SessionMetrics{}
	}
	WriteSuccess(w, r, metrics)
}

// HandleGetMetrics GET /api/v1/metrics/sessions/{id}
func (h *RelayHandler) HandleGetMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := h.relay.GetMetrics(id)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrSessionNotFound, "no metrics for session %q", id), h.logger)
		return
	}
	WriteSuccess(w, r, m)
}

// HandleListBreakers GET /api/v1/breakers
func (h *RelayHandler) HandleListBreakers(w http.ResponseWriter, r *http.Request) {
	ids := h.chain.IDs()
	out := make([]BreakerView, 0, len(ids))
	for _, id := range ids {
		snap, err := h.relay.GetCircuitState(id)
		if err != nil {
			continue
		}
		out = append(out, BreakerView{AdapterID: id, Snapshot: snap})
	}
	WriteSuccess(w, r, out)
}

// HandleGetBreaker GET /api/v1/breakers/{id}
func (h *RelayHandler) HandleGetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.relay.GetCircuitState(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, BreakerView{AdapterID: id, Snapshot: snap})
}

// HandleResetBreaker POST /api/v1/breakers/{id}/reset
func (h *RelayHandler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.relay.ResetBreaker(id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.logger.Info("breaker reset via API", zap.String("adapter_id", id))
	snap, err := h.relay.GetCircuitState(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, BreakerView{AdapterID: id, Snapshot: snap})
}

// HandleGetOverride GET /api/v1/override
func (h *RelayHandler) HandleGetOverride(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, OverrideRequest{AdapterID: h.relay.Override()})
}

// HandleSetOverride PUT /api/v1/override
func (h *RelayHandler) HandleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.AdapterID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "adapter_id is required", h.logger)
		return
	}
	if err := h.relay.ManualOverride(req.AdapterID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.logger.Info("manual override set via API", zap.String("adapter_id", req.AdapterID))
	WriteSuccess(w, r, req)
}

// HandleClearOverride DELETE /api/v1/override
func (h *RelayHandler) HandleClearOverride(w http.ResponseWriter, r *http.Request) {
	h.relay.ClearOverride()
	WriteSuccess(w, r, OverrideRequest{})
}

// HandleRecentHandoffs GET /api/v1/handoffs?limit=N
func (h *RelayHandler) HandleRecentHandoffs(w http.ResponseWriter, r *http.Request) {
	recs, err := h.relay.RecentHandoffs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if recs == nil {
		recs = []types.HandoffRecord{}
	}
	WriteSuccess(w, r, recs)
}

// HandleHandoffHistory GET /api/v1/tasks/{id}/handoffs
func (h *RelayHandler) HandleHandoffHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.relay.GetHandoffHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if recs == nil {
		recs = []types.HandoffRecord{}
	}
	WriteSuccess(w, r, recs)
}

// HandleListStates GET /api/v1/handoffs/states
func (h *RelayHandler) HandleListStates(w http.ResponseWriter, r *http.Request) {
	states := h.relay.States()
	if states == nil {
		states = []handoff.SessionState{}
	}
	WriteSuccess(w, r, states)
}

// HandleGetState GET /api/v1/sessions/{id}/state
func (h *RelayHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.relay.State(id)
	if !ok {
		WriteError(w, r, types.Errorf(types.ErrSessionNotFound, "no handoff state for session %q", id), h.logger)
		return
	}
	WriteSuccess(w, r, st)
}

// HandleManualHandoff POST /api/v1/sessions/{id}/handoff
//
// 同步执行；会话已有进行中的移交时返回 409。移交失败时仍返回记录。
func (h *RelayHandler) HandleManualHandoff(w http.ResponseWriter, r *http.Request) {
	var req HandoffRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	id := r.PathValue("id")
	rec, err := h.relay.Handoff(r.Context(), id, req.Target)
	if err != nil {
		if rec != nil && !errors.Is(err, handoff.ErrInProgress) {
			WriteJSON(w, mapErrorCodeToHTTPStatus(types.GetErrorCode(err)), Response{
				Success:   false,
				Data:      rec,
				Error:     errorInfo(err),
				Timestamp: rec.Timestamp,
				RequestID: requestID(r),
			})
			return
		}
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, rec)
}

func errorInfo(err error) *ErrorInfo {
	apiErr, ok := types.AsError(err)
	if !ok {
		return &ErrorInfo{Code: string(types.ErrInternalError), Message: err.Error()}
	}
	return &ErrorInfo{
		Code:      string(apiErr.Code),
		Message:   apiErr.Message,
		Adapter:   apiErr.Adapter,
		Retryable: apiErr.Retryable,
	}
}
