package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// HTTPConfig 通用 HTTP 适配器配置
type HTTPConfig struct {
	// ID 适配器/平台标识，例如 "claude"、"codex"
	ID string

	// BaseURL 平台网关地址
	BaseURL string

	// ExecutePath 执行端点，默认 "/v1/execute"
	ExecutePath string

	// HealthPath 健康检查端点，默认 "/health"
	HealthPath string

	// StatePath 平台状态提取端点，默认 "/v1/state"
	StatePath string

	// ContextPath 上下文注入端点，默认 "/v1/context"
	ContextPath string

	// APIKey 可选的 Bearer Token
	APIKey string

	// Headers 附加请求头
	Headers map[string]string

	// Timeout HTTP 客户端超时，默认 60s。调用级超时由回退链控制。
	Timeout time.Duration

	// TLS 网关证书选项
	TLS tlsutil.Options
}

// HTTPAdapter 通过 JSON over HTTP 调用执行平台网关
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPAdapter 创建 HTTP 适配器
func NewHTTPAdapter(cfg HTTPConfig, logger *zap.Logger) (*HTTPAdapter, error) {
	if cfg.ID == "" {
		return nil, types.NewError(types.ErrConfigInvalid, "adapter id is required")
	}
	if cfg.BaseURL == "" {
		return nil, types.Errorf(types.ErrConfigInvalid, "adapter %q has no base url", cfg.ID)
	}
	if cfg.ExecutePath == "" {
		cfg.ExecutePath = "/v1/execute"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "/v1/state"
	}
	if cfg.ContextPath == "" {
		cfg.ContextPath = "/v1/context"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := tlsutil.AdapterClient(cfg.Timeout, cfg.TLS)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigInvalid, "adapter %q tls: %v", cfg.ID, err)
	}
	return &HTTPAdapter{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("component", "http_adapter"), zap.String("adapter_id", cfg.ID)),
	}, nil
}

// ID 实现 Adapter
func (a *HTTPAdapter) ID() string { return a.cfg.ID }

type executeBody struct {
	Prompt    string                  `json:"prompt"`
	SessionID string                  `json:"session_id,omitempty"`
	TaskID    string                  `json:"task_id,omitempty"`
	Context   map[string]any          `json:"context,omitempty"`
	Preserved *types.PreservedContext `json:"preserved,omitempty"`
}

type executeReply struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Execute 实现 Adapter。非 2xx 响应转换为 ADAPTER_FAILED。
func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(executeBody(req))
	if err != nil {
		return nil, types.NewError(types.ErrAdapterFailed, "encode request").WithCause(err).WithAdapter(a.cfg.ID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(a.cfg.ExecutePath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.buildHeaders(ctx, httpReq)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, types.NewError(types.ErrAdapterFailed, "request failed").
			WithCause(err).WithAdapter(a.cfg.ID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), a.cfg.ID)
	}

	var reply executeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, types.NewError(types.ErrAdapterFailed, "decode response").WithCause(err).WithAdapter(a.cfg.ID)
	}

	return &Response{
		AdapterID: a.cfg.ID,
		Content:   reply.Content,
		Metadata:  reply.Metadata,
		Latency:   latency,
	}, nil
}

// HealthCheck 实现 Adapter
func (a *HTTPAdapter) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint(a.cfg.HealthPath), nil)
	if err != nil {
		return Health{}, fmt.Errorf("failed to create request: %w", err)
	}
	a.buildHeaders(ctx, httpReq)

	resp, err := a.client.Do(httpReq)
	h := Health{Latency: time.Since(start), CheckedAt: time.Now()}
	if err != nil {
		h.Message = err.Error()
		return h, types.NewError(types.ErrAdapterNotReady, "health check failed").WithCause(err).WithAdapter(a.cfg.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.Message = readErrorMessage(resp.Body)
		return h, types.Errorf(types.ErrAdapterNotReady, "health check status=%d msg=%s", resp.StatusCode, h.Message).
			WithAdapter(a.cfg.ID).WithHTTPStatus(resp.StatusCode)
	}

	h.Healthy = true
	return h, nil
}

// ExtractState 实现 StateHook：从平台网关读取会话的平台侧状态
func (a *HTTPAdapter) ExtractState(ctx context.Context, platform, sessionID string) (map[string]any, error) {
	u := a.endpoint(a.cfg.StatePath) + "?session_id=" + url.QueryEscape(sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	a.buildHeaders(ctx, httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extract %s state: %w", platform, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return map[string]any{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), a.cfg.ID)
	}

	state := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", platform, err)
	}
	return state, nil
}

// Inject 实现 StateHook：把保存的上下文推送到平台网关
func (a *HTTPAdapter) Inject(ctx context.Context, preserved *types.PreservedContext, platform string) error {
	payload, err := json.Marshal(preserved)
	if err != nil {
		return fmt.Errorf("encode preserved context: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(a.cfg.ContextPath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	a.buildHeaders(ctx, httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("inject into %s: %w", platform, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapHTTPError(resp.StatusCode, readErrorMessage(resp.Body), a.cfg.ID)
	}
	a.logger.Debug("preserved context injected",
		zap.String("context_id", preserved.ID),
		zap.Int("blocks", len(preserved.MemoryBlocks)),
	)
	return nil
}

func (a *HTTPAdapter) endpoint(path string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + path
}

func (a *HTTPAdapter) buildHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", id)
	}
	if id, ok := ctxkeys.SessionID(ctx); ok {
		req.Header.Set("X-Session-ID", id)
	}
	if id, ok := ctxkeys.TaskID(ctx); ok {
		req.Header.Set("X-Task-ID", id)
	}
}

// mapHTTPError 将 HTTP 状态码映射为带重试标记的错误
func mapHTTPError(status int, msg, adapterID string) *types.Error {
	e := types.Errorf(types.ErrAdapterFailed, "status=%d msg=%s", status, msg).
		WithHTTPStatus(status).
		WithAdapter(adapterID)
	switch {
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		e.Code = types.ErrAdapterTimeout
		e.Retryable = true
	case status == http.StatusTooManyRequests || status >= 500:
		e.Retryable = true
	}
	return e
}

// readErrorMessage 读取响应体中的错误消息，JSON 解析失败时回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
