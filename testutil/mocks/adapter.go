// MockAdapter 执行平台适配器的测试模拟实现。
//
// 支持固定响应、延迟、错误注入、第 N 次调用后失败与健康状态切换。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/platform"
)

// --- MockAdapter 结构 ---

// MockAdapter 是 platform.Adapter 的模拟实现
type MockAdapter struct {
	mu sync.RWMutex

	id       string
	response string
	err      error
	delay    time.Duration

	healthy   bool
	healthErr error

	failAfter   int
	callCount   int
	healthCount int
	calls       []MockAdapterCall
	executeFunc func(ctx context.Context, req platform.Request) (*platform.Response, error)
}

// MockAdapterCall 记录单次调用
type MockAdapterCall struct {
	Request  platform.Request
	Response *platform.Response
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockAdapter 创建新的 MockAdapter
func NewMockAdapter(id string) *MockAdapter {
	return &MockAdapter{
		id:       id,
		response: "response from " + id,
		healthy:  true,
	}
}

// WithResponse 设置固定响应内容
func (m *MockAdapter) WithResponse(response string) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误
func (m *MockAdapter) WithError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置响应延迟，延迟期间响应 ctx 取消
func (m *MockAdapter) WithDelay(d time.Duration) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockAdapter) WithFailAfter(n int) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithHealthy 设置健康检查结果
func (m *MockAdapter) WithHealthy(healthy bool) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
	return m
}

// WithHealthError 设置健康检查错误
func (m *MockAdapter) WithHealthError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
	return m
}

// WithExecuteFunc 设置自定义 Execute 函数
func (m *MockAdapter) WithExecuteFunc(fn func(ctx context.Context, req platform.Request) (*platform.Response, error)) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFunc = fn
	return m
}

// --- Adapter 接口实现 ---

// ID 返回适配器 ID
func (m *MockAdapter) ID() string {
	return m.id
}

// Execute 执行请求
func (m *MockAdapter) Execute(ctx context.Context, req platform.Request) (*platform.Response, error) {
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	fn := m.executeFunc
	err := m.err
	if m.failAfter > 0 && count > m.failAfter {
		err = errors.New("mock adapter: configured to fail after N calls")
	}
	response := m.response
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.record(req, nil, ctx.Err())
			return nil, ctx.Err()
		}
	}

	if err != nil {
		m.record(req, nil, err)
		return nil, err
	}

	if fn != nil {
		resp, err := fn(ctx, req)
		m.record(req, resp, err)
		return resp, err
	}

	resp := &platform.Response{
		AdapterID: m.id,
		Content:   response,
		Latency:   delay,
	}
	m.record(req, resp, nil)
	return resp, nil
}

// HealthCheck 执行健康检查
func (m *MockAdapter) HealthCheck(ctx context.Context) (platform.Health, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthCount++
	if err := ctx.Err(); err != nil {
		return platform.Health{}, err
	}
	if m.healthErr != nil {
		return platform.Health{Message: m.healthErr.Error(), CheckedAt: time.Now()}, m.healthErr
	}
	return platform.Health{Healthy: m.healthy, CheckedAt: time.Now()}, nil
}

func (m *MockAdapter) record(req platform.Request, resp *platform.Response, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockAdapterCall{Request: req, Response: resp, Error: err})
	m.mu.Unlock()
}

// --- 查询方法 ---

// GetCalls 获取所有已完成的调用记录
func (m *MockAdapter) GetCalls() []MockAdapterCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockAdapterCall{}, m.calls...)
}

// GetCallCount 获取 Execute 调用次数
func (m *MockAdapter) GetCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// GetHealthCheckCount 获取健康检查次数
func (m *MockAdapter) GetHealthCheckCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthCount
}

// Reset 重置调用记录与错误
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.healthCount = 0
	m.err = nil
}

// --- 预设工厂 ---

// NewSuccessAdapter 创建总是成功的适配器
func NewSuccessAdapter(id, response string) *MockAdapter {
	return NewMockAdapter(id).WithResponse(response)
}

// NewErrorAdapter 创建总是失败的适配器
func NewErrorAdapter(id string, err error) *MockAdapter {
	return NewMockAdapter(id).WithError(err)
}

// NewSlowAdapter 创建响应缓慢的适配器
func NewSlowAdapter(id string, delay time.Duration) *MockAdapter {
	return NewMockAdapter(id).WithDelay(delay)
}

// NewUnhealthyAdapter 创建健康检查失败的适配器
func NewUnhealthyAdapter(id string) *MockAdapter {
	return NewMockAdapter(id).WithHealthy(false)
}
