// =============================================================================
// 📦 AgentRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentrelay.yaml").
//	    WithEnvPrefix("AGENTRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 校验
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRelay 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Monitor 利用率监控配置
	Monitor MonitorConfig `yaml:"monitor" env:"MONITOR"`

	// Platforms 平台资源上限，键为平台名（同时也是适配器 ID）
	Platforms map[string]PlatformConfig `yaml:"platforms" env:"-"`

	// Chain 回退链
	Chain []AdapterConfig `yaml:"chain" env:"-"`

	// Preservation 上下文保存配置
	Preservation PreservationConfig `yaml:"preservation" env:"PRESERVATION"`

	// Handoff 移交策略
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`

	// LastResort 兜底响应
	LastResort LastResortConfig `yaml:"last_resort" env:"LAST_RESORT"`

	// Store 持久化配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Database 数据库配置（store.type = database 时使用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	// 轮询间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 告警阈值（利用率下界，含边界）
	WarningThreshold   float64 `yaml:"warning_threshold" env:"WARNING_THRESHOLD"`
	CriticalThreshold  float64 `yaml:"critical_threshold" env:"CRITICAL_THRESHOLD"`
	EmergencyThreshold float64 `yaml:"emergency_threshold" env:"EMERGENCY_THRESHOLD"`
	// 单个 tick 内并发计算的会话数
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// PlatformConfig 平台资源上限
type PlatformConfig struct {
	MaxContextSize     int64         `yaml:"max_context_size"`
	MaxTokens          int64         `yaml:"max_tokens"`
	MaxSessionDuration time.Duration `yaml:"max_session_duration"`
}

// AdapterConfig 回退链中的一个适配器
type AdapterConfig struct {
	ID       string            `yaml:"id"`
	Endpoint string            `yaml:"endpoint"`
	Priority int               `yaml:"priority"`
	Timeout  time.Duration     `yaml:"timeout"`
	APIKey   string            `yaml:"api_key"`
	Headers  map[string]string `yaml:"headers"`
	Breaker  BreakerConfig     `yaml:"breaker"`

	// CAFile 网关私有 CA 证书（PEM）
	CAFile string `yaml:"ca_file"`
	// InsecureSkipVerify 跳过网关证书校验
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// BreakerConfig 熔断器配置，零值字段使用默认值
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// PreservationConfig 上下文保存配置
type PreservationConfig struct {
	MaxBlocks               int     `yaml:"max_blocks" env:"MAX_BLOCKS"`
	MaxContextBytes         int64   `yaml:"max_context_bytes" env:"MAX_CONTEXT_BYTES"`
	ImportantBlockThreshold float64 `yaml:"important_block_threshold" env:"IMPORTANT_BLOCK_THRESHOLD"`
	TieWindow               float64 `yaml:"tie_window" env:"TIE_WINDOW"`
	TokenEncoding           string  `yaml:"token_encoding" env:"TOKEN_ENCODING"`
	CacheSize               int     `yaml:"cache_size" env:"CACHE_SIZE"`
}

// HandoffConfig 移交策略
type HandoffConfig struct {
	// 触发平台切换的等级
	SwitchLevels []string `yaml:"switch_levels" env:"SWITCH_LEVELS"`
	// 只做主动压缩的等级
	CompressLevels   []string      `yaml:"compress_levels" env:"COMPRESS_LEVELS"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout" env:"READINESS_TIMEOUT"`
	HandoffTimeout   time.Duration `yaml:"handoff_timeout" env:"HANDOFF_TIMEOUT"`
}

// LastResortConfig 兜底响应
type LastResortConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Message string `yaml:"message" env:"MESSAGE"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// 类型: memory, redis, database, mongo
	Type string `yaml:"type" env:"TYPE"`
	// 保留期，0 表示永久保留
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 清理周期
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	Redis           RedisConfig   `yaml:"redis" env:"REDIS"`
	Mongo           MongoConfig   `yaml:"mongo" env:"MONGO"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
	// TLS 私有 CA 证书（PEM）
	TLSCAFile string `yaml:"tls_ca_file" env:"TLS_CA_FILE"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI      string        `yaml:"uri" env:"URI"`
	Database string        `yaml:"database" env:"DATABASE"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器。默认执行 Config.Validate。
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTRELAY",
		validators: []func(*Config) error{(*Config).Validate},
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// WithoutValidation 跳过全部校验（migrate、version 等不需要完整配置的命令使用）
func (l *Loader) WithoutValidation() *Loader {
	l.validators = nil
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite-pure", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
