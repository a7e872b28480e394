// =============================================================================
// 📦 AgentRelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值。platforms 与 chain 没有默认值，必须由配置文件给出。
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Monitor:      DefaultMonitorConfig(),
		Platforms:    map[string]PlatformConfig{},
		Preservation: DefaultPreservationConfig(),
		Handoff:      DefaultHandoffConfig(),
		LastResort:   DefaultLastResortConfig(),
		Store:        DefaultStoreConfig(),
		Database:     DefaultDatabaseConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultMonitorConfig 返回默认监控配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:           10 * time.Second,
		WarningThreshold:   0.70,
		CriticalThreshold:  0.85,
		EmergencyThreshold: 0.95,
		Concurrency:        8,
	}
}

// DefaultPreservationConfig 返回默认上下文保存配置
func DefaultPreservationConfig() PreservationConfig {
	return PreservationConfig{
		MaxBlocks:               500,
		MaxContextBytes:         200_000,
		ImportantBlockThreshold: 0.8,
		TieWindow:               0.1,
		TokenEncoding:           "cl100k_base",
		CacheSize:               256,
	}
}

// DefaultHandoffConfig 返回默认移交策略
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		SwitchLevels:     []string{"critical", "emergency"},
		CompressLevels:   []string{"warning"},
		ReadinessTimeout: 10 * time.Second,
		HandoffTimeout:   2 * time.Minute,
	}
}

// DefaultLastResortConfig 返回默认兜底配置
func DefaultLastResortConfig() LastResortConfig {
	return LastResortConfig{
		Enabled: true,
		Message: "All platforms are currently unavailable. Your request has been recorded; please retry shortly.",
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            "memory",
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "agentrelay:",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "agentrelay",
			Timeout:  10 * time.Second,
		},
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentrelay",
		Name:            "agentrelay.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrelay",
		SampleRate:   0.1,
	}
}
