// =============================================================================
// 📦 Cairn 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Paths:        DefaultPathsConfig(),
		Concurrency:  DefaultConcurrencyConfig(),
		Limits:       DefaultLimitsConfig(),
		CodeProvider: DefaultCodeProviderConfig(),
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultPathsConfig 返回默认路径配置
func DefaultPathsConfig() PathsConfig {
	return PathsConfig{
		ProjectRoot: ".",
		CairnHome:   "./.cairn",
	}
}

// DefaultConcurrencyConfig 返回默认并发配置
func DefaultConcurrencyConfig() ConcurrencyConfig {
	return ConcurrencyConfig{
		MaxConcurrentAgents: 4,
		MaxQueueSize:        64,
		WorkspaceCacheSize:  32,
		GraphMaxConcurrency: 4,
	}
}

// DefaultLimitsConfig 返回默认资源上限配置
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxExecutionTime:  5 * time.Minute,
		MaxMemoryBytes:    512 * 1024 * 1024,
		MaxRecursionDepth: 32,
		GraphTimeout:      30 * time.Minute,
	}
}

// DefaultCodeProviderConfig 返回默认 CodeProvider 选择
func DefaultCodeProviderConfig() CodeProviderConfig {
	return CodeProviderConfig{
		Name:    "stub",
		Options: map[string]string{},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
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
		ServiceName:  "cairn",
		SampleRate:   0.1,
	}
}
