// =============================================================================
// 📦 Cairn 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CAIRN").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
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

// Config is the orchestration core's complete configuration structure:
// paths, concurrency caps, per-agent limits, provider selection, logging,
// and telemetry.
type Config struct {
	// Paths 项目根目录与 cairn_home 路径
	Paths PathsConfig `yaml:"paths" env:"PATHS"`

	// Concurrency 并发控制（worker pool、队列、缓存上限）
	Concurrency ConcurrencyConfig `yaml:"concurrency" env:"CONCURRENCY"`

	// Limits 单个 agent 与 graph 的资源上限
	Limits LimitsConfig `yaml:"limits" env:"LIMITS"`

	// CodeProvider 选择外部 CodeProvider 实现
	CodeProvider CodeProviderConfig `yaml:"code_provider" env:"CODE_PROVIDER"`

	// Server 指标/CLI 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// PathsConfig locates the project's stable/bin workspaces and the
// orchestrator's scratch directory for previews, scripts, and state.
type PathsConfig struct {
	// ProjectRoot holds .agentfs/{stable,bin,agent-<id>}.db.
	ProjectRoot string `yaml:"project_root" env:"PROJECT_ROOT"`
	// CairnHome holds workspaces/<agent_id> previews and state/orchestrator.json.
	CairnHome string `yaml:"cairn_home" env:"CAIRN_HOME"`
}

// ConcurrencyConfig bounds the orchestrator's worker pool, queue, and caches.
type ConcurrencyConfig struct {
	// MaxConcurrentAgents bounds simultaneously-running lifecycle drivers.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents" env:"MAX_CONCURRENT_AGENTS"`
	// MaxQueueSize bounds the task queue before Enqueue fails ResourceLimit.
	MaxQueueSize int `yaml:"max_queue_size" env:"MAX_QUEUE_SIZE"`
	// WorkspaceCacheSize bounds the LRU of open workspace handles.
	WorkspaceCacheSize int `yaml:"workspace_cache_size" env:"WORKSPACE_CACHE_SIZE"`
	// GraphMaxConcurrency bounds concurrently-running nodes within one graph.
	GraphMaxConcurrency int `yaml:"graph_max_concurrency" env:"GRAPH_MAX_CONCURRENCY"`
}

// LimitsConfig bounds a single agent's sandboxed execution and a graph run.
type LimitsConfig struct {
	// MaxExecutionTime is the wall-clock cap on ScriptHost.Run.
	MaxExecutionTime time.Duration `yaml:"max_execution_time" env:"MAX_EXECUTION_TIME"`
	// MaxMemoryBytes is the advisory RSS ceiling sampled by the resource limiter.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" env:"MAX_MEMORY_BYTES"`
	// MaxRecursionDepth bounds nested tool-call recursion inside a script run.
	MaxRecursionDepth int `yaml:"max_recursion_depth" env:"MAX_RECURSION_DEPTH"`
	// GraphTimeout is the wall-clock cap on one graph executor run.
	GraphTimeout time.Duration `yaml:"graph_timeout" env:"GRAPH_TIMEOUT"`
}

// CodeProviderConfig selects and configures the external CodeProvider
// collaborator; the provider implementation itself is out of core scope.
type CodeProviderConfig struct {
	// Name identifies which CodeProvider implementation to load.
	Name string `yaml:"name" env:"NAME"`
	// APIKey is passed through opaquely to the selected provider.
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// BaseURL is passed through opaquely to the selected provider.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Options carries provider-specific key/value configuration.
	Options map[string]string `yaml:"options" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
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

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CAIRN",
		validators: make([]func(*Config) error, 0),
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
			return nil, fmt.Errorf("config validation failed: %w", err)
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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

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

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证并发/资源上限配置
	if c.Concurrency.MaxConcurrentAgents <= 0 {
		errs = append(errs, "max_concurrent_agents must be positive")
	}
	if c.Concurrency.MaxQueueSize <= 0 {
		errs = append(errs, "max_queue_size must be positive")
	}
	if c.Limits.MaxExecutionTime <= 0 {
		errs = append(errs, "max_execution_time must be positive")
	}
	if c.Paths.ProjectRoot == "" {
		errs = append(errs, "project_root must be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
