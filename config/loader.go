// =============================================================================
// 📦 docforge 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("docforge.yaml").
//	    WithEnvPrefix("DOCFORGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 docforge 的完整配置结构
type Config struct {
	// Providers 各提供商配置, 按 Priority 降序路由
	Providers []ProviderConfig `yaml:"providers"`

	// Fallback 降级路由配置
	Fallback FallbackConfig `yaml:"fallback" env:"FALLBACK"`

	// Budget 成本上限配置
	Budget BudgetConfig `yaml:"budget" env:"BUDGET"`

	// Synthesis 多提供商合成配置
	Synthesis SynthesisConfig `yaml:"synthesis" env:"SYNTHESIS"`

	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Batch 批处理合并配置
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Redis 缓存二级存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Ledger 用量台账配置
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ProviderConfig 单个提供商配置
type ProviderConfig struct {
	// 名称, 同时是注册名: openai, anthropic, gemini, local
	Name string `yaml:"name"`
	// 类型, 缺省同 Name; openai-compatible 端点在此指定
	Type string `yaml:"type"`
	// API Key
	APIKey string `yaml:"api_key"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url"`
	// 默认模型
	DefaultModel string `yaml:"default_model"`
	// 可用模型列表
	Models []string `yaml:"models"`
	// 每分钟请求上限, 0 不限
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// 每天请求上限, 0 不限
	DailyRequestCap int `yaml:"daily_request_cap"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout"`
	// 路由优先级, 数字越大越靠前
	Priority int `yaml:"priority"`
	// 质量权重, quality_optimized 与 weighted 合成用
	Quality float64 `yaml:"quality"`
	// 是否启用
	Enabled bool `yaml:"enabled"`
}

// FallbackConfig 降级路由配置
type FallbackConfig struct {
	// 策略: sequential, cost_optimized, quality_optimized, parallel
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// 单提供商最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
}

// BudgetConfig 成本上限配置
type BudgetConfig struct {
	// 日上限 (USD), 0 不限
	DailyLimitUSD float64 `yaml:"daily_limit_usd" env:"DAILY_LIMIT_USD"`
	// 月上限 (USD), 0 不限
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd" env:"MONTHLY_LIMIT_USD"`
	// 预警比例
	WarnRatio float64 `yaml:"warn_ratio" env:"WARN_RATIO"`
}

// SynthesisConfig 多提供商合成配置
type SynthesisConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 并发咨询的提供商上限
	MaxProviders int `yaml:"max_providers" env:"MAX_PROVIDERS"`
	// 策略: best_quality, consensus, weighted
	Strategy string `yaml:"strategy" env:"STRATEGY"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 本地 LRU 容量
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 本地条目 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 语义匹配开关
	Semantic bool `yaml:"semantic" env:"SEMANTIC"`
	// 语义相似度阈值
	SemanticThreshold float64 `yaml:"semantic_threshold" env:"SEMANTIC_THRESHOLD"`
}

// BatchConfig 批处理合并配置
type BatchConfig struct {
	// 工作协程数, 0 关闭批处理层
	Workers int `yaml:"workers" env:"WORKERS"`
	// 队列长度上限
	MaxQueueSize int `yaml:"max_queue_size" env:"MAX_QUEUE_SIZE"`
	// 单批请求数上限, 凑满立即交付
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// 凑批最长等待时间, 到时交付未满的批
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
	// 上游请求速率上限 (每秒), 0 不限速
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否作为缓存二级存储启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 条目 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// LedgerConfig 用量台账配置
type LedgerConfig struct {
	// 是否启用持久化台账
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// SQLite 文件路径, ":memory:" 为纯内存
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
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
		envPrefix:  "DOCFORGE",
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
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

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
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量覆盖标量字段.
// Providers 列表不支持环境变量, 只能来自文件。
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

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

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, "provider with empty name")
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
	}

	switch c.Fallback.Strategy {
	case "", "sequential", "cost_optimized", "quality_optimized", "parallel":
	default:
		errs = append(errs, fmt.Sprintf("unknown fallback strategy %q", c.Fallback.Strategy))
	}

	switch c.Synthesis.Strategy {
	case "", "best_quality", "consensus", "weighted":
	default:
		errs = append(errs, fmt.Sprintf("unknown synthesis strategy %q", c.Synthesis.Strategy))
	}

	if c.Budget.DailyLimitUSD < 0 || c.Budget.MonthlyLimitUSD < 0 {
		errs = append(errs, "budget limits must be >= 0")
	}
	if c.Cache.SemanticThreshold < 0 || c.Cache.SemanticThreshold > 1 {
		errs = append(errs, "semantic_threshold must be in [0,1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// EnabledProviders 返回启用的提供商, 按 Priority 降序 (数值大的先被尝试).
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
