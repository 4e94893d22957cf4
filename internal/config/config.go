package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ModuleCouncil/pkg/logger"
)

// Config 描述了编排守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  logger.Config  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Budget   BudgetConfig   `yaml:"budget"`
	Retry    RetryConfig    `yaml:"retry"`
	Memory   MemoryConfig   `yaml:"memory"`
	Queue    QueueConfig    `yaml:"queue"`
	Council  CouncilConfig  `yaml:"council"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Alerting AlertingConfig `yaml:"alerting"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// StorageConfig 描述模块、运行记录、记忆与遥测的持久化后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig 是多个组件共享的 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig 配置幂等账本。
type LedgerConfig struct {
	Driver       string        `yaml:"driver"`
	TTL          time.Duration `yaml:"ttl"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        RedisConfig   `yaml:"redis"`
}

// LimitConfig 表示单个租户的预算上限，0 表示不限制。
type LimitConfig struct {
	PerRun float64 `yaml:"per_run"`
	Daily  float64 `yaml:"daily"`
}

// BudgetConfig 配置预算账本与预算表。
type BudgetConfig struct {
	Driver  string                 `yaml:"driver"`
	Default LimitConfig            `yaml:"default"`
	Tenants map[string]LimitConfig `yaml:"tenants"`
	Redis   RedisConfig            `yaml:"redis"`
}

// RetryRule 描述单个错误分类的重试策略。
type RetryRule struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       string        `yaml:"backoff"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	Jitter        float64       `yaml:"jitter"`
	CarryFeedback bool          `yaml:"carry_feedback"`
	RetryOnNewRun *bool         `yaml:"retry_on_new_run"`
}

// RetryConfig 是错误分类到重试策略的映射表以及全局硬上限。
type RetryConfig struct {
	MaxAttemptsPerStep int                  `yaml:"max_attempts_per_step"`
	MaxAttemptsPerRun  int                  `yaml:"max_attempts_per_run"`
	MaxRevisions       int                  `yaml:"max_revisions"`
	Classes            map[string]RetryRule `yaml:"classes"`
}

// MemoryConfig 是记忆晋升阈值表。
type MemoryConfig struct {
	MinOccurrences   int     `yaml:"min_occurrences"`
	MinSuccessRate   float64 `yaml:"min_success_rate"`
	ProceduralStreak int     `yaml:"procedural_streak"`
	HistoryWindow    int     `yaml:"history_window"`
}

// QueueConfig 配置运行请求的派发队列。
type QueueConfig struct {
	Driver  string `yaml:"driver"`
	Workers int    `yaml:"workers"`
	Size    int    `yaml:"size"`
	// MaxRequeues 限制临时失败的重新入队次数，达到后发送终态告警。
	MaxRequeues  int            `yaml:"max_requeues"`
	RequeueDelay time.Duration  `yaml:"requeue_delay"`
	Redis        RedisQueue     `yaml:"redis"`
	RabbitMQ     RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisQueue 描述 Redis 队列。
type RedisQueue struct {
	RedisConfig `yaml:",inline"`
	Queue       string        `yaml:"queue"`
	BlockWait   time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// CouncilConfig 控制步骤调度与执行能力的路由。
type CouncilConfig struct {
	MaxParallel int            `yaml:"max_parallel"`
	StepTimeout time.Duration  `yaml:"step_timeout"`
	RateLimit   float64        `yaml:"rate_limit"`
	RateBurst   int            `yaml:"rate_burst"`
	RecallLimit int            `yaml:"recall_limit"`
	Executors   ExecutorConfig `yaml:"executors"`
}

// ExecutorConfig 将步骤能力名映射到远端执行服务。
type ExecutorConfig struct {
	DefaultWorker    string            `yaml:"default_worker"`
	DefaultEvaluator string            `yaml:"default_evaluator"`
	Workers          map[string]string `yaml:"workers"`
	Evaluators       map[string]string `yaml:"evaluators"`
	APIKeyEnv        string            `yaml:"api_key_env"`
	Timeout          time.Duration     `yaml:"timeout"`
}

// TracingConfig 控制 OpenTelemetry span 的生成。启用时使用全局 TracerProvider，导出器由宿主安装。
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// AlertingConfig 配置升级事件的通知渠道，日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 解析指定路径的配置文件。YAML 与 JSON 文件均可。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 从内存中的 YAML/JSON 内容构造配置并补全默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.TTL <= 0 {
		c.Ledger.TTL = 24 * time.Hour
	}
	if c.Ledger.StaleAfter <= 0 {
		c.Ledger.StaleAfter = 15 * time.Minute
	}
	if c.Ledger.PollInterval <= 0 {
		c.Ledger.PollInterval = 500 * time.Millisecond
	}
	if c.Ledger.Redis.Prefix == "" {
		c.Ledger.Redis.Prefix = "council:ledger:"
	}
	if c.Budget.Driver == "" {
		c.Budget.Driver = "memory"
	}
	if c.Budget.Redis.Prefix == "" {
		c.Budget.Redis.Prefix = "council:budget:"
	}
	if c.Retry.MaxAttemptsPerStep <= 0 {
		c.Retry.MaxAttemptsPerStep = 5
	}
	if c.Retry.MaxAttemptsPerRun <= 0 {
		c.Retry.MaxAttemptsPerRun = 20
	}
	if c.Retry.MaxRevisions <= 0 {
		c.Retry.MaxRevisions = 2
	}
	if c.Memory.MinOccurrences <= 0 {
		c.Memory.MinOccurrences = 3
	}
	if c.Memory.MinSuccessRate <= 0 {
		c.Memory.MinSuccessRate = 0.8
	}
	if c.Memory.ProceduralStreak <= 0 {
		c.Memory.ProceduralStreak = 3
	}
	if c.Memory.HistoryWindow <= 0 {
		c.Memory.HistoryWindow = 200
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRequeues <= 0 {
		c.Queue.MaxRequeues = 5
	}
	if c.Queue.RequeueDelay <= 0 {
		c.Queue.RequeueDelay = 2 * time.Second
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Council.MaxParallel <= 0 {
		c.Council.MaxParallel = 8
	}
	if c.Council.StepTimeout <= 0 {
		c.Council.StepTimeout = 10 * time.Minute
	}
	if c.Council.RecallLimit <= 0 {
		c.Council.RecallLimit = 5
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "module-council"
	}
	if c.Alerting.WebhookTimeout <= 0 {
		c.Alerting.WebhookTimeout = 5 * time.Second
	}
}

func (c *Config) resolvePaths(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 拒绝明显不合理的策略表。
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.driver=mysql 需要配置 storage.dsn"))
	}
	for class, rule := range c.Retry.Classes {
		if rule.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("retry.classes.%s.max_attempts 不能为负数", class))
		}
		if rule.MaxDelay > 0 && rule.BaseDelay > rule.MaxDelay {
			errs = append(errs, fmt.Errorf("retry.classes.%s.base_delay 大于 max_delay", class))
		}
		if rule.Jitter < 0 || rule.Jitter > 1 {
			errs = append(errs, fmt.Errorf("retry.classes.%s.jitter 必须位于 [0,1]", class))
		}
		switch strings.ToLower(rule.Backoff) {
		case "", "none", "fixed", "exponential":
		default:
			errs = append(errs, fmt.Errorf("retry.classes.%s.backoff 未知: %s", class, rule.Backoff))
		}
	}
	if c.Ledger.StaleAfter > 0 && c.Ledger.StaleAfter <= c.Council.StepTimeout {
		errs = append(errs, errors.New("ledger.stale_after 必须大于 council.step_timeout"))
	}
	if c.Memory.MinSuccessRate > 1 {
		errs = append(errs, errors.New("memory.min_success_rate 必须位于 [0,1]"))
	}
	if c.Budget.Default.PerRun < 0 || c.Budget.Default.Daily < 0 {
		errs = append(errs, errors.New("budget.default 不能为负数"))
	}
	for tenant, limit := range c.Budget.Tenants {
		if limit.PerRun < 0 || limit.Daily < 0 {
			errs = append(errs, fmt.Errorf("budget.tenants.%s 不能为负数", tenant))
		}
	}
	return errors.Join(errs...)
}
