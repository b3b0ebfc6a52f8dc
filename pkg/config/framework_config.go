package config

import (
	"time"
)

// EngineConfig 调度引擎配置（对外导出）
type EngineConfig struct {
	NodeEngine struct {
		General   GeneralConfig   `yaml:"general"`
		Storage   StorageConfig   `yaml:"storage"`
		Queue     QueueConfig     `yaml:"queue"`
		Execution ExecutionConfig `yaml:"execution"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Breaker   BreakerConfig   `yaml:"breaker"`
		Janitor   JanitorConfig   `yaml:"janitor"`
		API       APIConfig       `yaml:"api"`
		Metrics   MetricsConfig   `yaml:"metrics"`
		Alerts    AlertsConfig    `yaml:"alerts"`
	} `yaml:"node-engine"`
}

// GeneralConfig 通用配置
type GeneralConfig struct {
	InstanceName string `yaml:"instance_name"`
	LogLevel     string `yaml:"log_level"`
	Env          string `yaml:"env"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	// HotBackend 热存储后端：memory|redis
	HotBackend string `yaml:"hot_backend"`
	// ColdBackend 冷存储后端：memory|sql
	ColdBackend string         `yaml:"cold_backend"`
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Blob        BlobConfig     `yaml:"blob"`
	Cache       CacheConfig    `yaml:"cache"`
}

// DatabaseConfig 关系数据库配置
type DatabaseConfig struct {
	Type            string        `yaml:"type"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// BlobConfig 大负载存储配置
type BlobConfig struct {
	// Type memory|sql|s3
	Type string `yaml:"type"`
	// InlineThreshold 小于该字节数的负载直接内联
	InlineThreshold int      `yaml:"inline_threshold"`
	S3              S3Config `yaml:"s3"`
}

// S3Config S3/MinIO配置
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	KeyPrefix       string `yaml:"key_prefix"`
}

// CacheConfig 终态记录缓存配置
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	CleanInterval time.Duration `yaml:"clean_interval"`
}

// QueueConfig 任务队列配置
type QueueConfig struct {
	// Backend memory|sql|redis
	Backend           string        `yaml:"backend"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	// Notify 入队唤醒提示：memory|postgres|none
	Notify string `yaml:"notify"`
}

// ExecutionConfig 执行配置
type ExecutionConfig struct {
	WorkerCount       int           `yaml:"worker_count"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	WakeDeadline      time.Duration `yaml:"wake_deadline"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig 重试退避配置
type RetryConfig struct {
	// Strategy fixed|linear|exponential
	Strategy   string        `yaml:"strategy"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// SchedulerConfig 调度模式决策配置
type SchedulerConfig struct {
	// Mode 非空时强制使用workflow或node
	Mode                        string        `yaml:"mode"`
	NodeLevelThreshold          int           `yaml:"node_level_threshold"`
	LongRunningNodeTypes        []string      `yaml:"long_running_node_types"`
	HistoricalDurationThreshold time.Duration `yaml:"historical_duration_threshold"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// JanitorConfig 巡检配置
type JanitorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Schedule       string        `yaml:"schedule"`
	LivenessWindow time.Duration `yaml:"liveness_window"`
	SweepBatch     int           `yaml:"sweep_batch"`
	// EvictAfter 终态Execution在热存储中保留的时长，0表示不淘汰
	EvictAfter time.Duration `yaml:"evict_after"`
	// Retention 冷存储保留时长，0表示不清理
	Retention time.Duration `yaml:"retention"`
	Leader    LeaderConfig  `yaml:"leader"`
}

// LeaderConfig 巡检选主配置
type LeaderConfig struct {
	// Backend sql|redis|none
	Backend   string        `yaml:"backend"`
	TTL       time.Duration `yaml:"ttl"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// APIConfig 管理接口配置
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AlertsConfig 告警插件配置
type AlertsConfig struct {
	Email EmailAlertConfig `yaml:"email"`
}

// EmailAlertConfig 邮件告警配置
type EmailAlertConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	// Events 触发告警的事件，为空时使用插件默认告警事件
	Events []string `yaml:"events"`
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.NodeEngine.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.NodeEngine.Storage.Database.DSN
}

// GetWorkerConcurrency 获取Worker并发数
func (c *EngineConfig) GetWorkerConcurrency() int {
	concurrency := c.NodeEngine.Execution.WorkerConcurrency
	if concurrency <= 0 {
		return 10
	}
	return concurrency
}

// GetVisibilityTimeout 获取租约时长
func (c *EngineConfig) GetVisibilityTimeout() time.Duration {
	timeout := c.NodeEngine.Queue.VisibilityTimeout
	if timeout <= 0 {
		return 30 * time.Second
	}
	return timeout
}

// GetWakeDeadline 获取停车唤醒期限
func (c *EngineConfig) GetWakeDeadline() time.Duration {
	d := c.NodeEngine.Execution.WakeDeadline
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	ne := &c.NodeEngine

	if ne.General.InstanceName == "" {
		ne.General.InstanceName = "node-engine"
	}
	if ne.General.LogLevel == "" {
		ne.General.LogLevel = "info"
	}
	if ne.General.Env == "" {
		ne.General.Env = "dev"
	}

	// Storage默认值
	db := &ne.Storage.Database
	if db.MaxOpenConns <= 0 {
		db.MaxOpenConns = 10
	}
	if db.MaxIdleConns <= 0 {
		db.MaxIdleConns = 5
	}
	if db.ConnMaxLifetime <= 0 {
		db.ConnMaxLifetime = 2 * time.Hour
	}
	if db.ConnMaxIdleTime <= 0 {
		db.ConnMaxIdleTime = time.Hour
	}
	if ne.Storage.Redis.KeyPrefix == "" {
		ne.Storage.Redis.KeyPrefix = "node-engine:"
	}
	if ne.Storage.HotBackend == "" {
		ne.Storage.HotBackend = "memory"
		if ne.Storage.Redis.URL != "" {
			ne.Storage.HotBackend = "redis"
		}
	}
	if ne.Storage.ColdBackend == "" {
		ne.Storage.ColdBackend = "memory"
		if db.Type != "" {
			ne.Storage.ColdBackend = "sql"
		}
	}
	if ne.Storage.Blob.Type == "" {
		ne.Storage.Blob.Type = "memory"
	}
	if ne.Storage.Blob.InlineThreshold <= 0 {
		ne.Storage.Blob.InlineThreshold = 64 * 1024
	}
	if ne.Storage.Cache.DefaultTTL <= 0 {
		ne.Storage.Cache.DefaultTTL = time.Hour
	}
	if ne.Storage.Cache.CleanInterval <= 0 {
		ne.Storage.Cache.CleanInterval = 30 * time.Minute
	}

	// Queue默认值
	if ne.Queue.Backend == "" {
		switch {
		case ne.Storage.Redis.URL != "":
			ne.Queue.Backend = "redis"
		case db.Type != "":
			ne.Queue.Backend = "sql"
		default:
			ne.Queue.Backend = "memory"
		}
	}
	if ne.Queue.VisibilityTimeout <= 0 {
		ne.Queue.VisibilityTimeout = 30 * time.Second
	}
	if ne.Queue.PollInterval <= 0 {
		ne.Queue.PollInterval = time.Second
	}
	if ne.Queue.BatchSize <= 0 {
		ne.Queue.BatchSize = 10
	}
	if ne.Queue.Notify == "" {
		ne.Queue.Notify = "memory"
	}

	// Execution默认值
	ex := &ne.Execution
	if ex.WorkerCount <= 0 {
		ex.WorkerCount = 1
	}
	if ex.WorkerConcurrency <= 0 {
		ex.WorkerConcurrency = 10
	}
	if ex.ShutdownTimeout <= 0 {
		ex.ShutdownTimeout = 30 * time.Second
	}
	if ex.DefaultMaxRetries <= 0 {
		ex.DefaultMaxRetries = 3
	}
	if ex.WakeDeadline <= 0 {
		ex.WakeDeadline = 5 * time.Second
	}
	if ex.Retry.Strategy == "" {
		ex.Retry.Strategy = "exponential"
	}
	if ex.Retry.BaseDelay <= 0 {
		ex.Retry.BaseDelay = time.Second
	}
	if ex.Retry.MaxDelay <= 0 {
		ex.Retry.MaxDelay = 5 * time.Minute
	}
	if ex.Retry.Multiplier <= 0 {
		ex.Retry.Multiplier = 2
	}

	// Breaker默认值
	if ne.Breaker.FailureThreshold <= 0 {
		ne.Breaker.FailureThreshold = 5
	}
	if ne.Breaker.Cooldown <= 0 {
		ne.Breaker.Cooldown = 30 * time.Second
	}

	// Janitor默认值
	j := &ne.Janitor
	if j.Schedule == "" {
		j.Schedule = "*/5 * * * * *"
	}
	if j.LivenessWindow <= 0 {
		j.LivenessWindow = 5 * time.Minute
	}
	if j.SweepBatch <= 0 {
		j.SweepBatch = 100
	}
	if j.Leader.Backend == "" {
		j.Leader.Backend = "none"
	}
	if j.Leader.TTL <= 0 {
		j.Leader.TTL = 60 * time.Second
	}
	if j.Leader.Heartbeat <= 0 {
		j.Leader.Heartbeat = 10 * time.Second
	}

	// API默认值
	if ne.API.Host == "" {
		ne.API.Host = "0.0.0.0"
	}
	if ne.API.Port <= 0 {
		ne.API.Port = 8080
	}

	if ne.Alerts.Email.SMTPPort <= 0 {
		ne.Alerts.Email.SMTPPort = 25
	}
}
