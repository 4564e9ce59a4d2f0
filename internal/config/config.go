package config

import (
	"fmt"
	"time"

	"anniversary-notifier/pkg/circuitbreaker"
	"anniversary-notifier/pkg/config"
)

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sink      SinkConfig      `yaml:"sink"`
	Outbox    OutboxConfig    `yaml:"outbox"`
}

type SchedulerConfig struct {
	// 本地时间的目标小时（0-23）
	TargetHour        int           `yaml:"target_hour"`
	CatchUpHours      int           `yaml:"catch_up_hours"`
	Cron              string        `yaml:"cron"`
	ReconcileCron     string        `yaml:"reconcile_cron"`
	BucketConcurrency int           `yaml:"bucket_concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	StalePendingAfter time.Duration `yaml:"stale_pending_after"`
	ReclaimFailed     time.Duration `yaml:"reclaim_failed_after"`
	ZoneinfoDirs      []string      `yaml:"zoneinfo_dirs"`
}

type WorkerConfig struct {
	Queue          string        `yaml:"queue"`
	Concurrency    int           `yaml:"concurrency"`
	Prefetch       int           `yaml:"prefetch"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	MaxAttempts    int64         `yaml:"max_attempts"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
	// worker 只暴露 health/metrics
	HTTPPort string `yaml:"http_port"`
}

type SinkConfig struct {
	URL        string                `yaml:"url"`
	Timeout    time.Duration         `yaml:"timeout"`
	RatePerSec float64               `yaml:"rate_per_sec"`
	Burst      int                   `yaml:"burst"`
	Breaker    circuitbreaker.Config `yaml:"breaker"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

// Load 使用统一配置中心：CONFIG_ENV / CONFIG_DIR
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	overrides := config.FromOSEnv()
	overrides.DB(&cfg.DB)
	overrides.MQ(&cfg.MQ)
	overrides.Redis(&cfg.Redis)
	overrides.JWT(&cfg.JWT)
	overrides.Server(&cfg.Server)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Scheduler
	if s.CatchUpHours <= 0 {
		s.CatchUpHours = 2
	}
	if s.Cron == "" {
		s.Cron = "@every 15m"
	}
	if s.ReconcileCron == "" {
		s.ReconcileCron = "@every 10m"
	}
	if s.BucketConcurrency <= 0 {
		s.BucketConcurrency = 4
	}
	if s.BatchSize <= 0 || s.BatchSize > 100 {
		s.BatchSize = 100
	}
	if s.StalePendingAfter <= 0 {
		s.StalePendingAfter = 30 * time.Minute
	}
	if s.ReclaimFailed <= 0 {
		s.ReclaimFailed = time.Hour
	}

	w := &c.Worker
	if w.Queue == "" {
		w.Queue = "occurrence.due.q"
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 8
	}
	if w.Prefetch <= 0 {
		w.Prefetch = 2 * w.Concurrency
	}
	if w.RetryBaseDelay <= 0 {
		w.RetryBaseDelay = time.Minute
	}
	if w.RetryMaxDelay <= 0 {
		w.RetryMaxDelay = time.Hour
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 5
	}
	if w.LeaseTTL <= 0 {
		w.LeaseTTL = 2 * time.Minute
	}
	if w.HTTPPort == "" {
		w.HTTPPort = "8081"
	}

	if c.Sink.Timeout <= 0 {
		c.Sink.Timeout = 10 * time.Second
	}
	if c.Sink.RatePerSec <= 0 {
		c.Sink.RatePerSec = 50
	}
	if c.Sink.Burst <= 0 {
		c.Sink.Burst = int(c.Sink.RatePerSec)
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 5 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 10
	}

	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
}

func (c *Config) Validate() error {
	if c.Scheduler.TargetHour < 0 || c.Scheduler.TargetHour > 23 {
		return fmt.Errorf("scheduler.target_hour must be in [0,23], got %d", c.Scheduler.TargetHour)
	}
	if c.Scheduler.CatchUpHours >= 24 {
		return fmt.Errorf("scheduler.catch_up_hours must be below 24, got %d", c.Scheduler.CatchUpHours)
	}
	return nil
}
