package config

import (
	"fmt"
	"os"
	"time"

	"projectplanner/pkg/config"
)

const (
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// RemoteConfig 权威存储的访问方式
type RemoteConfig struct {
	Backend     string        `yaml:"backend"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	TokenSecret string        `yaml:"token_secret"`
}

// SyncConfig 保存流程配置
type SyncConfig struct {
	// 是否使用 Redis 做跨进程的单飞锁
	DistributedLock bool          `yaml:"distributed_lock"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	// 单次保存的超时时间
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	Server config.ServerConfig `yaml:"server"`
	Remote RemoteConfig        `yaml:"remote"`
	Sync   SyncConfig          `yaml:"sync"`
}

// Load 使用统一配置中心加载配置，env 为空时取 CONFIG_ENV
func Load(env, configDir string) (*Config, error) {
	if env == "" {
		env = config.GetConfigEnv()
	}
	if configDir == "" {
		configDir = config.GetEnv("CONFIG_DIR", "config")
	}

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	if url := os.Getenv("REMOTE_BASE_URL"); url != "" {
		cfg.Remote.BaseURL = url
	}
	if backend := os.Getenv("REMOTE_BACKEND"); backend != "" {
		cfg.Remote.Backend = backend
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Backend == "" {
		c.Remote.Backend = BackendHTTP
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 10 * time.Second
	}
	if c.Sync.LockTTL <= 0 {
		c.Sync.LockTTL = 2 * time.Minute
	}
	if c.Sync.SaveTimeout <= 0 {
		c.Sync.SaveTimeout = time.Minute
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.MQ.Exchange == "" {
		c.MQ.Exchange = "planner.events"
	}
	if c.MQ.Prefetch <= 0 {
		c.MQ.Prefetch = 10
	}
}

func (c *Config) validate() error {
	switch c.Remote.Backend {
	case BackendHTTP:
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required for the %s backend", BackendHTTP)
		}
	case BackendPostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return fmt.Errorf("db.host and db.name are required for the %s backend", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown remote.backend %q", c.Remote.Backend)
	}
	if c.Sync.DistributedLock && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when sync.distributed_lock is enabled")
	}
	return nil
}
