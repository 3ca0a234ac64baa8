package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Redis      RedisConfig      `yaml:"redis"`
	SearchSync SearchSyncConfig `yaml:"search_sync"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// RedisConfig backs both the durable workflow engine and the pub/sub
// gateway. When disabled, workflows run in-process and events go to the
// local SSE hub only.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SearchSyncConfig points at the search-indexing subsystem. Sync triggers
// are fire-and-forget; an empty BaseURL disables them.
type SearchSyncConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WorkflowConfig struct {
	BatchSize     int           `yaml:"batch_size"`     // activity relocation page size
	MaxRetry      int           `yaml:"max_retry"`      // per-task retry budget
	TaskTimeout   time.Duration `yaml:"task_timeout"`   // start-to-close per attempt
	SweepInterval time.Duration `yaml:"sweep_interval"` // stuck-action re-drive cadence
	StuckAfter    time.Duration `yaml:"stuck_after"`    // age before an action counts as stuck
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "crowdkit.db",
		},
		JWT: JWTConfig{
			Secret: "crowdkit-secret-key-change-in-production",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		SearchSync: SearchSyncConfig{
			Timeout: 10 * time.Second,
		},
		Workflow: WorkflowConfig{
			BatchSize:     500,
			MaxRetry:      6,
			TaskTimeout:   10 * time.Minute,
			SweepInterval: 5 * time.Minute,
			StuckAfter:    30 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// applyDefaults backfills zero values that yaml or env may have cleared.
func (c *Config) applyDefaults() {
	if c.Workflow.BatchSize <= 0 {
		c.Workflow.BatchSize = 500
	}
	if c.Workflow.MaxRetry <= 0 {
		c.Workflow.MaxRetry = 6
	}
	if c.Workflow.TaskTimeout <= 0 {
		c.Workflow.TaskTimeout = 10 * time.Minute
	}
	if c.Workflow.SweepInterval <= 0 {
		c.Workflow.SweepInterval = 5 * time.Minute
	}
	if c.Workflow.StuckAfter <= 0 {
		c.Workflow.StuckAfter = 30 * time.Minute
	}
	if c.SearchSync.Timeout <= 0 {
		c.SearchSync.Timeout = 10 * time.Second
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if baseURL := os.Getenv("SEARCH_SYNC_URL"); baseURL != "" {
		c.SearchSync.BaseURL = baseURL
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values.
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}
