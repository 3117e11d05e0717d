package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config represents runtime configuration for the proxy and the terminal client.
type Config struct {
	BasicConfig BasicConfig    `json:"basic_config" envPrefix:"BASIC_"`
	Backend     BackendConfig  `json:"backend" envPrefix:"BACKEND_"`
	Attachments AttachConfig   `json:"attachments" envPrefix:"ATTACH_"`
	Feedback    FeedbackConfig `json:"feedback" envPrefix:"FEEDBACK_"`
	Database    DatabaseConfig `json:"database" envPrefix:"DB_"`
	Redis       RedisConfig    `json:"redis" envPrefix:"REDIS_"`
	Log         LogConfig      `json:"log" envPrefix:"LOG_"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"SERVER_ADDRESS"`
	// ProxyURL is where the terminal client reaches the proxy.
	ProxyURL     string   `json:"proxy_url" env:"PROXY_URL"`
	AllowOrigins []string `json:"allow_origins" env:"ALLOW_ORIGINS" envSeparator:","`
}

type BackendConfig struct {
	BaseURL string `json:"base_url" env:"URL"`
	// Ceiling on one proxied chat turn, in seconds.
	StreamTimeout int `json:"stream_timeout" env:"STREAM_TIMEOUT"`
	// Timeout for the non-streaming calls, in seconds.
	RequestTimeout int `json:"request_timeout" env:"REQUEST_TIMEOUT"`
}

type AttachConfig struct {
	MaxFileMB   int `json:"max_file_mb" env:"MAX_FILE_MB"`
	Concurrency int `json:"concurrency" env:"CONCURRENCY"`
}

type FeedbackConfig struct {
	MinWorkers int `json:"min_workers" env:"MIN_WORKERS"`
	MaxWorkers int `json:"max_workers" env:"MAX_WORKERS"`
	QueueSize  int `json:"queue_size" env:"QUEUE_SIZE"`
	// minutes
	WorkerIdleTimeout int `json:"worker_idle_timeout" env:"WORKER_IDLE_TIMEOUT"`
	// days a delivered journal row is kept
	RetentionDays int `json:"retention_days" env:"RETENTION_DAYS"`
}

// DatabaseConfig selects the feedback journal. An empty Driver disables it.
type DatabaseConfig struct {
	Driver   string `json:"driver" env:"DRIVER"`
	DSN      string `json:"dsn" env:"DSN"`
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	DBName   string `json:"db_name" env:"NAME"`
	Params   string `json:"params" env:"PARAMS"`
}

// RedisConfig configures the session history cache. An empty Host disables it.
type RedisConfig struct {
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	// seconds
	HistoryTTL int `json:"history_ttl" env:"HISTORY_TTL"`
}

type LogConfig struct {
	File       string `json:"file" env:"FILE"`
	Production bool   `json:"production" env:"PRODUCTION"`
}

const envPrefix = "COPYDESK_"

// Load reads configuration from the provided path (defaults to config.json),
// then applies COPYDESK_* environment overrides. A missing file is not an
// error when the path was not given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN != "" && !filepath.IsAbs(cfg.Database.DSN) {
		cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.ProxyURL == "" {
		c.BasicConfig.ProxyURL = "http://localhost:8090"
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:8000"
	}
	if c.Backend.StreamTimeout <= 0 {
		c.Backend.StreamTimeout = 60
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 15
	}
	if c.Attachments.MaxFileMB <= 0 {
		c.Attachments.MaxFileMB = 20
	}
	if c.Attachments.Concurrency <= 0 {
		c.Attachments.Concurrency = 4
	}
	if c.Feedback.MinWorkers <= 0 {
		c.Feedback.MinWorkers = 1
	}
	if c.Feedback.MaxWorkers <= 0 {
		c.Feedback.MaxWorkers = 4
	}
	if c.Feedback.MaxWorkers < c.Feedback.MinWorkers {
		c.Feedback.MaxWorkers = c.Feedback.MinWorkers
	}
	if c.Feedback.QueueSize <= 0 {
		c.Feedback.QueueSize = 64
	}
	if c.Feedback.WorkerIdleTimeout <= 0 {
		c.Feedback.WorkerIdleTimeout = 5
	}
	if c.Feedback.RetentionDays <= 0 {
		c.Feedback.RetentionDays = 30
	}
	if c.Redis.HistoryTTL <= 0 {
		c.Redis.HistoryTTL = 60
	}
}
