package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreS3     = "s3"
	StoreRedis  = "redis"
)

type Config struct {
	ListenAddr string `env:"KODAMA_LISTEN_ADDR" envDefault:":8080"`
	Namespace  string `env:"KODAMA_NAMESPACE" envDefault:"kodama/v1"`
	LogLevel   string `env:"KODAMA_LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"KODAMA_LOG_FORMAT" envDefault:"text"`

	Store           string `env:"KODAMA_STORE" envDefault:"file"`
	FileDir         string `env:"KODAMA_FILE_DIR" envDefault:"./data"`
	FileCompression int    `env:"KODAMA_FILE_COMPRESSION" envDefault:"3"`

	RedisAddr     string `env:"KODAMA_REDIS_ADDR"`
	RedisDB       int    `env:"KODAMA_REDIS_DB" envDefault:"0"`
	RedisPassword string `env:"KODAMA_REDIS_PASSWORD"`

	S3Endpoint  string `env:"KODAMA_S3_ENDPOINT"`
	S3Region    string `env:"KODAMA_S3_REGION"`
	S3Bucket    string `env:"KODAMA_S3_BUCKET"`
	S3Prefix    string `env:"KODAMA_S3_PREFIX"`
	S3AccessKey string `env:"KODAMA_S3_ACCESS_KEY"`
	S3SecretKey string `env:"KODAMA_S3_SECRET_KEY"`

	FetchTimeout time.Duration `env:"KODAMA_FETCH_TIMEOUT" envDefault:"30s"`
	UserAgent    string        `env:"KODAMA_USER_AGENT" envDefault:"kodama/1.0"`
	WriteTimeout time.Duration `env:"KODAMA_WRITE_TIMEOUT" envDefault:"30s"`
	LockTTL      time.Duration `env:"KODAMA_LOCK_TTL" envDefault:"45s"`
	MaxLockWait  time.Duration `env:"KODAMA_MAX_LOCK_WAIT" envDefault:"3s"`
	Samples      int           `env:"KODAMA_SAMPLES" envDefault:"200"`
}

// Load reads the environment and validates the selected store backend.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse reads the environment without validating it, so callers can apply
// flag overrides first.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Namespace) == "" {
		return errors.New("KODAMA_NAMESPACE must not be empty")
	}
	if cfg.Samples <= 0 {
		return errors.New("KODAMA_SAMPLES must be positive")
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreFile:
		if cfg.FileDir == "" {
			return errors.New("KODAMA_FILE_DIR is required for the file store")
		}
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("KODAMA_REDIS_ADDR is required for the redis store")
		}
	case StoreS3:
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return errors.New("S3 endpoint/bucket/access/secret are required")
		}
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	return nil
}
