// Package config loads process configuration from environment variables,
// with an optional YAML file providing defaults that environment variables
// override.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every knob the service needs to dial its external
// collaborators and serve requests.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	GraphAddress    string        `yaml:"graph_address"`
	GraphMaxRetries int           `yaml:"graph_max_retries"`
	GraphRetryWait  time.Duration `yaml:"graph_retry_wait"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`

	VectorBaseURL  string `yaml:"vector_base_url"`
	VectorCollection string `yaml:"vector_collection"`
	VectorDimension int    `yaml:"vector_dimension"`

	EmbedderBaseURL string `yaml:"embedder_base_url"`
	EmbedderModel   string `yaml:"embedder_model"`

	MetastoreDSN string `yaml:"metastore_dsn"`

	RedisAddr string `yaml:"redis_addr"`
	NATSURL   string `yaml:"nats_url"`

	InngestAPIKey string `yaml:"inngest_api_key"`
	InngestEventKey string `yaml:"inngest_event_key"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Default returns the zero-config defaults a local development run expects.
func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		GraphAddress:     "localhost:9080",
		GraphMaxRetries:  5,
		GraphRetryWait:   2 * time.Second,
		RequestTimeout:   30 * time.Second,
		VectorBaseURL:    "http://localhost:6333",
		VectorCollection: "knowledge_blocks",
		VectorDimension:  3072,
		EmbedderBaseURL:  "http://localhost:11434",
		EmbedderModel:    "embedding-model",
		MetastoreDSN:     "file:schema.db?cache=shared&_pragma=busy_timeout(5000)",
		RedisAddr:        "localhost:6379",
		NATSURL:          "nats://localhost:4222",
		ShutdownGrace:    10 * time.Second,
	}
}

// Load builds a Config starting from Default(), optionally overlaid by a
// YAML file at yamlPath (ignored if empty or missing), then overridden by
// environment variables.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file %s: %w", yamlPath, err)
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GraphAddress = getEnv("GRAPH_ADDRESS", cfg.GraphAddress)
	cfg.GraphMaxRetries = getEnvInt("GRAPH_MAX_RETRIES", cfg.GraphMaxRetries)
	cfg.GraphRetryWait = getEnvDuration("GRAPH_RETRY_WAIT", cfg.GraphRetryWait)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.VectorBaseURL = getEnv("VECTOR_BASE_URL", cfg.VectorBaseURL)
	cfg.VectorCollection = getEnv("VECTOR_COLLECTION", cfg.VectorCollection)
	cfg.VectorDimension = getEnvInt("VECTOR_DIMENSION", cfg.VectorDimension)
	cfg.EmbedderBaseURL = getEnv("EMBEDDER_BASE_URL", cfg.EmbedderBaseURL)
	cfg.EmbedderModel = getEnv("EMBEDDER_MODEL", cfg.EmbedderModel)
	cfg.MetastoreDSN = getEnv("METASTORE_DSN", cfg.MetastoreDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.InngestAPIKey = getEnv("INNGEST_API_KEY", cfg.InngestAPIKey)
	cfg.InngestEventKey = getEnv("INNGEST_EVENT_KEY", cfg.InngestEventKey)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that can never dial anything.
func (c Config) Validate() error {
	if c.GraphAddress == "" {
		return fmt.Errorf("graph address must not be empty")
	}
	if c.VectorBaseURL == "" {
		return fmt.Errorf("vector base url must not be empty")
	}
	if c.VectorDimension <= 0 {
		return fmt.Errorf("vector dimension must be positive, got %d", c.VectorDimension)
	}
	if c.EmbedderBaseURL == "" {
		return fmt.Errorf("embedder base url must not be empty")
	}
	if c.MetastoreDSN == "" {
		return fmt.Errorf("metastore dsn must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
