package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "engram.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "ENGRAM_PORT")
	setString(&cfg.Server.CORSOrigin, "ENGRAM_CORS_ORIGIN")
	setString(&cfg.Logging.Level, "ENGRAM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "ENGRAM_LOG_SERVICE")

	setString(&cfg.Memory.DataDir, "ENGRAM_DATA_DIR")
	setString(&cfg.Memory.DefaultProvider, "ENGRAM_DEFAULT_PROVIDER")
	setFloat64(&cfg.Memory.MatchThreshold, "ENGRAM_MATCH_THRESHOLD")
	setInt(&cfg.Memory.SearchLimit, "ENGRAM_SEARCH_LIMIT")
	setBool(&cfg.Memory.VectorEnabled, "ENGRAM_VECTOR_ENABLED")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "ENGRAM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "ENGRAM_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "ENGRAM_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "ENGRAM_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "ENGRAM_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.LLM.Provider, "ENGRAM_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "ENGRAM_LLM_MODEL")
	setString(&cfg.LLM.APIKey, "ENGRAM_LLM_API_KEY")
	setString(&cfg.LLM.BaseURL, "ENGRAM_LLM_BASE_URL")
	setInt64(&cfg.LLM.MaxTokens, "ENGRAM_LLM_MAX_TOKENS")

	setString(&cfg.Embedding.APIKey, "ENGRAM_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.Model, "ENGRAM_EMBEDDING_MODEL")
	setString(&cfg.Embedding.BaseURL, "ENGRAM_EMBEDDING_BASE_URL")
	setInt64(&cfg.Embedding.CacheMB, "ENGRAM_EMBEDDING_CACHE_MB")
	setDuration(&cfg.Embedding.Timeout, "ENGRAM_EMBEDDING_TIMEOUT")
	setInt(&cfg.Embedding.BackfillBatch, "ENGRAM_EMBEDDING_BACKFILL_BATCH")

	setInt(&cfg.Compactor.MaxInputChars, "ENGRAM_COMPACTOR_MAX_INPUT_CHARS")
	setFloat64(&cfg.Compactor.DedupThreshold, "ENGRAM_COMPACTOR_DEDUP_THRESHOLD")
	setString(&cfg.Compactor.Model, "ENGRAM_COMPACTOR_MODEL")

	setInt(&cfg.Agent.MaxIterations, "ENGRAM_AGENT_MAX_ITERATIONS")
	setInt(&cfg.Agent.ReflectionThreshold, "ENGRAM_AGENT_REFLECTION_THRESHOLD")
	setDuration(&cfg.Agent.ToolTimeout, "ENGRAM_AGENT_TOOL_TIMEOUT")
	setInt(&cfg.Agent.IngestQueueSize, "ENGRAM_AGENT_INGEST_QUEUE_SIZE")

	setString(&cfg.Router.Transport, "ENGRAM_ROUTER_TRANSPORT")
	setString(&cfg.Router.Command, "ENGRAM_ROUTER_COMMAND")
	setString(&cfg.Router.URL, "ENGRAM_ROUTER_URL")

	setInt(&cfg.Breaker.MaxFailures, "ENGRAM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "ENGRAM_BREAKER_TIMEOUT")

	setBool(&cfg.Telemetry.Enabled, "ENGRAM_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "ENGRAM_TELEMETRY_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Memory.DataDir == "" {
		return errors.New("memory.data_dir is required")
	}
	if cfg.Memory.DefaultProvider == "" {
		return errors.New("memory.default_provider is required")
	}
	if cfg.Memory.MatchThreshold < 0 || cfg.Memory.MatchThreshold > 1 {
		return errors.New("memory.match_threshold must be in [0,1]")
	}
	if cfg.Compactor.DedupThreshold < 0 || cfg.Compactor.DedupThreshold > 1 {
		return errors.New("compactor.dedup_threshold must be in [0,1]")
	}
	switch cfg.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", cfg.LLM.Provider)
	}
	switch cfg.Router.Transport {
	case "", "stdio", "sse":
	default:
		return fmt.Errorf("router.transport must be stdio or sse, got %q", cfg.Router.Transport)
	}
	if cfg.Agent.MaxIterations < 1 {
		return errors.New("agent.max_iterations must be >= 1")
	}
	if cfg.Agent.ReflectionThreshold < 1 {
		return errors.New("agent.reflection_threshold must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
