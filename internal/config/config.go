// Package config provides hierarchical configuration loading for engramd.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the engram core service.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Memory    Memory    `yaml:"memory"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	LLM       LLM       `yaml:"llm"`
	Embedding Embedding `yaml:"embedding"`
	Compactor Compactor `yaml:"compactor"`
	Agent     Agent     `yaml:"agent"`
	Router    Router    `yaml:"router"`
	Breaker   Breaker   `yaml:"breaker"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`   // "debug" | "info" | "warn" | "error"
	Service string `yaml:"service"` // service name attached to every line
}

// Memory holds provider registry configuration.
type Memory struct {
	DataDir         string  `yaml:"data_dir"`         // local store collection files live here
	DefaultProvider string  `yaml:"default_provider"` // target for writes without an explicit provider
	MatchThreshold  float64 `yaml:"match_threshold"`  // minimum similarity kept by the local fuzzy index
	SearchLimit     int     `yaml:"search_limit"`     // per-provider result cap
	VectorEnabled   bool    `yaml:"vector_enabled"`   // register the embedded vector provider
}

// Postgres holds the optional durable provider configuration.
// An empty DSN disables the provider; decided once at startup.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds the optional event publisher configuration.
// An empty URL disables event publication.
type NATS struct {
	URL string `yaml:"url"`
}

// LLM holds completion service configuration. An empty APIKey means no
// completion service is configured; compaction and the agent loop report
// this as an explicit error instead of probing the environment later.
type LLM struct {
	Provider  string `yaml:"provider"` // "anthropic" | "openai"
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Embedding holds embedding service configuration. An empty APIKey disables
// semantic search and dedup; lexical search still works.
type Embedding struct {
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	CacheMB     int64         `yaml:"cache_mb"`
	Timeout     time.Duration `yaml:"timeout"`
	BackfillBatch int         `yaml:"backfill_batch"`
}

// Compactor holds context compaction configuration.
type Compactor struct {
	MaxInputChars  int     `yaml:"max_input_chars"`
	DedupThreshold float64 `yaml:"dedup_threshold"`
	Model          string  `yaml:"model"` // overrides llm.model when set
}

// Agent holds reflective agent loop configuration.
type Agent struct {
	MaxIterations       int           `yaml:"max_iterations"`
	ReflectionThreshold int           `yaml:"reflection_threshold"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	IngestQueueSize     int           `yaml:"ingest_queue_size"`
}

// Router holds external tool router (MCP) configuration. An empty transport
// disables the router; the loop then carries only the memory tool surface.
type Router struct {
	Transport string            `yaml:"transport"` // "" | "stdio" | "sse"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// Breaker holds circuit breaker configuration for completion calls.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8740",
			CORSOrigin: "*",
		},
		Logging: Logging{
			Level:   "info",
			Service: "engramd",
		},
		Memory: Memory{
			DataDir:         "data",
			DefaultProvider: "local",
			MatchThreshold:  0.3,
			SearchLimit:     10,
			VectorEnabled:   true,
		},
		Postgres: Postgres{
			MaxConns:        8,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			HealthCheck:     time.Minute,
		},
		LLM: LLM{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Embedding: Embedding{
			Model:         "text-embedding-3-small",
			CacheMB:       32,
			Timeout:       15 * time.Second,
			BackfillBatch: 32,
		},
		Compactor: Compactor{
			MaxInputChars:  24000,
			DedupThreshold: 0.85,
		},
		Agent: Agent{
			MaxIterations:       10,
			ReflectionThreshold: 5,
			ToolTimeout:         60 * time.Second,
			IngestQueueSize:     64,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
	}
}
