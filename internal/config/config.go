// Package config provides hierarchical configuration loading for aistream.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the aistream service.
type Config struct {
	Server     Server               `yaml:"server"`
	Postgres   Postgres             `yaml:"postgres"`
	NATS       NATS                 `yaml:"nats"`
	Provider   Provider             `yaml:"provider"`
	Stream     Stream               `yaml:"stream"`
	Namespaces map[string]Namespace `yaml:"namespaces"`
	Tools      Tools                `yaml:"tools"`
	Logging    Logging              `yaml:"logging"`
	Breaker    Breaker              `yaml:"breaker"`
	Rate       Rate                 `yaml:"rate"`
	Cache      Cache                `yaml:"cache"`
	Auth       Auth                 `yaml:"auth"`
	Telemetry  Telemetry            `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port               string        `yaml:"port"`
	CORSOrigin         string        `yaml:"cors_origin"`
	ReadHeaderTimeout  time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
}

// Postgres holds PostgreSQL connection configuration.
// An empty DSN keeps conversation history in memory.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration. An empty URL disables publishing.
type NATS struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// Provider holds the OpenAI-compatible upstream configuration.
type Provider struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxConns    int           `yaml:"max_conns"` // Concurrent upstream streams (default: 8)
	Timeout     time.Duration `yaml:"timeout"`   // Longest upstream silence: response headers or next chunk (default: 180s)
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// Stream holds per-turn streaming behaviour.
type Stream struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxMessageRunes   int           `yaml:"max_message_runes"`
	MaxToolRounds     int           `yaml:"max_tool_rounds"`
	ParallelTools     bool          `yaml:"parallel_tools"`
	MaxParallelTools  int           `yaml:"max_parallel_tools"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	AnswerChunkRunes  int           `yaml:"answer_chunk_runes"`
	HistoryLimit      int           `yaml:"history_limit"`
	PersistTimeout    time.Duration `yaml:"persist_timeout"`
	FallbackAnswer    string        `yaml:"fallback_answer"`
}

// Namespace is a chat profile selected by the request path.
type Namespace struct {
	Model  string   `yaml:"model"`  // Overrides provider.model when set
	Tools  []string `yaml:"tools"`  // Tool names offered to the model
	Prompt string   `yaml:"prompt"` // text/template system prompt; empty uses the built-in one
}

// Tools configures the built-in tool registry.
type Tools struct {
	Queries    map[string]string `yaml:"queries"`    // Named read-only SQL for query_statistics
	Components []string          `yaml:"components"` // UI components render_ui_component may request
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Cache holds in-process cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L1MaxTTL    time.Duration `yaml:"l1_max_ttl"` // Upper bound for L1 entries when an L2 is shared
	L2Bucket    string        `yaml:"l2_bucket"`  // NATS KV bucket; used only when NATS is configured
	HistoryTTL  time.Duration `yaml:"history_ttl"`
	AuthTTL     time.Duration `yaml:"auth_ttl"`
}

// Auth holds bearer token authentication configuration.
type Auth struct {
	Enabled       bool    `yaml:"enabled"`
	DefaultUserID string  `yaml:"default_user_id"` // Principal used when auth is disabled
	Tokens        []Token `yaml:"tokens"`
}

// Token binds a bcrypt token hash to a user id.
type Token struct {
	UserID string `yaml:"user_id"`
	Hash   string `yaml:"hash"`
}

// Telemetry holds OpenTelemetry export configuration.
type Telemetry struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // Empty disables OTLP export
	Insecure     bool   `yaml:"insecure"`
}

// DefaultNamespace is the profile used by the kindergarten assistant.
const DefaultNamespace = "kindergarten"

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:               "8080",
			CORSOrigin:         "http://localhost:3000",
			ReadHeaderTimeout:  10 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			Stream:  "AISTREAM",
			Subject: "aistream.turn.finished",
		},
		Provider: Provider{
			BaseURL:     "http://localhost:4000/v1",
			Model:       "gpt-4o-mini",
			MaxConns:    8,
			Timeout:     180 * time.Second,
			Temperature: 0.7,
			MaxTokens:   2000,
		},
		Stream: Stream{
			HeartbeatInterval: 30 * time.Second,
			MaxMessageRunes:   1000,
			MaxToolRounds:     5,
			MaxParallelTools:  4,
			ToolTimeout:       30 * time.Second,
			AnswerChunkRunes:  24,
			HistoryLimit:      10,
			PersistTimeout:    5 * time.Second,
			FallbackAnswer:    "抱歉，我暂时无法回答这个问题。请稍后再试。",
		},
		Namespaces: map[string]Namespace{
			DefaultNamespace: {
				Tools: []string{"query_statistics", "render_ui_component"},
			},
		},
		Tools: Tools{
			Queries: map[string]string{
				"student_count": "SELECT count(*) AS total FROM students",
				"class_count":   "SELECT count(*) AS total FROM classes",
			},
			Components: []string{"bar_chart", "pie_chart", "table"},
		},
		Logging: Logging{
			Level:   "info",
			Service: "aistream",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 2,
			Burst:             10,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Cache: Cache{
			L1MaxSizeMB: 32,
			L1MaxTTL:    30 * time.Second,
			L2Bucket:    "aistream_cache",
			HistoryTTL:  5 * time.Minute,
			AuthTTL:     time.Minute,
		},
		Auth: Auth{
			DefaultUserID: "anonymous",
		},
		Telemetry: Telemetry{
			ServiceName: "aistream",
			Insecure:    true,
		},
	}
}
