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
const DefaultConfigFile = "aistream.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
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
	setString(&cfg.Server.Port, "AISTREAM_PORT")
	setString(&cfg.Server.CORSOrigin, "AISTREAM_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "AISTREAM_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AISTREAM_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AISTREAM_PG_MIN_CONNS")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Subject, "AISTREAM_NATS_SUBJECT")

	// Provider
	setString(&cfg.Provider.BaseURL, "AISTREAM_PROVIDER_BASE_URL")
	setString(&cfg.Provider.APIKey, "AISTREAM_PROVIDER_API_KEY")
	setString(&cfg.Provider.Model, "AISTREAM_PROVIDER_MODEL")
	setInt(&cfg.Provider.MaxConns, "AISTREAM_PROVIDER_MAX_CONNS")
	setDuration(&cfg.Provider.Timeout, "AISTREAM_PROVIDER_TIMEOUT")
	setFloat32(&cfg.Provider.Temperature, "AISTREAM_PROVIDER_TEMPERATURE")
	setInt(&cfg.Provider.MaxTokens, "AISTREAM_PROVIDER_MAX_TOKENS")

	// Stream
	setDuration(&cfg.Stream.HeartbeatInterval, "AISTREAM_HEARTBEAT_INTERVAL")
	setInt(&cfg.Stream.MaxMessageRunes, "AISTREAM_MAX_MESSAGE_RUNES")
	setInt(&cfg.Stream.MaxToolRounds, "AISTREAM_MAX_TOOL_ROUNDS")
	setBool(&cfg.Stream.ParallelTools, "AISTREAM_PARALLEL_TOOLS")
	setInt(&cfg.Stream.MaxParallelTools, "AISTREAM_MAX_PARALLEL_TOOLS")
	setDuration(&cfg.Stream.ToolTimeout, "AISTREAM_TOOL_TIMEOUT")
	setInt(&cfg.Stream.HistoryLimit, "AISTREAM_HISTORY_LIMIT")

	setString(&cfg.Logging.Level, "AISTREAM_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AISTREAM_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AISTREAM_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AISTREAM_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AISTREAM_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "AISTREAM_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AISTREAM_RATE_BURST")
	setInt64(&cfg.Cache.L1MaxSizeMB, "AISTREAM_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AISTREAM_CACHE_L2_BUCKET")
	setBool(&cfg.Auth.Enabled, "AISTREAM_AUTH_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Provider.BaseURL == "" {
		return errors.New("provider.base_url is required")
	}
	if cfg.Provider.Model == "" {
		return errors.New("provider.model is required")
	}
	if cfg.Provider.Timeout <= 0 {
		return errors.New("provider.timeout must be > 0")
	}
	if cfg.Provider.MaxConns < 1 {
		return errors.New("provider.max_conns must be >= 1")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Stream.MaxMessageRunes < 1 {
		return errors.New("stream.max_message_runes must be >= 1")
	}
	if cfg.Stream.MaxToolRounds < 0 {
		return errors.New("stream.max_tool_rounds must be >= 0")
	}
	if cfg.Stream.ParallelTools && cfg.Stream.MaxParallelTools < 1 {
		return errors.New("stream.max_parallel_tools must be >= 1")
	}
	if cfg.Stream.AnswerChunkRunes < 1 {
		return errors.New("stream.answer_chunk_runes must be >= 1")
	}
	if len(cfg.Namespaces) == 0 {
		return errors.New("at least one namespace is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Tokens) == 0 {
		return errors.New("auth.tokens is required when auth is enabled")
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

func setFloat32(dst *float32, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*dst = float32(f)
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
