package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "planforge.yaml"

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
	setString(&cfg.Server.Port, "PLANFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "PLANFORGE_CORS_ORIGIN")

	// Broker selection and connection
	setString(&cfg.Messaging.Type, "MESSAGING_TYPE")
	setString(&cfg.Messaging.RabbitMQ.URL, "RABBITMQ_URL")
	setInt(&cfg.Messaging.RabbitMQ.Prefetch, "RABBITMQ_PREFETCH")
	setStringList(&cfg.Messaging.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Messaging.Kafka.GroupID, "KAFKA_GROUP_ID")
	setBool(&cfg.Messaging.Kafka.ConsumeFromBeginning, "KAFKA_CONSUME_FROM_BEGINNING")
	setString(&cfg.Messaging.NATS.URL, "NATS_URL")

	// Dispatch retry policy
	setInt(&cfg.Queue.RetryMax, "QUEUE_RETRY_MAX")
	setMillis(&cfg.Queue.RetryBackoff, "QUEUE_RETRY_BACKOFF_MS")

	// State store
	setString(&cfg.State.Path, "PLAN_STATE_PATH")

	// Tool agent
	setString(&cfg.Agent.BaseURL, "AGENT_URL")
	setDuration(&cfg.Agent.DefaultTimeout, "AGENT_DEFAULT_TIMEOUT")
	setInt(&cfg.Agent.MaxRetries, "AGENT_MAX_RETRIES")
	setDuration(&cfg.Agent.RetryBaseDelay, "AGENT_RETRY_BASE_DELAY")

	// Events / SSE
	setInt(&cfg.Events.HistoryLimit, "PLANFORGE_EVENT_HISTORY_LIMIT")
	setDuration(&cfg.Events.TerminalTTL, "PLANFORGE_EVENT_TERMINAL_TTL")
	setMillis(&cfg.Events.SSEKeepAlive, "SSE_KEEP_ALIVE_MS")

	// Policy
	setString(&cfg.Policy.DefaultBundle, "PLANFORGE_POLICY_BUNDLE")
	setString(&cfg.Policy.CustomDir, "PLANFORGE_POLICY_DIR")
	setString(&cfg.Policy.RunMode, "PLANFORGE_RUN_MODE")

	// Planner
	setString(&cfg.Planner.ArtifactsDir, "PLANFORGE_PLANS_DIR")

	// Logging
	setString(&cfg.Logging.Level, "PLANFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PLANFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "PLANFORGE_LOG_ASYNC")

	// Breaker
	setInt(&cfg.Breaker.MaxFailures, "PLANFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PLANFORGE_BREAKER_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Messaging.Type {
	case "rabbitmq":
		if cfg.Messaging.RabbitMQ.URL == "" {
			return errors.New("messaging.rabbitmq.url is required")
		}
		if cfg.Messaging.RabbitMQ.Prefetch < 1 {
			return errors.New("messaging.rabbitmq.prefetch must be >= 1")
		}
	case "kafka":
		if len(cfg.Messaging.Kafka.Brokers) == 0 {
			return errors.New("messaging.kafka.brokers is required")
		}
		if cfg.Messaging.Kafka.GroupID == "" {
			return errors.New("messaging.kafka.group_id is required")
		}
	case "nats":
		if cfg.Messaging.NATS.URL == "" {
			return errors.New("messaging.nats.url is required")
		}
	default:
		return fmt.Errorf("messaging.type must be rabbitmq, kafka, or nats (got %q)", cfg.Messaging.Type)
	}
	if cfg.Queue.RetryMax < 0 {
		return errors.New("queue.retry_max must be >= 0")
	}
	if cfg.State.Path == "" {
		return errors.New("state.path is required")
	}
	if cfg.Agent.DefaultTimeout <= 0 {
		return errors.New("agent.default_timeout must be > 0")
	}
	if cfg.Events.HistoryLimit < 1 {
		return errors.New("events.history_limit must be >= 1")
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

func setStringList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
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

// setMillis reads an integer number of milliseconds.
func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
