package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full ingestion worker configuration, loaded from the
// environment with an optional .env file.
type Config struct {
	Kafka      KafkaConfig
	Pipeline   PipelineConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Server     ServerConfig
	LogLevel   string
}

// KafkaConfig names the bus endpoints and topics.
type KafkaConfig struct {
	Brokers                []string
	ConsumerTopic          string
	ConsumerGroupID        string
	EnrichedEventsTopic    string
	IngestionWarningsTopic string
	HeatmapsTopic          string
	ExceptionsTopic        string
	PersonUpdatesTopic     string
	GroupUpdatesTopic      string
	DLQTopic               string
}

// PipelineConfig tunes per-event processing.
type PipelineConfig struct {
	PersonResolutionRetryMax int
	TeamCacheTTL             time.Duration
	MaxGroupTypesPerTeam     int
	DrainTimeout             time.Duration
	TimestampFutureTolerance time.Duration
	WarningDebounceTTL       time.Duration
	ConsumerBatchMaxRetries  int

	// PersonsProcessingSkipTokens force-disables person processing for the
	// listed distinct ids of a token; an empty list covers the whole token.
	PersonsProcessingSkipTokens map[string][]string
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ConnString builds the pgx connection string.
func (c DatabaseConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// RedisConfig locates the team-cache second tier. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig locates the optional direct analytical sink. An empty
// Addr disables it.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ServerConfig configures the ops HTTP endpoint (health, metrics).
type ServerConfig struct {
	Addr string
	Mode string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:                splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			ConsumerTopic:          getEnv("CONSUMER_TOPIC", "events_plugin_ingestion"),
			ConsumerGroupID:        getEnv("CONSUMER_GROUP_ID", "ingestion-pipeline"),
			EnrichedEventsTopic:    getEnv("ENRICHED_EVENTS_TOPIC", "clickhouse_events_json"),
			IngestionWarningsTopic: getEnv("INGESTION_WARNINGS_TOPIC", "clickhouse_ingestion_warnings"),
			HeatmapsTopic:          getEnv("HEATMAPS_TOPIC", "clickhouse_heatmap_events"),
			ExceptionsTopic:        getEnv("EXCEPTIONS_TOPIC", "exceptions_ingestion"),
			PersonUpdatesTopic:     getEnv("PERSON_UPDATES_TOPIC", "clickhouse_person"),
			GroupUpdatesTopic:      getEnv("GROUP_UPDATES_TOPIC", "clickhouse_groups"),
			DLQTopic:               getEnv("DLQ_TOPIC", "events_plugin_ingestion_dlq"),
		},
		Pipeline: PipelineConfig{
			PersonResolutionRetryMax: getEnvInt("PERSON_RESOLUTION_RETRY_MAX", 5),
			TeamCacheTTL:             getEnvMillis("TEAM_CACHE_TTL_MS", 30_000),
			MaxGroupTypesPerTeam:     getEnvInt("MAX_GROUP_TYPES_PER_TEAM", 5),
			DrainTimeout:             getEnvMillis("DRAIN_TIMEOUT_MS", 30_000),
			TimestampFutureTolerance: getEnvMillis("TIMESTAMP_FUTURE_TOLERANCE_MS", 23*3600*1000),
			WarningDebounceTTL:       getEnvMillis("WARNING_DEBOUNCE_TTL_MS", 60_000),
			ConsumerBatchMaxRetries:  getEnvInt("CONSUMER_BATCH_MAX_RETRIES", 3),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "plume"),
			Password: getEnv("DB_PASSWORD", "secret"),
			Name:     getEnv("DB_NAME", "plume"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnv("CLICKHOUSE_ADDR", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Server: ServerConfig{
			Addr: getEnv("OPS_ADDR", ":9090"),
			Mode: getEnv("OPS_MODE", "release"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	skipTokens, err := loadSkipTokens(getEnv("PERSONS_PROCESSING_SKIP_TOKENS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Pipeline.PersonsProcessingSkipTokens = skipTokens

	return cfg, nil
}

// loadSkipTokens parses the token -> distinct-id map. Accepts inline YAML
// (which covers JSON) or an @path reference to a YAML file.
func loadSkipTokens(value string) (map[string][]string, error) {
	if value == "" {
		return nil, nil
	}

	raw := []byte(value)
	if strings.HasPrefix(value, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read skip tokens file: %w", err)
		}
		raw = data
	}

	out := map[string][]string{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse PERSONS_PROCESSING_SKIP_TOKENS: %w", err)
	}
	return out, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv gets environment variable or returns default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvMillis(key string, defaultValue int64) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return time.Duration(defaultValue) * time.Millisecond
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Duration(defaultValue) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
