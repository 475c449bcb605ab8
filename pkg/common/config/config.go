package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Warehouse
	WarehouseDriver  string // bigquery, postgres, memory
	WarehouseTimeout time.Duration

	// BigQuery
	BigQueryProject     string
	BigQueryLocation    string
	GoogleCredentials   string
	BigQueryAccessToken string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	StateCacheTTL time.Duration

	// Kafka
	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaEnabled      bool
	BuildRequestTopic string
	BuildEventTopic   string

	// Pipeline
	ManifestPath      string
	ManifestDir       string
	BuildConcurrency  int
	DateReferenceYear int
	RunLogEnabled     bool
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		WarehouseDriver:  strings.ToLower(getEnv("WAREHOUSE_DRIVER", "bigquery")),
		WarehouseTimeout: getDuration("WAREHOUSE_TIMEOUT", 30*time.Minute),

		BigQueryProject:     getEnv("BIGQUERY_PROJECT", ""),
		BigQueryLocation:    getEnv("BIGQUERY_LOCATION", "EU"),
		GoogleCredentials:   getEnv("GOOGLE_CREDENTIALS_FILE", ""),
		BigQueryAccessToken: getEnv("BIGQUERY_ACCESS_TOKEN", ""),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "fdm"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "fdm"),
		PostgresDB:       getEnv("POSTGRES_DB", "fdm"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		StateCacheTTL: getDuration("STATE_CACHE_TTL", 7*24*time.Hour),

		KafkaBrokers:      getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "fdm-builder"),
		KafkaEnabled:      getBoolEnv("KAFKA_ENABLED", false),
		BuildRequestTopic: getEnv("KAFKA_BUILD_REQUEST_TOPIC", "fdm.build.requests"),
		BuildEventTopic:   getEnv("KAFKA_BUILD_EVENT_TOPIC", "fdm.build.events"),

		ManifestPath:      getEnv("FDM_MANIFEST", "fdm.yaml"),
		ManifestDir:       getEnv("FDM_MANIFEST_DIR", ""),
		BuildConcurrency:  getIntEnv("BUILD_CONCURRENCY", 1),
		DateReferenceYear: getIntEnv("DATE_REFERENCE_YEAR", 0),
		RunLogEnabled:     getBoolEnv("RUN_LOG_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getStringSliceEnv splits a comma separated value.
func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
