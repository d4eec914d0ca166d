// Package config loads kernel configuration from the environment and
// pipeline phase profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds kernel process configuration.
type Config struct {
	Port     string
	LogLevel string

	// AuditDatabaseURL is the Postgres DSN for the hash-chained audit
	// log. Empty disables audit persistence.
	AuditDatabaseURL string
	// RunStorePath is the SQLite file for the run archive. ":memory:"
	// keeps it in process.
	RunStorePath string

	// RedisAddr enables the shared backpressure limiter. Empty keeps
	// admission buckets in process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ArchiveBackend selects dead-letter blob storage: memory, fs, s3,
	// or gcs.
	ArchiveBackend string
	DataDir        string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	GCSBucket      string

	// ProfilesDir holds phase profile YAML files; ProfileName selects
	// one. Empty uses the built-in default profile.
	ProfilesDir string
	ProfileName string

	// RunsPerMinute and Burst gate submissions per actor. Both zero
	// disables backpressure.
	RunsPerMinute int
	Burst         int

	// QueueCapacity and Workers size the event bus.
	QueueCapacity int
	Workers       int

	// IdentitySecret is the master secret for verifying actor tokens.
	// Empty disables bearer-token authentication. IdentitySalt binds key
	// derivation to this deployment.
	IdentitySecret string
	IdentitySalt   string
	// ActorsFile is a YAML directory of known actors and their
	// authorization attributes. Empty disables directory lookups.
	ActorsFile string

	// OTLPEndpoint enables telemetry export when TelemetryEnabled.
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		AuditDatabaseURL: os.Getenv("AUDIT_DATABASE_URL"),
		RunStorePath:     envOr("RUN_STORE_PATH", "data/runs.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ArchiveBackend: envOr("ARCHIVE_BACKEND", "fs"),
		DataDir:        envOr("DATA_DIR", "data"),
		S3Bucket:       os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Region:       envOr("ARCHIVE_S3_REGION", os.Getenv("AWS_REGION")),
		S3Endpoint:     os.Getenv("ARCHIVE_S3_ENDPOINT"),
		GCSBucket:      os.Getenv("ARCHIVE_GCS_BUCKET"),

		ProfilesDir: envOr("PROFILES_DIR", "profiles"),
		ProfileName: os.Getenv("PIPELINE_PROFILE"),

		RunsPerMinute: envInt("BACKPRESSURE_RPM", 0),
		Burst:         envInt("BACKPRESSURE_BURST", 0),

		QueueCapacity: envInt("BUS_QUEUE_CAPACITY", 0),
		Workers:       envInt("BUS_WORKERS", 0),

		IdentitySecret: os.Getenv("IDENTITY_SECRET"),
		IdentitySalt:   envOr("IDENTITY_SALT", "meridian"),
		ActorsFile:     os.Getenv("ACTORS_FILE"),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
