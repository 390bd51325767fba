package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the publisher service.
type Config struct {
	Env                string
	HTTPPort           string
	MetricsAddr        string
	LogLevel           string
	LogFormat          string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	PostgresDSN        string
	ReapTime           time.Duration
	JobPollInterval    time.Duration
	CommitTimeout      time.Duration
	FlushInterval      time.Duration
	FlushBatchSize     int
	FlushBackoffInit   time.Duration
	FlushBackoffMax    time.Duration
	InstallRoot        string
	ArchiveDir         string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool
	DemandGenerator    string
	DemandRateCapacity int
	DemandRateRefill   float64
	EditionsFile       string
}

// DefaultDemandGenerator is the generator used by on-demand content lists
// when the caller does not name one.
const DefaultDemandGenerator = "sys_OnDemandEditionContentList"

// Load reads configuration from the environment, after merging an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	root := getEnv("INSTALL_ROOT", ".")
	return Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		ReapTime:           getEnvDuration("REAP_TIME", 30*time.Minute),
		JobPollInterval:    getEnvDuration("JOB_POLL_INTERVAL", 250*time.Millisecond),
		CommitTimeout:      getEnvDuration("COMMIT_TIMEOUT", 10*time.Minute),
		FlushInterval:      getEnvDuration("STATUS_FLUSH_INTERVAL", time.Second),
		FlushBatchSize:     getEnvInt("STATUS_FLUSH_BATCH", 500),
		FlushBackoffInit:   getEnvDuration("FLUSH_BACKOFF_INITIAL", 500*time.Millisecond),
		FlushBackoffMax:    getEnvDuration("FLUSH_BACKOFF_MAX", 30*time.Second),
		InstallRoot:        root,
		ArchiveDir:         getEnv("PUBLOG_ARCHIVE_LOCATION", DefaultArchiveDir(root)),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
		DemandGenerator:    getEnv("DEMAND_GENERATOR", DefaultDemandGenerator),
		DemandRateCapacity: getEnvInt("DEMAND_RATE_LIMIT_CAPACITY", 50),
		DemandRateRefill:   getEnvFloat("DEMAND_RATE_LIMIT_REFILL_PER_SEC", 20),
		EditionsFile:       getEnv("EDITIONS_FILE", ""),
	}
}

// DefaultArchiveDir is where publish logs are archived when PUBLOG_ARCHIVE_LOCATION is unset.
func DefaultArchiveDir(installRoot string) string {
	return filepath.Join(installRoot, "rxpublisher", "archive")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
