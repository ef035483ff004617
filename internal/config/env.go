package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backends selectable with CACHE_BACKEND.
const (
	CacheMemory   = "memory"
	CacheFile     = "file"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
	CacheS3       = "s3"
	CacheNone     = "none"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	JWTSecret string

	QueueWorkers  int
	QueueCapacity int
	TaskTimeout   time.Duration

	ExtractWorkers     int
	PageChunkSize      int
	LinesPerPage       int
	ScanChunkSize      int
	ScanMaxMatch       int
	StreamingThreshold int64
	MemoryMaxFraction  float64
	MaxUploadBytes     int64

	CacheBackend         string
	CacheDir             string
	CacheTTL             time.Duration
	CacheTenantIsolation bool
	CacheSweepInterval   time.Duration
	CachePrefix          string

	DatabaseURL string
	SslCertPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	AwsEndpoint  string
	BucketName   string

	PatternsFile   string
	ArchiveUploads bool

	// Warnings collects parse problems found while loading; they are logged
	// once the logger exists.
	Warnings []string
}

// LoadConfig loads .env if present, then the environment, and returns the
// config. Unparseable values fall back to their defaults with a warning.
func LoadConfig() *Config {
	_ = godotenv.Load()

	l := &loader{}
	cfg := &Config{
		Port:      l.getEnv("PORT", "8080"),
		LogLevel:  l.getEnv("LOG_LEVEL", "info"),
		LogFormat: l.getEnv("LOG_FORMAT", "json"),
		JWTSecret: l.getEnv("JWT_SECRET", ""),

		QueueWorkers:  l.getEnvInt("QUEUE_WORKERS", 4),
		QueueCapacity: l.getEnvInt("QUEUE_CAPACITY", 64),
		TaskTimeout:   l.getEnvDuration("TASK_TIMEOUT", 0),

		ExtractWorkers:     l.getEnvInt("EXTRACT_WORKERS", 0),
		PageChunkSize:      l.getEnvInt("PAGE_CHUNK_SIZE", 8),
		LinesPerPage:       l.getEnvInt("LINES_PER_PAGE", 60),
		ScanChunkSize:      l.getEnvInt("SCAN_CHUNK_SIZE", 64<<10),
		ScanMaxMatch:       l.getEnvInt("SCAN_MAX_MATCH", 256),
		StreamingThreshold: int64(l.getEnvInt("STREAMING_THRESHOLD", 4<<20)),
		MemoryMaxFraction:  l.getEnvFloat("MEMORY_MAX_FRACTION", 0.75),
		MaxUploadBytes:     int64(l.getEnvInt("MAX_UPLOAD_BYTES", 256<<20)),

		CacheBackend:         strings.ToLower(l.getEnv("CACHE_BACKEND", CacheMemory)),
		CacheDir:             l.getEnv("CACHE_DIR", ".docpipe-cache"),
		CacheTTL:             l.getEnvDuration("CACHE_TTL", 24*time.Hour),
		CacheTenantIsolation: l.getEnvBool("CACHE_TENANT_ISOLATION", true),
		CacheSweepInterval:   l.getEnvDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		CachePrefix:          l.getEnv("CACHE_PREFIX", "docpipe-cache"),

		DatabaseURL: l.getEnv("DATABASE_URL", ""),
		SslCertPath: l.getEnv("SSL_CERT_PATH", ""),

		RedisAddr:     l.getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: l.getEnv("REDIS_PASSWORD", ""),
		RedisDB:       l.getEnvInt("REDIS_DB", 0),

		AwsAccessKey: l.getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: l.getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    l.getEnv("AWS_REGION", "us-east-2"),
		AwsEndpoint:  l.getEnv("AWS_ENDPOINT", ""),
		BucketName:   l.getEnv("BUCKET_NAME", "docpipe-docs"),

		PatternsFile:   l.getEnv("PATTERNS_FILE", ""),
		ArchiveUploads: l.getEnvBool("ARCHIVE_UPLOADS", false),
	}
	cfg.Warnings = l.warnings
	return cfg
}

// Validate checks ranges and the settings each cache backend requires.
func (c *Config) Validate() error {
	var errs []error
	if c.QueueWorkers < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS must be >= 1, got %d", c.QueueWorkers))
	}
	if c.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity))
	}
	if c.PageChunkSize < 1 {
		errs = append(errs, fmt.Errorf("PAGE_CHUNK_SIZE must be >= 1, got %d", c.PageChunkSize))
	}
	if c.MemoryMaxFraction <= 0 || c.MemoryMaxFraction > 1 {
		errs = append(errs, fmt.Errorf("MEMORY_MAX_FRACTION must be in (0, 1], got %g", c.MemoryMaxFraction))
	}
	if c.TaskTimeout < 0 {
		errs = append(errs, errors.New("TASK_TIMEOUT must not be negative"))
	}

	switch c.CacheBackend {
	case CacheMemory, CacheNone:
	case CacheFile:
		if c.CacheDir == "" {
			errs = append(errs, errors.New("CACHE_DIR is required for the file cache"))
		}
	case CachePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres cache"))
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis cache"))
		}
	case CacheS3:
		if c.BucketName == "" {
			errs = append(errs, errors.New("BUCKET_NAME is required for the s3 cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend))
	}
	return errors.Join(errs...)
}

// NeedsObjectStorage reports whether an S3 client must be built.
func (c *Config) NeedsObjectStorage() bool {
	return c.CacheBackend == CacheS3 || c.ArchiveUploads
}

type loader struct {
	warnings []string
}

// Helper to read environment variables with a default fallback
func (l *loader) getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func (l *loader) getEnvInt(key string, def int) int {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.warnf("%s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func (l *loader) getEnvFloat(key string, def float64) float64 {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.warnf("%s=%q not a number, using default %g", key, v, def)
		return def
	}
	return f
}

func (l *loader) getEnvBool(key string, def bool) bool {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.warnf("%s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func (l *loader) getEnvDuration(key string, def time.Duration) time.Duration {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.warnf("%s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func (l *loader) warnf(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}
