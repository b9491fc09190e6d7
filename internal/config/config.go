package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	RunMode string // Set by the CLI command, not env

	// Store
	StoreBackend string // "mongo" or "memory"
	StoreTimeout time.Duration
	ReadRetries  int

	// MongoDB
	MongoURI    string
	MongoDbName string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWT
	JwtSecret string
	JwtTTL    time.Duration

	// Server
	ApiPort string

	// AWS S3
	AwsAccessKeyID     string
	AwsSecretAccessKey string
	AwsRegion          string
	AwsS3Bucket        string
	ImageBaseS3URL     string
	ImageMaxDimension  int
	ImageMaxSizeMB     int

	// Listings & requests
	DefaultPageLimit      int
	MaxPageLimit          int
	LookupConcurrency     int
	UserNameCacheTTL      time.Duration
	ExpiringNoticeLead    time.Duration
	NearbyScanLimit       int
	DefaultNearbyRadiusKm float64
	RepairSweepInterval   time.Duration
	RepairGracePeriod     time.Duration

	// Rate Limiting Defaults
	RateLimitBucketSize int
	RateLimitRefillRate int // tokens per second
}

// Load configuration from environment variables.
// runMode comes from the CLI command being executed.
func Load(runMode string) (*Config, error) {
	// Load .env file, ignoring errors if it doesn't exist
	godotenv.Load()

	cfg := &Config{
		RunMode: runMode,
	}

	var err error

	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return defaultValue
	}

	getRequiredEnv := func(key string) (string, error) {
		value, exists := os.LookupEnv(key)
		if !exists {
			return "", fmt.Errorf("missing required environment variable: %s", key)
		}
		return value, nil
	}

	getInt := func(key, defaultValue string) (int, error) {
		v, err := strconv.Atoi(getEnv(key, defaultValue))
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return v, nil
	}

	cfg.StoreBackend = getEnv("STORE_BACKEND", "mongo")
	switch cfg.StoreBackend {
	case "mongo":
		cfg.MongoURI, err = getRequiredEnv("MONGO_URI")
		if err != nil {
			return nil, err
		}
	case "memory":
		cfg.MongoURI = getEnv("MONGO_URI", "")
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: expected mongo or memory", cfg.StoreBackend)
	}
	cfg.MongoDbName = getEnv("MONGO_DB_NAME", "foodbridge")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.JwtSecret, err = getRequiredEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	cfg.ApiPort = getEnv("API_PORT", "8080")
	cfg.AwsAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", "")
	cfg.AwsSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", "")
	cfg.AwsRegion = getEnv("AWS_REGION", "")
	cfg.AwsS3Bucket = getEnv("AWS_S3_BUCKET", "")
	cfg.ImageBaseS3URL = getEnv("IMAGE_BASE_S3_URL", "")

	if cfg.RedisDB, err = getInt("REDIS_DB", "0"); err != nil {
		return nil, err
	}

	jwtTTLSeconds, err := strconv.ParseInt(getEnv("JWT_TTL_SECONDS", "3600"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_TTL_SECONDS: %w", err)
	}
	cfg.JwtTTL = time.Duration(jwtTTLSeconds) * time.Second

	storeTimeoutMs, err := strconv.ParseInt(getEnv("STORE_TIMEOUT_MS", "5000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_TIMEOUT_MS: %w", err)
	}
	cfg.StoreTimeout = time.Duration(storeTimeoutMs) * time.Millisecond

	if cfg.ReadRetries, err = getInt("READ_RETRIES", "2"); err != nil {
		return nil, err
	}
	if cfg.ImageMaxDimension, err = getInt("IMAGE_MAX_DIMENSION", "1600"); err != nil {
		return nil, err
	}
	if cfg.ImageMaxSizeMB, err = getInt("IMAGE_MAX_SIZE_MB", "10"); err != nil {
		return nil, err
	}
	if cfg.DefaultPageLimit, err = getInt("DEFAULT_PAGE_LIMIT", "20"); err != nil {
		return nil, err
	}
	if cfg.MaxPageLimit, err = getInt("MAX_PAGE_LIMIT", "100"); err != nil {
		return nil, err
	}
	if cfg.LookupConcurrency, err = getInt("LOOKUP_CONCURRENCY", "8"); err != nil {
		return nil, err
	}
	if cfg.NearbyScanLimit, err = getInt("NEARBY_SCAN_LIMIT", "500"); err != nil {
		return nil, err
	}

	cfg.DefaultNearbyRadiusKm, err = strconv.ParseFloat(getEnv("DEFAULT_NEARBY_RADIUS_KM", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_NEARBY_RADIUS_KM: %w", err)
	}

	userNameCacheTTLSeconds, err := strconv.ParseInt(getEnv("USER_NAME_CACHE_TTL_SECONDS", "300"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid USER_NAME_CACHE_TTL_SECONDS: %w", err)
	}
	cfg.UserNameCacheTTL = time.Duration(userNameCacheTTLSeconds) * time.Second

	expiringNoticeMinutes, err := strconv.ParseInt(getEnv("EXPIRING_NOTICE_MINUTES", "60"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRING_NOTICE_MINUTES: %w", err)
	}
	cfg.ExpiringNoticeLead = time.Duration(expiringNoticeMinutes) * time.Minute

	repairSweepSeconds, err := strconv.ParseInt(getEnv("REPAIR_SWEEP_SECONDS", "300"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid REPAIR_SWEEP_SECONDS: %w", err)
	}
	cfg.RepairSweepInterval = time.Duration(repairSweepSeconds) * time.Second

	repairGraceSeconds, err := strconv.ParseInt(getEnv("REPAIR_GRACE_SECONDS", "30"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid REPAIR_GRACE_SECONDS: %w", err)
	}
	cfg.RepairGracePeriod = time.Duration(repairGraceSeconds) * time.Second

	// Rate Limiting
	if cfg.RateLimitBucketSize, err = getInt("RATE_LIMIT_BUCKET_SIZE", "20"); err != nil {
		return nil, err
	}
	if cfg.RateLimitRefillRate, err = getInt("RATE_LIMIT_REFILL_RATE", "5"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a configuration suitable for tests and the in-memory backend.
func Defaults() *Config {
	return &Config{
		StoreBackend:          "memory",
		StoreTimeout:          5 * time.Second,
		ReadRetries:           2,
		JwtTTL:                time.Hour,
		ApiPort:               "8080",
		ImageMaxDimension:     1600,
		ImageMaxSizeMB:        10,
		DefaultPageLimit:      20,
		MaxPageLimit:          100,
		LookupConcurrency:     8,
		UserNameCacheTTL:      5 * time.Minute,
		ExpiringNoticeLead:    time.Hour,
		NearbyScanLimit:       500,
		DefaultNearbyRadiusKm: 10,
		RepairSweepInterval:   5 * time.Minute,
		RepairGracePeriod:     30 * time.Second,
		RateLimitBucketSize:   20,
		RateLimitRefillRate:   5,
	}
}
