package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string
	AMQPURL     string // empty = no broker publishing

	FirebaseCredentialsBase64 string
	FirebaseCredentialsFile   string

	Queue QueueConfig
}

// QueueConfig tunes the queue coordinator
type QueueConfig struct {
	DefaultRadiusMeters    int
	DefaultGracePeriod     time.Duration
	MaxFixAge              time.Duration
	MaxClockSkew           time.Duration
	DefaultLoadingDuration time.Duration
	EstimateWindow         int
	MaxAutoSkips           int
	CommandBuffer          int
	PersistMaxAttempts     int
	PersistBaseBackoff     time.Duration
	PersistMaxBackoff      time.Duration
}

// LoadDotEnv loads .env if present. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  Warning: .env file not found, using environment variables from system")
		return
	}
	log.Println("✅ .env file loaded successfully")
}

// Load reads configuration from the environment with defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:                      getEnv("PORT", "8080"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		JWTSecret:                 getEnv("APP_JWT_SECRET", "your-secret-key-change-in-production"),
		AMQPURL:                   os.Getenv("AMQP_URL"),
		FirebaseCredentialsBase64: os.Getenv("FIREBASE_CREDENTIALS_BASE64"),
		FirebaseCredentialsFile:   getEnv("FIREBASE_CREDENTIALS_FILE", "./firebase-service-account.json"),
	}

	var err error
	q := &cfg.Queue
	if q.DefaultRadiusMeters, err = getEnvInt("DEFAULT_ZONE_RADIUS_METERS", 50); err != nil {
		return nil, err
	}
	if q.DefaultGracePeriod, err = getEnvDuration("DEFAULT_GRACE_PERIOD", 5*time.Minute); err != nil {
		return nil, err
	}
	if q.MaxFixAge, err = getEnvDuration("MAX_FIX_AGE", 30*time.Second); err != nil {
		return nil, err
	}
	if q.MaxClockSkew, err = getEnvDuration("MAX_CLOCK_SKEW", 5*time.Second); err != nil {
		return nil, err
	}
	if q.DefaultLoadingDuration, err = getEnvDuration("DEFAULT_LOADING_DURATION", 3*time.Minute); err != nil {
		return nil, err
	}
	if q.EstimateWindow, err = getEnvInt("WAIT_ESTIMATE_WINDOW", 20); err != nil {
		return nil, err
	}
	if q.MaxAutoSkips, err = getEnvInt("MAX_AUTO_SKIPS", 3); err != nil {
		return nil, err
	}
	if q.CommandBuffer, err = getEnvInt("ZONE_COMMAND_BUFFER", 64); err != nil {
		return nil, err
	}
	if q.PersistMaxAttempts, err = getEnvInt("PERSIST_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if q.PersistBaseBackoff, err = getEnvDuration("PERSIST_BASE_BACKOFF", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if q.PersistMaxBackoff, err = getEnvDuration("PERSIST_MAX_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}

	if q.DefaultRadiusMeters <= 0 {
		return nil, fmt.Errorf("DEFAULT_ZONE_RADIUS_METERS must be positive, got %d", q.DefaultRadiusMeters)
	}
	if q.PersistMaxAttempts <= 0 {
		return nil, fmt.Errorf("PERSIST_MAX_ATTEMPTS must be positive, got %d", q.PersistMaxAttempts)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

// getEnvDuration accepts Go durations ("90s", "5m") or a bare number of seconds
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
