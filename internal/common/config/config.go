package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the static process configuration loaded from the environment
// at startup. Tunable collection thresholds live in the database-backed
// config store instead, so they can change without a restart.
type Config struct {
	Database  DatabaseConfig
	Feed      FeedConfig
	Collector CollectorConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	NATS      NATSConfig
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// FeedConfig describes the upstream GTFS-realtime API.
type FeedConfig struct {
	BaseURL string
	APIKey  string
	Agency  string
	Timeout time.Duration
}

type CollectorConfig struct {
	ConfigReloadInterval time.Duration
	CleanupHour          int // local hour of day for retention cleanup
}

type LoggingConfig struct {
	Level    string
	FilePath string
}

type MetricsConfig struct {
	Addr string // empty disables the /metrics server
}

type NATSConfig struct {
	URL string // empty disables live speed publishing
}

func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "punctuality"),
		},
		Feed: FeedConfig{
			BaseURL: getEnv("FEED_BASE_URL", "https://api.511.org/transit"),
			APIKey:  getEnv("FEED_API_KEY", ""),
			Agency:  getEnv("FEED_AGENCY", "SF"),
			Timeout: getDurationEnv("FEED_TIMEOUT", 30*time.Second),
		},
		Collector: CollectorConfig{
			ConfigReloadInterval: getDurationEnv("CONFIG_RELOAD_INTERVAL", time.Hour),
			CleanupHour:          getIntEnv("CLEANUP_HOUR", 2),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			FilePath: getEnv("LOG_FILE", "punctuality.log"),
		},
		Metrics: MetricsConfig{
			Addr: os.Getenv("METRICS_ADDR"),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" || c.Port == "" {
		return fmt.Errorf("database host and port are required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *FeedConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("feed API key is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("feed base URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}
