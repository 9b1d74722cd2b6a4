package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
// It follows the 12-factor app methodology by prioritizing environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Capture  CaptureConfig
	Bus      BusConfig
	Cache    CacheConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port        string
	Environment string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// DSN returns the connection string for regular pool connections.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Password, d.Name)
}

// ReplicationDSN returns the connection string for the logical replication
// session. Postgres requires replication=database for logical decoding.
func (d DatabaseConfig) ReplicationDSN() string {
	return d.DSN() + " replication=database"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CaptureConfig struct {
	SlotName      string
	Publication   string
	SkipPrefix    string
	FlushInterval time.Duration
	StandbyPeriod time.Duration
}

type BusConfig struct {
	Channel          string
	FallbackInterval time.Duration
	BatchSize        int
}

type CacheConfig struct {
	Capacity int
	TTL      time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

// Load loads configuration from environment variables.
// A local .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Environment: getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "pulseline"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Capture: CaptureConfig{
			SlotName:      getEnv("CAPTURE_SLOT", "pulseline_capture"),
			Publication:   getEnv("CAPTURE_PUBLICATION", "pulseline_pub"),
			SkipPrefix:    getEnv("CAPTURE_SKIP_PREFIX", "seed_"),
			FlushInterval: getEnvAsDuration("CAPTURE_FLUSH_INTERVAL", 5*time.Second),
			StandbyPeriod: getEnvAsDuration("CAPTURE_STANDBY_PERIOD", 10*time.Second),
		},
		Bus: BusConfig{
			Channel:          getEnv("BUS_CHANNEL", "activity_events"),
			FallbackInterval: getEnvAsDuration("BUS_FALLBACK_INTERVAL", 3*time.Second),
			BatchSize:        getEnvAsInt("BUS_BATCH_SIZE", 100),
		},
		Cache: CacheConfig{
			Capacity: getEnvAsInt("CACHE_CAPACITY", 1024),
			TTL:      getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		},
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
