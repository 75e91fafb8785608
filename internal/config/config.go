package config

import (
	"log"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the process. Engine policy values
// (failure threshold, retry counts, rate tiers) are configuration, never
// hard-coded constants.
type Config struct {
	Port        string
	LogLevel    string
	VerifyToken string

	// Provider credentials
	WhatsAppToken string
	GraphBaseURL  string

	// Database
	DBDriver   string // postgres or sqlite
	DBPath     string // sqlite file
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Optional redis-backed dedup store; empty means in-memory
	RedisAddr string

	Engine EngineConfig
}

// EngineConfig groups the dispatch-engine knobs.
type EngineConfig struct {
	PoolSize          int
	QueueSize         int
	AcquireTimeout    time.Duration
	SendTimeout       time.Duration
	SendMaxAttempts   uint64
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	FailureThreshold  float64
	SchedulerInterval time.Duration

	// Token-bucket defaults plus per-tier overrides.
	RateBurst    int
	RatePerSec   float64
	TierBurst    map[string]int
	TierPerSec   map[string]float64
	DedupTTL     time.Duration
	SessionIdle  time.Duration
	MaxWaitDelay time.Duration
}

// Load reads .env (if present) and the environment into a Config.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: no .env file loaded")
	}

	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("VERIFY_TOKEN", "")
	viper.SetDefault("WHATSAPP_TOKEN", "")
	viper.SetDefault("GRAPH_BASE_URL", "https://graph.facebook.com/v19.0")

	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DB_PATH", "./whatsapp.db")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "postgres")
	viper.SetDefault("DB_PASSWORD", "")
	viper.SetDefault("DB_NAME", "whatsapp_platform")
	viper.SetDefault("DB_SSLMODE", "disable")

	viper.SetDefault("REDIS_ADDR", "")

	viper.SetDefault("SENDER_POOL_SIZE", 8)
	viper.SetDefault("SENDER_QUEUE_SIZE", 256)
	viper.SetDefault("RATE_ACQUIRE_TIMEOUT", "30s")
	viper.SetDefault("SEND_TIMEOUT", "15s")
	viper.SetDefault("SEND_MAX_ATTEMPTS", 3)
	viper.SetDefault("SEND_BACKOFF_INITIAL", "250ms")
	viper.SetDefault("SEND_BACKOFF_MAX", "5s")
	viper.SetDefault("CAMPAIGN_FAILURE_THRESHOLD", 0.5)
	viper.SetDefault("SCHEDULER_INTERVAL", "5s")
	viper.SetDefault("RATE_BURST", 10)
	viper.SetDefault("RATE_PER_SEC", 10.0)
	viper.SetDefault("DEDUP_TTL", "168h")
	viper.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	viper.SetDefault("MAX_WAIT_DELAY", "1m")

	return &Config{
		Port:          viper.GetString("PORT"),
		LogLevel:      viper.GetString("LOG_LEVEL"),
		VerifyToken:   viper.GetString("VERIFY_TOKEN"),
		WhatsAppToken: viper.GetString("WHATSAPP_TOKEN"),
		GraphBaseURL:  viper.GetString("GRAPH_BASE_URL"),
		DBDriver:      viper.GetString("DB_DRIVER"),
		DBPath:        viper.GetString("DB_PATH"),
		DBHost:        viper.GetString("DB_HOST"),
		DBPort:        viper.GetString("DB_PORT"),
		DBUser:        viper.GetString("DB_USER"),
		DBPassword:    viper.GetString("DB_PASSWORD"),
		DBName:        viper.GetString("DB_NAME"),
		DBSSLMode:     viper.GetString("DB_SSLMODE"),
		RedisAddr:     viper.GetString("REDIS_ADDR"),
		Engine: EngineConfig{
			PoolSize:          viper.GetInt("SENDER_POOL_SIZE"),
			QueueSize:         viper.GetInt("SENDER_QUEUE_SIZE"),
			AcquireTimeout:    viper.GetDuration("RATE_ACQUIRE_TIMEOUT"),
			SendTimeout:       viper.GetDuration("SEND_TIMEOUT"),
			SendMaxAttempts:   viper.GetUint64("SEND_MAX_ATTEMPTS"),
			BackoffInitial:    viper.GetDuration("SEND_BACKOFF_INITIAL"),
			BackoffMax:        viper.GetDuration("SEND_BACKOFF_MAX"),
			FailureThreshold:  viper.GetFloat64("CAMPAIGN_FAILURE_THRESHOLD"),
			SchedulerInterval: viper.GetDuration("SCHEDULER_INTERVAL"),
			RateBurst:         viper.GetInt("RATE_BURST"),
			RatePerSec:        viper.GetFloat64("RATE_PER_SEC"),
			TierBurst:         tierInts(viper.GetStringMapString("RATE_TIER_BURST")),
			TierPerSec:        tierFloats(viper.GetStringMapString("RATE_TIER_PER_SEC")),
			DedupTTL:          viper.GetDuration("DEDUP_TTL"),
			SessionIdle:       viper.GetDuration("SESSION_IDLE_TIMEOUT"),
			MaxWaitDelay:      viper.GetDuration("MAX_WAIT_DELAY"),
		},
	}
}

// Tier overrides come from the environment as JSON-ish string maps, e.g.
// RATE_TIER_BURST='{"high":80,"low":2}'.
func tierInts(in map[string]string) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		if n, err := strconv.Atoi(v); err == nil {
			out[k] = n
		}
	}
	return out
}

func tierFloats(in map[string]string) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		}
	}
	return out
}
