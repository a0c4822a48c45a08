package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration surface. All options arrive through the environment (with
// .env support for development); detection and action policies arrive
// through an optional YAML file. Only SIGNATURE_HASH_KEY is mandatory —
// the signature service refuses to start without a real key.

type Config struct {
	ListenAddr  string
	AdminAddr   string
	UpstreamURL string

	SignatureHashKey string

	BotThreshold        float64
	DefaultActionPolicy string
	PolicyFile          string
	ExposeReasons       bool

	DatacenterCIDRs []string

	LearningEnabled   bool
	LearningQueueSize int

	MaskingEnabled      bool
	MaskingMaxBodyBytes int64

	VerdictTTL time.Duration

	// Optional backing services; empty means the in-memory tier only.
	RedisAddr   string
	RedisDB     int
	DatabaseURL string
}

// Load reads the environment. A .env file is honoured when present and
// silently skipped when not.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("[Config] Loaded environment from .env")
	}

	key, err := requireEnv("SIGNATURE_HASH_KEY")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:  getEnvOrDefault("BOTWALL_LISTEN_ADDR", ":8080"),
		AdminAddr:   getEnvOrDefault("BOTWALL_ADMIN_ADDR", ":9090"),
		UpstreamURL: os.Getenv("BOTWALL_UPSTREAM_URL"),

		SignatureHashKey: key,

		BotThreshold:        getEnvFloat("BOT_THRESHOLD", 0.7),
		DefaultActionPolicy: getEnvOrDefault("DEFAULT_ACTION_POLICY", "allow"),
		PolicyFile:          os.Getenv("POLICY_FILE"),
		ExposeReasons:       getEnvBool("EXPOSE_DETECTION_REASONS", false),

		DatacenterCIDRs: splitList(os.Getenv("DATACENTER_CIDRS")),

		LearningEnabled:   getEnvBool("LEARNING_ENABLED", true),
		LearningQueueSize: getEnvInt("LEARNING_QUEUE_SIZE", 256),

		MaskingEnabled:      getEnvBool("MASKING_ENABLED", true),
		MaskingMaxBodyBytes: int64(getEnvInt("MASKING_MAX_BODY_BYTES", 1<<20)),

		VerdictTTL: time.Duration(getEnvInt("VERDICT_TTL_SECONDS", 300)) * time.Second,

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisDB:     getEnvInt("REDIS_DB", 0),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	if cfg.BotThreshold <= 0 || cfg.BotThreshold >= 1 {
		return nil, fmt.Errorf("BOT_THRESHOLD must be in (0,1), got %v", cfg.BotThreshold)
	}
	return cfg, nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] %s=%q is not an integer, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[Config] %s=%q is not a number, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[Config] %s=%q is not a boolean, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
