package config

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL   string
	TokenPath    string
	UserID       string
	DatabasePath string
	Transport    string
	PollInterval time.Duration
	LogLevel     string
}

func Load() *Config {
	// A missing .env is fine; flags and real env still apply.
	godotenv.Load()

	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".pairwise")

	cfg := &Config{}

	flag.StringVar(&cfg.APIBaseURL, "api", getEnv("PW_API_URL", "https://api.pairwise.app/api"), "REST API base URL")
	flag.StringVar(&cfg.TokenPath, "token", getEnv("PW_TOKEN_PATH", filepath.Join(dataDir, "token")), "Access token file path")
	flag.StringVar(&cfg.UserID, "user", getEnv("PW_USER_ID", ""), "Local user id")
	flag.StringVar(&cfg.DatabasePath, "db", getEnv("PW_DATABASE_PATH", filepath.Join(dataDir, "chat.db")), "Cache database file path")
	flag.StringVar(&cfg.Transport, "transport", getEnv("PW_TRANSPORT", "socket"), "Push transport: socket or polling")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", 3*time.Second, "Polling transport interval")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("PW_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.Parse()

	os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
