// Package config loads the gateway's runtime configuration from the
// environment, following the option table of the external interface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the recognised configuration options. BaseURL and Models are
// required; everything else carries a documented default.
type Config struct {
	BaseURL             string
	Models              []string
	BasePrompt          string
	Port                int
	DBPath              string
	FreeKeyPath         string
	PaidKeyPath         string
	CooldownSeconds     int
	RequestsPerMinute   int
	RequestsPerDay      int
	MaxFreeKeyFailures  int
	RequestTimeoutSec   int
	AllowedOrigins      []string
	LogLevel            string
	LogFormat           string
	LogFilePath         string
	LogToFile           bool
}

// Load reads a .env file if present (missing is not an error, matching the
// teacher's lenient godotenv.Load usage) and builds a Config from the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		BaseURL:            os.Getenv("BASE_URL"),
		Models:             splitAndTrim(os.Getenv("MODELS"), ","),
		BasePrompt:         os.Getenv("BASE_PROMPT"),
		Port:               envInt("PORT", 5000),
		DBPath:             envString("DB_PATH", "api_keys.db"),
		FreeKeyPath:        envString("FREE_KEY_PATH", "freekey.txt"),
		PaidKeyPath:        envString("PAID_KEY_PATH", "paidkey.txt"),
		CooldownSeconds:    envInt("COOLDOWN_SECONDS", 300),
		RequestsPerMinute:  envInt("REQUESTS_PER_MINUTE", 5),
		RequestsPerDay:     envInt("REQUESTS_PER_DAY", 100),
		MaxFreeKeyFailures: envInt("MAX_FREE_KEY_FAILURES", 6),
		RequestTimeoutSec:  envInt("REQUEST_TIMEOUT_SECONDS", 300),
		AllowedOrigins:     splitAndTrim(envString("ALLOWED_ORIGINS", "*"), ","),
		LogLevel:           envString("LOG_LEVEL", "info"),
		LogFormat:          envString("LOG_FORMAT", "text"),
		LogFilePath:        envString("LOG_FILE_PATH", "gateway.log"),
		LogToFile:          envBool("LOG_TO_FILE", false),
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BASE_URL is required")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("MODELS must list at least one model name")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitAndTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
