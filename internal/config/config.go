package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries process-wide settings sourced from the environment.
// The auth secret is deliberately absent: the token codec reads it
// directly so it is never copied around.
type Config struct {
	Addr            string
	PostgresDSN     string
	LoginPath       string
	SettleTimeout   time.Duration
	SettleSuccess   float64
	RateLimitBurst  int
	RateLimitPerSec int
	AllowedOrigins  []string

	// Optional bootstrap admin for in-memory mode; ignored when empty.
	AdminEmail    string
	AdminPassword string
}

// Load reads an optional .env file and resolves the RIGRENT_* variables
// with development defaults.
func Load() Config {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	return Config{
		Addr:            envString("RIGRENT_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("RIGRENT_PG_DSN"),
		LoginPath:       envString("RIGRENT_LOGIN_PATH", "/login"),
		SettleTimeout:   envDuration("RIGRENT_SETTLE_TIMEOUT", 5*time.Second),
		SettleSuccess:   envFloat("RIGRENT_SETTLE_SUCCESS", 0.9),
		RateLimitBurst:  envInt("RIGRENT_RATE_BURST", 20),
		RateLimitPerSec: envInt("RIGRENT_RATE_PER_SEC", 10),
		AllowedOrigins:  envList("RIGRENT_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		AdminEmail:      strings.TrimSpace(os.Getenv("RIGRENT_ADMIN_EMAIL")),
		AdminPassword:   os.Getenv("RIGRENT_ADMIN_PASSWORD"),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil || v < 0 || v > 1 {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func envList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
