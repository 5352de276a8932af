package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	SessionSecret    string
	KieAPIKey        string
	KieBaseURL       string
	ImgBBAPIKey      string
	ImgBBBaseURL     string
	OutboundProxyURL string
	GeoIPDBPath      string
	ImageEditCredits int
	TaskTTL          time.Duration
	ReapInterval     time.Duration
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	DBMaxConns       int32
	DBMinConns       int32
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SessionSecret:    os.Getenv("SESSION_SECRET"),
		KieAPIKey:        os.Getenv("KIE_API_KEY"),
		KieBaseURL:       getEnv("KIE_BASE_URL", "https://api.kie.ai"),
		ImgBBAPIKey:      os.Getenv("IMGBB_API_KEY"),
		ImgBBBaseURL:     getEnv("IMGBB_BASE_URL", "https://api.imgbb.com"),
		OutboundProxyURL: os.Getenv("OUTBOUND_PROXY_URL"),
		GeoIPDBPath:      os.Getenv("GEOIP_DB_PATH"),
		ImageEditCredits: getEnvInt("IMAGE_EDIT_CREDITS", 2),
		TaskTTL:          time.Minute * time.Duration(getEnvInt("TASK_TTL_MINUTES", 30)),
		ReapInterval:     time.Minute * time.Duration(getEnvInt("REAP_INTERVAL_MINUTES", 5)),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		DBMaxConns:       int32(getEnvInt("DB_MAX_CONNS", 10)),
		DBMinConns:       int32(getEnvInt("DB_MIN_CONNS", 1)),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	if cfg.ImageEditCredits < 0 {
		return nil, fmt.Errorf("IMAGE_EDIT_CREDITS must not be negative")
	}

	if cfg.DBMaxConns < 1 || cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return nil, fmt.Errorf("DB_MIN_CONNS/DB_MAX_CONNS out of range")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
