package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP          HTTPConfig
	Redis         RedisConfig
	Session       SessionConfig
	Gemini        GeminiConfig
	Router        RouterConfig
	Analysis      AnalysisConfig
	Visualization VisualizationConfig
	Log           LogConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SessionConfig struct {
	// TTL is the idle expiry for stored sessions, refreshed on every save.
	TTL time.Duration

	// FallbackDir holds per-session JSON mirrors used when redis is down.
	FallbackDir string
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type RouterConfig struct {
	// ConfidenceThreshold is the floor under which a model classification
	// is treated as ambiguous.
	ConfidenceThreshold float64

	// ClarificationRetries bounds re-prompting before the safe fallback.
	ClarificationRetries int
}

type AnalysisConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

type VisualizationConfig struct {
	BaseURL string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

func Load() (*Config, error) {
	// Missing .env is fine in deployed environments; vars come from the host.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Session: SessionConfig{
			TTL:         getEnvDuration("SESSION_TTL", 24*time.Hour),
			FallbackDir: getEnv("SESSION_FALLBACK_DIR", "./data/sessions"),
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxTokens:   getEnvInt("GEMINI_MAX_TOKENS", 1024),
			Temperature: getEnvFloat("GEMINI_TEMPERATURE", 0.4),
			Timeout:     getEnvDuration("GEMINI_TIMEOUT", 15*time.Second),
			MaxRetries:  getEnvInt("GEMINI_MAX_RETRIES", 3),
			RetryDelay:  getEnvDuration("GEMINI_RETRY_DELAY", 500*time.Millisecond),
		},
		Router: RouterConfig{
			ConfidenceThreshold:  getEnvFloat("ROUTER_CONFIDENCE_THRESHOLD", 0.5),
			ClarificationRetries: getEnvInt("ROUTER_CLARIFICATION_RETRIES", 3),
		},
		Analysis: AnalysisConfig{
			BaseURL:    getEnv("ANALYSIS_ENGINE_URL", "http://localhost:8090"),
			Timeout:    getEnvDuration("ANALYSIS_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvInt("ANALYSIS_MAX_RETRIES", 2),
		},
		Visualization: VisualizationConfig{
			BaseURL: getEnv("VISUALIZATION_URL", "http://localhost:8091"),
			Timeout: getEnvDuration("VISUALIZATION_TIMEOUT", 20*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Gemini.APIKey == "" && c.Environment != "test" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.HTTP.Port)
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("ROUTER_CONFIDENCE_THRESHOLD must be in [0,1], got %f", c.Router.ConfidenceThreshold)
	}
	if c.Router.ClarificationRetries < 1 {
		return fmt.Errorf("ROUTER_CLARIFICATION_RETRIES must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
