package config

import (
	"log"
	"os"

	"github.com/inkwell-news/inkwell/internal/delivery"
)

// Config holds application configuration loaded from environment variables.
// It is threaded explicitly through the pipeline; no step reads ambient
// process state on its own.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string

	LogLevel  string
	LogFormat string

	// Content source
	NewsAPIKey     string
	NewsAPIBaseURL string

	// Generation service
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Email transport
	EmailJSServiceID  string
	EmailJSTemplateID string
	EmailJSPublicKey  string
	EmailJSPrivateKey string
	EmailJSBaseURL    string

	// Reconciler cron spec and timezone
	ReconcileSchedule string
	ReconcileTimezone string
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Env:  getEnvWithDefault("ENV", "development"),
		Port: getEnvWithDefault("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		NewsAPIKey:     os.Getenv("NEWS_API_KEY"),
		NewsAPIBaseURL: os.Getenv("NEWS_API_BASE_URL"),

		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   getEnvWithDefault("OPENAI_MODEL", "gpt-3.5-turbo"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		EmailJSServiceID:  os.Getenv("EMAILJS_SERVICE_ID"),
		EmailJSTemplateID: os.Getenv("EMAILJS_TEMPLATE_ID"),
		EmailJSPublicKey:  os.Getenv("EMAILJS_PUBLIC_KEY"),
		EmailJSPrivateKey: os.Getenv("EMAILJS_PRIVATE_KEY"),
		EmailJSBaseURL:    os.Getenv("EMAILJS_BASE_URL"),

		ReconcileSchedule: getEnvWithDefault("RECONCILE_SCHEDULE", "0 * * * *"),
		ReconcileTimezone: getEnvWithDefault("RECONCILE_TIMEZONE", "UTC"),
	}

	if cfg.NewsAPIKey == "" {
		log.Println("WARNING: NEWS_API_KEY is not set; content fetches will fail")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Println("WARNING: OPENAI_API_KEY is not set; digest generation will fail")
	}

	return cfg
}

// Delivery returns the email transport configuration. Validate it at
// startup: missing credentials are an operator problem, not a per-cycle one.
func (c *Config) Delivery() delivery.Config {
	return delivery.Config{
		ServiceID:  c.EmailJSServiceID,
		TemplateID: c.EmailJSTemplateID,
		PublicKey:  c.EmailJSPublicKey,
		PrivateKey: c.EmailJSPrivateKey,
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
