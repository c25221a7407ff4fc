package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	// Mercado Pago (card/token gateway)
	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoBaseURL       string

	// Redsys (redirect gateway)
	RedsysMerchantCode string
	RedsysSecretKey    string
	RedsysTerminal     string
	RedsysEnvironment  string
	RedsysCurrency     string
	RedsysMerchantName string
	RedsysMerchantURL  string
	RedsysReturnURL    string

	// AutoCapture captures immediately on webhook-confirmed authorisation;
	// when false the capture runs through the follow-up queue.
	AutoCapture bool

	WebhookReplayTTL time.Duration
	ShutdownTimeout  time.Duration

	LogFormat string
	LogLevel  string

	MetricsNamespace string
	MetricsBuckets   string

	TracingEnabled  bool
	TracingEndpoint string
	TracingExporter string
	TracingSampling float64

	RateLimitRPS   int
	RateLimitBurst int
}

// Load reads configuration from environment variables and an optional .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		MercadoPagoAccessToken:   k.String("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: k.String("MERCADOPAGO_WEBHOOK_SECRET"),
		MercadoPagoBaseURL:       k.String("MERCADOPAGO_BASE_URL"),

		RedsysMerchantCode: k.String("REDSYS_MERCHANT_CODE"),
		RedsysSecretKey:    k.String("REDSYS_SECRET_KEY"),
		RedsysTerminal:     valueOrDefault(k.String("REDSYS_TERMINAL"), "001"),
		RedsysEnvironment:  valueOrDefault(k.String("REDSYS_ENVIRONMENT"), "test"),
		RedsysCurrency:     valueOrDefault(k.String("REDSYS_CURRENCY"), "978"),
		RedsysMerchantName: k.String("REDSYS_MERCHANT_NAME"),
		RedsysMerchantURL:  k.String("REDSYS_MERCHANT_URL"),
		RedsysReturnURL:    k.String("REDSYS_RETURN_URL"),

		AutoCapture: parseBool(valueOrDefault(k.String("PAYMENT_AUTO_CAPTURE"), "true")),

		WebhookReplayTTL: parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),
		ShutdownTimeout:  parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),

		LogFormat: valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("LOG_LEVEL"), "info"),

		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "pasarela"),
		MetricsBuckets:   k.String("METRICS_BUCKETS_MS"),

		TracingEnabled:  parseBool(k.String("TRACING_ENABLED")),
		TracingEndpoint: k.String("TRACING_ENDPOINT"),
		TracingExporter: valueOrDefault(k.String("TRACING_EXPORTER"), "otlp"),
		TracingSampling: k.Float64("TRACING_SAMPLING_RATIO"),

		RateLimitRPS:   intOrDefault(k.Int("RATE_LIMIT_RPS"), 20),
		RateLimitBurst: intOrDefault(k.Int("RATE_LIMIT_BURST"), 40),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MercadoPagoAccessToken == "" {
		return nil, errors.New("MERCADOPAGO_ACCESS_TOKEN is required")
	}
	if cfg.RedsysMerchantCode == "" || cfg.RedsysSecretKey == "" {
		return nil, errors.New("REDSYS_MERCHANT_CODE and REDSYS_SECRET_KEY are required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests lets tests override environment variables and restores the
// previous values afterwards.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
