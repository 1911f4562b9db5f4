package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort    int
	MetricsPort int
	DatabaseURL string
	RedisAddr   string
	RedisTTL    time.Duration

	KafkaBrokers []string
	EventsTopic  string

	OTLPEndpoint string
	ServiceName  string

	ProviderBaseURL    string
	ProviderAccountSID string
	ProviderAuthToken  string
	SendGridEndpoint   string
	SendGridAPIKey     string
	FromPhone          string
	FromWhatsApp       string
	FromEmail          string
	ProviderTimeout    time.Duration

	SchedulerInterval time.Duration
	CronToken         string
	PublicURL         string

	RateLimit       int
	RateLimitWindow time.Duration
}

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	redisTTL, err := getEnvInt("REDIS_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	cfg.RedisTTL = time.Duration(redisTTL) * time.Second

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.EventsTopic = getEnv("EVENTS_TOPIC", "courier.events")

	cfg.ProviderBaseURL = getEnv("PROVIDER_BASE_URL", "https://api.twilio.com")
	cfg.ProviderAccountSID = os.Getenv("PROVIDER_ACCOUNT_SID")
	cfg.ProviderAuthToken = os.Getenv("PROVIDER_AUTH_TOKEN")
	cfg.SendGridEndpoint = getEnv("SENDGRID_ENDPOINT", "https://api.sendgrid.com")
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	cfg.FromPhone = os.Getenv("FROM_PHONE")
	cfg.FromWhatsApp = getEnv("FROM_WHATSAPP", os.Getenv("FROM_PHONE"))
	cfg.FromEmail = os.Getenv("FROM_EMAIL")

	providerTimeout, err := getEnvInt("PROVIDER_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	cfg.ProviderTimeout = time.Duration(providerTimeout) * time.Second

	schedInterval, err := getEnvInt("SCHEDULER_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	if schedInterval <= 0 {
		return nil, errors.New("SCHEDULER_INTERVAL_SECONDS must be > 0")
	}
	cfg.SchedulerInterval = time.Duration(schedInterval) * time.Second

	cfg.CronToken = os.Getenv("CRON_TOKEN")
	cfg.PublicURL = os.Getenv("PUBLIC_URL")

	rateLimit, err := getEnvInt("RATE_LIMIT", 100)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = rateLimit

	rateWindow, err := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(rateWindow) * time.Second

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
