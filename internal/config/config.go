package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process settings read from the environment.
type Config struct {
	AppEnv           string
	LogLevel         string
	LogFormat        string
	HTTPListenAddr   string
	HTTPBasePath     string
	AdminToken       string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	DedupTTL      time.Duration

	AMQPURL      string
	AMQPExchange string

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	SMSGatewayURL string
	SMSAPIKey     string
	SMSSenderID   string
	SMSTimeout    time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	TopupUsernameMD5 string
	TopupPasswordMD5 string

	TuningFile string
}

// Load reads Config from the environment. Call godotenv.Load first to honour a .env file.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		HTTPBasePath:     os.Getenv("HTTP_BASE_PATH"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "followup"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", "public"),
		SQLitePath:     os.Getenv("SQLITE_PATH"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "followup.events"),

		WhatsAppStorePath: os.Getenv("WHATSAPP_STORE_PATH"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "INFO"),

		SMSGatewayURL: os.Getenv("SMS_GATEWAY_URL"),
		SMSAPIKey:     os.Getenv("SMS_API_KEY"),
		SMSSenderID:   os.Getenv("SMS_SENDER_ID"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),

		TopupUsernameMD5: strings.ToLower(os.Getenv("TOPUP_USERNAME_MD5")),
		TopupPasswordMD5: strings.ToLower(os.Getenv("TOPUP_PASSWORD_MD5")),

		TuningFile: os.Getenv("TUNING_FILE"),
	}

	cfg.RedisDB = getInt("REDIS_DB", 0, &errs)
	cfg.RedisTLS = getBool("REDIS_TLS", false, &errs)
	cfg.DedupTTL = getDuration("DEDUP_TTL", 0, &errs)
	cfg.SMSTimeout = getDuration("SMS_TIMEOUT", 10*time.Second, &errs)
	cfg.SMTPPort = getInt("SMTP_PORT", 587, &errs)

	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		errs = append(errs, errors.New("DATABASE_URL or SQLITE_PATH is required"))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
