package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type DB struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	Database string `env:"DB_DATABASE" envDefault:"support_chat"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

type Config struct {
	AppHost   string `env:"APP_HOST" envDefault:"0.0.0.0"`
	HTTPPort  string `env:"APP_PORT" envDefault:"8097"`
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	DB DB

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`

	// PublicBaseURL: адрес, под которым клиенты видят /uploads (для подписанных ссылок).
	PublicBaseURL string        `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8097"`
	SignedURLTTL  time.Duration `env:"SIGNED_URL_TTL" envDefault:"15m"`

	// Kafka: если брокеры не заданы, события не публикуются.
	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaTopicTicket string `env:"KAFKA_TOPIC_TICKET" envDefault:"support.tickets"`

	// Redis: зеркало присутствия, необязательно.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`

	WSSendBuffer int `env:"WS_SEND_BUFFER" envDefault:"256"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func loadDotenv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
}

func Load() (*Config, error) {
	loadDotenv()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.JWTSecret == "" && cfg.AppEnv != "production" {
		cfg.JWTSecret = "dev-secret-change-me"
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: DB_HOST and DB_DATABASE are required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return fmt.Errorf("config: PUBLIC_BASE_URL: %w", err)
	}
	if c.WSSendBuffer <= 0 {
		return errors.New("config: WS_SEND_BUFFER must be positive")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

// ClientConfig настраивает клиентское ядро синхронизации (команда watch).
type ClientConfig struct {
	APIBaseURL        string        `env:"API_BASE_URL" envDefault:"http://localhost:8097/api/v1"`
	WSURL             string        `env:"WS_URL" envDefault:"ws://localhost:8097/ws"`
	Token             string        `env:"API_TOKEN"`
	Role              string        `env:"CLIENT_ROLE" envDefault:"admin"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"20s"`
	TicketFilter      string        `env:"TICKET_FILTER" envDefault:"all"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string        `env:"LOG_FORMAT" envDefault:"console"`
}

func LoadClient() (*ClientConfig, error) {
	loadDotenv()
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.Token == "" {
		return errors.New("config: API_TOKEN is required")
	}
	if c.Role != "user" && c.Role != "admin" {
		return errors.New("config: CLIENT_ROLE must be 'user' or 'admin'")
	}
	if c.ReconcileInterval <= 0 {
		return errors.New("config: RECONCILE_INTERVAL must be positive")
	}
	for _, raw := range []string{c.APIBaseURL, c.WSURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("config: %q: %w", raw, err)
		}
	}
	return nil
}
