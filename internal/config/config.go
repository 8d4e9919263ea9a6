package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Cron     CronConfig     `yaml:"cron"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string   `yaml:"host"`
	Port    int      `yaml:"port"`
	BaseURL string   `yaml:"base_url"`
	Origins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection used for distributed
// locking. When Addr is empty the engine falls back to PG advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DeliveryConfig selects and configures the outbound email provider.
// Provider is one of: sparkpost, ses, smtp. Missing credentials degrade the
// engine to dry-run mode instead of failing startup.
type DeliveryConfig struct {
	Provider  string `yaml:"provider"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`

	SparkPostAPIKey string `yaml:"sparkpost_api_key"`
	SparkPostURL    string `yaml:"sparkpost_url"`

	SESAccessKey string `yaml:"ses_access_key"`
	SESSecretKey string `yaml:"ses_secret_key"`
	SESRegion    string `yaml:"ses_region"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
}

// DispatchConfig tunes the batched sender and the schedule policy.
type DispatchConfig struct {
	BatchSize          int    `yaml:"batch_size"`
	BatchDelaySeconds  int    `yaml:"batch_delay_seconds"`
	ScheduleMode       string `yaml:"schedule_mode"` // auto, production, accelerated
	UnsubscribeBaseURL string `yaml:"unsubscribe_base_url"`
	SigningKey         string `yaml:"signing_key"`
	PollIntervalSecs   int    `yaml:"poll_interval_seconds"`
}

// CronConfig holds the shared secret required by the trigger endpoints.
type CronConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML config (if the file exists) and overlays
// environment variables. A .env file is honored for local development.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DELIVERY_PROVIDER"); v != "" {
		cfg.Delivery.Provider = v
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.Delivery.SparkPostAPIKey = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Delivery.SESAccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Delivery.SESSecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Delivery.SESRegion = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Delivery.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Delivery.SMTPPort = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Delivery.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Delivery.SMTPPassword = v
	}
	if v := os.Getenv("FROM_EMAIL"); v != "" {
		cfg.Delivery.FromEmail = v
	}
	if v := os.Getenv("FROM_NAME"); v != "" {
		cfg.Delivery.FromName = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Cron.Secret = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.Dispatch.SigningKey = v
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Delivery.Provider == "" {
		c.Delivery.Provider = "sparkpost"
	}
	if c.Delivery.SparkPostURL == "" {
		c.Delivery.SparkPostURL = "https://api.sparkpost.com/api/v1"
	}
	if c.Delivery.SESRegion == "" {
		c.Delivery.SESRegion = "us-east-1"
	}
	if c.Delivery.SMTPPort == 0 {
		c.Delivery.SMTPPort = 587
	}
	if c.Delivery.FromEmail == "" {
		c.Delivery.FromEmail = "no-reply@mail.embermail.io"
	}
	if c.Delivery.FromName == "" {
		c.Delivery.FromName = "Embermail"
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.BatchDelaySeconds == 0 {
		c.Dispatch.BatchDelaySeconds = 1
	}
	if c.Dispatch.ScheduleMode == "" {
		c.Dispatch.ScheduleMode = "auto"
	}
	if c.Dispatch.UnsubscribeBaseURL == "" {
		c.Dispatch.UnsubscribeBaseURL = c.Server.BaseURL + "/unsubscribe"
	}
	if c.Dispatch.PollIntervalSecs == 0 {
		c.Dispatch.PollIntervalSecs = 60
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or DATABASE_URL)")
	}
	switch c.Dispatch.ScheduleMode {
	case "auto", "production", "accelerated":
	default:
		return fmt.Errorf("dispatch.schedule_mode must be auto, production or accelerated, got %q", c.Dispatch.ScheduleMode)
	}
	switch c.Delivery.Provider {
	case "sparkpost", "ses", "smtp":
	default:
		return fmt.Errorf("delivery.provider must be sparkpost, ses or smtp, got %q", c.Delivery.Provider)
	}
	return nil
}
