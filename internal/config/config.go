package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates application settings that may be sourced from files or environment variables.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Auth       AuthConfig       `mapstructure:"auth"`
	GenAI      GenAIConfig      `mapstructure:"genai"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Generation GenerationConfig `mapstructure:"generation"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	PublicBaseURL  string   `mapstructure:"public_base_url"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains connection options for PostgreSQL.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig 包含 Redis 连接配置（asynq 队列与通知 Pub/Sub 共用）。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MinIOConfig contains connection options for MinIO/S3-compatible storage.
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	PublicEndpoint  string `mapstructure:"public_endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
}

// AuthConfig contains JWT signing material and token lifetimes.
type AuthConfig struct {
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	CookieDomain    string        `mapstructure:"cookie_domain"`
}

// GenAIConfig contains Gemini API credentials and model selection.
type GenAIConfig struct {
	APIKey     string `mapstructure:"api_key"`
	TextModel  string `mapstructure:"text_model"`
	ImageModel string `mapstructure:"image_model"`
}

// StripeConfig contains payment gateway credentials.
type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	PriceID       string `mapstructure:"price_id"`
}

// UploadConfig bounds incoming image uploads.
type UploadConfig struct {
	MaxBytes  int64  `mapstructure:"max_bytes"`
	ClamdAddr string `mapstructure:"clamd_addr"`
}

// GenerationConfig bounds the headshot pipeline.
type GenerationConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DSN builds a lib/pq compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Addr returns the host:port pair for the Redis server.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Load reads configuration solely from environment variables (with optional defaults).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad wraps Load and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.public_base_url", "http://localhost:3000")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "phheadshot")
	v.SetDefault("database.user", "phheadshot")
	v.SetDefault("database.password", "phheadshot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "headshots")
	v.SetDefault("auth.private_key_path", "keys/jwt_rsa")
	v.SetDefault("auth.public_key_path", "keys/jwt_rsa.pub")
	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("genai.text_model", "gemini-2.5-flash")
	v.SetDefault("genai.image_model", "gemini-2.5-flash-image-preview")
	v.SetDefault("upload.max_bytes", 10<<20)
	v.SetDefault("generation.timeout", time.Minute)
	v.SetDefault("generation.concurrency", 10)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                "API_PORT",
		"api.public_base_url":     "PUBLIC_BASE_URL",
		"api.allowed_origins":     "ALLOWED_ORIGINS",
		"database.host":           "DATABASE_HOST",
		"database.port":           "DATABASE_PORT",
		"database.name":           "POSTGRES_DB",
		"database.user":           "POSTGRES_USER",
		"database.password":       "POSTGRES_PASSWORD",
		"database.sslmode":        "DATABASE_SSLMODE",
		"redis.host":              "REDIS_HOST",
		"redis.port":              "REDIS_PORT",
		"minio.endpoint":          "MINIO_ENDPOINT",
		"minio.public_endpoint":   "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":     "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key": "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":           "MINIO_USE_SSL",
		"minio.bucket":            "MINIO_BUCKET",
		"minio.region":            "MINIO_REGION",
		"auth.private_key_path":   "JWT_PRIVATE_KEY_PATH",
		"auth.public_key_path":    "JWT_PUBLIC_KEY_PATH",
		"auth.access_token_ttl":   "ACCESS_TOKEN_TTL",
		"auth.refresh_token_ttl":  "REFRESH_TOKEN_TTL",
		"auth.cookie_domain":      "COOKIE_DOMAIN",
		"genai.api_key":           "GENAI_API_KEY",
		"genai.text_model":        "GENAI_TEXT_MODEL",
		"genai.image_model":       "GENAI_IMAGE_MODEL",
		"stripe.secret_key":       "STRIPE_SECRET_KEY",
		"stripe.webhook_secret":   "STRIPE_WEBHOOK_SECRET",
		"stripe.price_id":         "STRIPE_PRICE_ID",
		"upload.max_bytes":        "UPLOAD_MAX_BYTES",
		"upload.clamd_addr":       "CLAMD_ADDR",
		"generation.timeout":      "GENERATION_TIMEOUT",
		"generation.concurrency":  "GENERATION_CONCURRENCY",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.API.PublicBaseURL == "" {
		return errors.New("public base url is required")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Database.SSLMode == "" {
		return errors.New("database sslmode is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.AccessKeyID == "" {
		return errors.New("minio access key id is required")
	}
	if cfg.MinIO.SecretAccessKey == "" {
		return errors.New("minio secret access key is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if cfg.GenAI.APIKey == "" {
		return errors.New("genai api key is required")
	}
	if cfg.GenAI.TextModel == "" || cfg.GenAI.ImageModel == "" {
		return errors.New("genai models are required")
	}
	if cfg.Stripe.SecretKey == "" {
		return errors.New("stripe secret key is required")
	}
	if cfg.Stripe.WebhookSecret == "" {
		return errors.New("stripe webhook secret is required")
	}
	if cfg.Stripe.PriceID == "" {
		return errors.New("stripe price id is required")
	}
	if cfg.Upload.MaxBytes <= 0 {
		return errors.New("upload max bytes must be positive")
	}
	if cfg.Generation.Timeout <= 0 {
		return errors.New("generation timeout must be positive")
	}
	if cfg.Generation.Concurrency <= 0 {
		return errors.New("generation concurrency must be positive")
	}
	return nil
}
