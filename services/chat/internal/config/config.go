package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"pairchat/pkg/storage"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	// DatabaseDriver is "postgres" (default) or "memory" for local runs.
	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseURL"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	AllowedOrigins       []string `yaml:"allowedOrigins"`
	WSInsecureSkipVerify bool     `yaml:"wsInsecureSkipVerify"`

	RedisAddr                 string `yaml:"redisAddr"`
	RedisPassword             string `yaml:"redisPassword"`
	MessageRateLimitPerMinute int    `yaml:"messageRateLimitPerMinute"`
	RateLimitFailOpen         bool   `yaml:"rateLimitFailOpen"`
	PresenceMirror            bool   `yaml:"presenceMirror"`
	CleanupQueue              bool   `yaml:"cleanupQueue"`
	InstanceID                string `yaml:"instanceID"`

	// StorageDriver is "minio" or "local" (default).
	StorageDriver    string `yaml:"storageDriver"`
	StoragePath      string `yaml:"storagePath"`
	PublicBaseURL    string `yaml:"publicBaseURL"`
	MinioEndpoint    string `yaml:"minioEndpoint"`
	MinioAccessKey   string `yaml:"minioAccessKey"`
	MinioSecretKey   string `yaml:"minioSecretKey"`
	MinioBucket      string `yaml:"minioBucket"`
	MinioUseSSL      bool   `yaml:"minioUseSSL"`
	MaxFileBytes     int64  `yaml:"maxFileBytes"`
	MaxContentLength int    `yaml:"maxContentLength"`
	HistoryPageSize  int    `yaml:"historyPageSize"`
	TypingTimeout    string `yaml:"typingTimeout"`
	SendBuffer       int    `yaml:"sendBuffer"`
	EventTimeout     string `yaml:"eventTimeout"`
	ShutdownTimeout  string `yaml:"shutdownTimeout"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MessageRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_PRESENCE_MIRROR"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.PresenceMirror = b
		}
	}
	if v := os.Getenv("CHAT_CLEANUP_QUEUE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CleanupQueue = b
		}
	}
	if v := os.Getenv("CHAT_INSTANCE_ID"); v != "" {
		cfg.InstanceID = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("CHAT_PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	if v := os.Getenv("CHAT_MAX_FILE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxFileBytes = n
		}
	}
	if v := os.Getenv("CHAT_TYPING_TIMEOUT"); v != "" {
		cfg.TypingTimeout = strings.TrimSpace(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or CHAT_PORT)")
	}
	switch cfg.Driver() {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown databaseDriver %q", cfg.DatabaseDriver)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: jwtSecret or jwksURL is required (set in config.yaml, JWT_SECRET or JWT_JWKS_URL)")
	}
	switch cfg.Storage() {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for storageDriver minio")
		}
		if strings.TrimSpace(cfg.PublicBaseURL) == "" {
			return errors.New("config: publicBaseURL is required for storageDriver minio")
		}
	case "local":
		if cfg.StoragePath == "" {
			return errors.New("config: storagePath is required for storageDriver local")
		}
	default:
		return fmt.Errorf("config: unknown storageDriver %q", cfg.StorageDriver)
	}
	if n := len(strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")); n > storage.MaxPublicBaseLength {
		return fmt.Errorf("config: publicBaseURL must be at most %d characters", storage.MaxPublicBaseLength)
	}
	if cfg.MessageRateLimitPerMinute < 0 {
		return errors.New("config: messageRateLimitPerMinute must be >= 0")
	}
	if cfg.MessageRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for message rate limiting")
	}
	if cfg.PresenceMirror && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for presenceMirror")
	}
	if cfg.CleanupQueue && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for cleanupQueue")
	}
	if cfg.MaxFileBytes < 0 || cfg.MaxContentLength < 0 || cfg.HistoryPageSize < 0 || cfg.SendBuffer < 0 {
		return errors.New("config: size limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":       cfg.JWTLeeway,
		"eventTimeout":    cfg.EventTimeout,
		"shutdownTimeout": cfg.ShutdownTimeout,
	} {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if _, err := ParseTypingTimeout(cfg.TypingTimeout); err != nil {
		return fmt.Errorf("config: typingTimeout: %w", err)
	}
	return nil
}

// Driver returns the normalized database driver.
func (c FileConfig) Driver() string {
	if d := strings.ToLower(strings.TrimSpace(c.DatabaseDriver)); d != "" {
		return d
	}
	return "postgres"
}

// Storage returns the normalized attachment storage driver.
func (c FileConfig) Storage() string {
	if d := strings.ToLower(strings.TrimSpace(c.StorageDriver)); d != "" {
		return d
	}
	return "local"
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid duration %q: must be >= 0", raw)
	}
	return dur, nil
}

// ParseTypingTimeout parses typingTimeout. "off" disables the timeout, which
// the app expresses as a negative duration.
func ParseTypingTimeout(raw string) (time.Duration, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "off") {
		return -1, nil
	}
	return ParseDuration(raw)
}
