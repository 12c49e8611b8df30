// Package config loads the widget runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chat-widget/internal/domain"
)

// Storage backends selectable with STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

type Config struct {
	ChatEndpoint string
	APIKey       string
	// APIKeyParam names an SSM parameter holding the key when APIKey is empty.
	APIKeyParam string
	ClientURL   string
	Variant     domain.Variant

	RequestTimeout   time.Duration
	MaxRetries       int
	MaxMessageLength int

	StoreBackend string
	StorePath    string
	DatabaseURL  string
	StateTable   string
	StateTTL     time.Duration

	Addr        string
	LogLevel    slog.Level
	CORSOrigins []string
}

type options struct {
	files        []string
	defaultStore string
}

type Option func(*options)

// WithEnvFiles loads the given dotenv files instead of ./.env.
func WithEnvFiles(files ...string) Option {
	return func(o *options) {
		o.files = files
	}
}

// WithDefaultStore sets the backend used when STORE_BACKEND is unset.
func WithDefaultStore(backend string) Option {
	return func(o *options) {
		o.defaultStore = backend
	}
}

// Load reads .env (a missing file is fine) and then the process environment.
// Variables already set in the environment win over the file.
func Load(opts ...Option) (*Config, error) {
	o := options{defaultStore: StoreMemory}
	for _, opt := range opts {
		opt(&o)
	}
	if err := godotenv.Load(o.files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	variant, err := domain.VariantByName(getEnv("WIDGET_VARIANT", ""))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	timeout, err := envDuration("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	ttl, err := envDuration("STATE_TTL", 0)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envInt("MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	maxLen, err := envInt("MAX_MESSAGE_LENGTH", 2000)
	if err != nil {
		return nil, err
	}
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ChatEndpoint:     getEnv("CHAT_ENDPOINT", ""),
		APIKey:           getEnv("CHAT_API_KEY", ""),
		APIKeyParam:      getEnv("CHAT_API_KEY_PARAM", ""),
		ClientURL:        getEnv("CLIENT_URL", ""),
		Variant:          variant,
		RequestTimeout:   timeout,
		MaxRetries:       maxRetries,
		MaxMessageLength: maxLen,
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", o.defaultStore)),
		StorePath:        getEnv("STORE_PATH", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		StateTable:       getEnv("STATE_TABLE", ""),
		StateTTL:         ttl,
		Addr:             listenAddr(getEnv("PORT", "8080")),
		LogLevel:         level,
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChatEndpoint == "" {
		return errors.New("config: CHAT_ENDPOINT is required")
	}
	if c.APIKey == "" && c.APIKeyParam == "" {
		return errors.New("config: CHAT_API_KEY or CHAT_API_KEY_PARAM is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("config: MAX_MESSAGE_LENGTH must be positive, got %d", c.MaxMessageLength)
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StoreFile:
		if c.StorePath == "" {
			c.StorePath = ".chat-widget"
		}
	case StoreSQLite:
		if c.StorePath == "" {
			c.StorePath = "chat-widget.db"
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	case StoreDynamoDB:
		if c.StateTable == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return n, nil
}

// envDuration accepts a Go duration ("45s") or a whole number of seconds.
func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q: %w", raw, err)
	}
	return level, nil
}

// listenAddr allows PORT to be "8080", ":8080" or "127.0.0.1:8080".
func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
