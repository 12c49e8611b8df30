// Package bootstrap turns a loaded config into the shared widget dependencies.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-widget/internal/config"
	"chat-widget/internal/identity"
	"chat-widget/internal/integrations/chatbot"
	"chat-widget/internal/integrations/paramstore"
	"chat-widget/internal/session"
	"chat-widget/internal/storage"
	"chat-widget/internal/widget"
)

// loadAWSConfig is swapped in tests.
var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// NewLogger returns a JSON logger writing to w at level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Runtime bundles the assembled dependencies and the cleanup for them.
type Runtime struct {
	Deps  widget.Deps
	close []func() error
}

// Close releases backend resources.
func (r *Runtime) Close() error {
	var errs []error
	for _, fn := range r.close {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// New assembles storage, the chatbot client factory and controller options
// from cfg. AWS config is only loaded when DynamoDB or SSM is in use.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var awsCfg *aws.Config
	awsConfig := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := loadAWSConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("bootstrap: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	rt := &Runtime{}
	backend, closer, err := openBackend(ctx, cfg, awsConfig)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		rt.close = append(rt.close, closer)
	}

	var keyGetter paramstore.Getter
	if cfg.APIKey == "" {
		c, err := awsConfig()
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		keyGetter, err = paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("bootstrap: parameter store: %w", err)
		}
	}

	ids := identity.New()
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	rt.Deps = widget.Deps{
		Backend: backend,
		Variant: cfg.Variant,
		IDs:     ids,
		NewAPI:  newAPIFactory(cfg, httpClient, keyGetter, ids, logger),
		Logger:  logger,
		Options: []widget.Option{
			widget.WithRequestTimeout(cfg.RequestTimeout),
			widget.WithMaxRetries(cfg.MaxRetries),
			widget.WithMaxMessageLength(cfg.MaxMessageLength),
		},
	}
	logger.Info("widget runtime ready",
		"variant", cfg.Variant.Name,
		"store", cfg.StoreBackend,
		"apiKeySource", keySource(cfg),
	)
	return rt, nil
}

func keySource(cfg *config.Config) string {
	if cfg.APIKey != "" {
		return "env"
	}
	return "ssm"
}

func openBackend(ctx context.Context, cfg *config.Config, awsConfig func() (aws.Config, error)) (storage.Backend, func() error, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return storage.NewMemoryBackend(), nil, nil
	case config.StoreFile:
		b, err := storage.NewFileBackend(cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: file store: %w", err)
		}
		return b, nil, nil
	case config.StoreSQLite:
		b, err := storage.OpenSQLite(ctx, cfg.StorePath)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: sqlite store: %w", err)
		}
		return b, b.Close, nil
	case config.StorePostgres:
		b, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: postgres store: %w", err)
		}
		return b, b.Close, nil
	case config.StoreDynamoDB:
		c, err := awsConfig()
		if err != nil {
			return nil, nil, err
		}
		b, err := storage.NewDynamoBackend(awsdynamodb.NewFromConfig(c), cfg.StateTable, storage.WithTTL(cfg.StateTTL))
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: dynamodb store: %w", err)
		}
		return b, nil, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown store backend %q", cfg.StoreBackend)
	}
}

// newAPIFactory binds a chatbot client to each instance's session state.
// The HTTP client and parameter store cache are shared across instances.
func newAPIFactory(cfg *config.Config, httpClient *http.Client, keyGetter paramstore.Getter, ids *identity.Generator, logger *slog.Logger) func(*session.State) (widget.API, error) {
	return func(state *session.State) (widget.API, error) {
		opts := []chatbot.Option{
			chatbot.WithHTTPClient(httpClient),
			chatbot.WithPageURL(cfg.ClientURL),
			chatbot.WithIDGenerator(ids),
			chatbot.WithLogger(logger),
		}
		if cfg.APIKey != "" {
			opts = append(opts, chatbot.WithAPIKey(cfg.APIKey))
		} else {
			opts = append(opts, chatbot.WithAPIKeyParameter(keyGetter, cfg.APIKeyParam))
		}
		return chatbot.NewClient(cfg.ChatEndpoint, state, opts...)
	}
}
