package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-widget/internal/identity"
	"chat-widget/internal/integrations/paramstore"
)

const acceptHeader = "application/json, text/plain, */*"

// Payload is the body of an outbound chat request.
type Payload struct {
	UserMessage   string `json:"userMessage"`
	SessionID     string `json:"sessionId"`
	CorrelationID string `json:"correlationId"`
	ClientURL     string `json:"clientUrl"`
}

// feedbackPayload is the body of a feedback request.
type feedbackPayload struct {
	SessionID string `json:"sessionId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment"`
}

// SessionStore is the part of the session state the client reads and writes.
type SessionStore interface {
	SessionID() string
	EnsureSessionID(ctx context.Context) string
	SetSessionID(ctx context.Context, id string)
}

type IDGenerator interface {
	NewID() string
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("chatbot: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the remote chatbot endpoint on behalf of one session.
type Client struct {
	endpoint   string
	httpClient *http.Client
	state      SessionStore
	ids        IDGenerator
	pageURL    string
	logger     *slog.Logger

	keyMu     sync.Mutex
	apiKey    string
	keyGetter paramstore.Getter
	keyParam  string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a static API key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithAPIKeyParameter reads the API key from the parameter store on first
// use. A static key set with WithAPIKey takes precedence.
func WithAPIKeyParameter(getter paramstore.Getter, name string) Option {
	return func(c *Client) {
		c.keyGetter = getter
		c.keyParam = strings.TrimSpace(name)
	}
}

// WithPageURL sets the clientUrl reported with every message.
func WithPageURL(pageURL string) Option {
	return func(c *Client) {
		c.pageURL = strings.TrimSpace(pageURL)
	}
}

func WithIDGenerator(ids IDGenerator) Option {
	return func(c *Client) {
		c.ids = ids
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Client posting to endpoint and correlating requests
// with state.
func NewClient(endpoint string, state SessionStore, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("chatbot: endpoint %q must be an absolute http(s) URL", endpoint)
	}
	if state == nil {
		return nil, errors.New("chatbot: session store must not be nil")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		state:      state,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ids == nil {
		c.ids = identity.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.apiKey == "" && c.keyGetter == nil {
		return nil, errors.New("chatbot: an api key or api key parameter is required")
	}
	return c, nil
}

// resolveAPIKey returns the static key, or fetches it from the parameter
// store. Only a successful fetch is cached, so a transient SSM failure does
// not disable the client.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := paramstore.APIKey(ctx, c.keyGetter, c.keyParam)
	if err != nil {
		return "", fmt.Errorf("chatbot: resolve api key: %w", err)
	}
	c.apiKey = key
	return key, nil
}

// BuildPayload assembles the outbound body for text. When the session has no
// id yet one is created and persisted first, so every payload carries one.
func (c *Client) BuildPayload(ctx context.Context, text string) Payload {
	return Payload{
		UserMessage:   text,
		SessionID:     c.state.EnsureSessionID(ctx),
		CorrelationID: c.ids.NewID(),
		ClientURL:     c.pageURL,
	}
}

// SendMessage posts text and returns the normalized reply. A session id
// returned by the server replaces the local one.
func (c *Client) SendMessage(ctx context.Context, text string) (Result, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return Result{}, err
	}

	payload := c.BuildPayload(ctx, text)
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("chatbot: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("chatbot: create request: %w", err)
	}
	setHeaders(req, apiKey)

	raw, err := c.doJSONRequest(req, c.endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("chatbot: request failed: %w", err)
	}

	result := Normalize(raw)
	if result.SessionID != "" && result.SessionID != payload.SessionID {
		c.logger.Info("server assigned session", "previous", payload.SessionID, "session", result.SessionID)
	}
	if result.SessionID != "" {
		c.state.SetSessionID(ctx, result.SessionID)
	}
	return result, nil
}

// SubmitFeedback posts a rating for the current session. It never fails
// outward: the return value reports whether the server accepted it.
func (c *Client) SubmitFeedback(ctx context.Context, rating int, comment string) bool {
	target, err := feedbackURL(c.endpoint)
	if err != nil {
		c.logger.Warn("feedback url", "err", err)
		return false
	}
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		c.logger.Warn("feedback api key", "err", err)
		return false
	}
	body, err := json.Marshal(feedbackPayload{
		SessionID: c.state.SessionID(),
		Rating:    rating,
		Comment:   comment,
	})
	if err != nil {
		c.logger.Warn("feedback marshal", "err", err)
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("feedback request", "err", err)
		return false
	}
	setHeaders(req, apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("feedback submit failed", "err", err)
		return false
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// feedbackURL swaps the last path segment of endpoint for "feedback".
func feedbackURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("chatbot: parse endpoint: %w", err)
	}
	p := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[:i]
	} else {
		p = ""
	}
	u.Path = p + "/feedback"
	u.RawPath = ""
	return u.String(), nil
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("api-key", apiKey)
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
