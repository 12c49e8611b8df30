// Package widget drives the chat widget in response to UI events: it is the
// only consumer of the session state and the chatbot client.
package widget

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-widget/internal/domain"
	"chat-widget/internal/integrations/chatbot"
	"chat-widget/internal/session"
)

const (
	Name    = "chat-widget"
	Version = "1.4.0"

	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultMaxMessageLen  = 2000
	minRating             = 1
	maxRating             = 5
)

// API is the chatbot endpoint as seen by the controller.
type API interface {
	SendMessage(ctx context.Context, text string) (chatbot.Result, error)
	SubmitFeedback(ctx context.Context, rating int, comment string) bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Controller orchestrates one widget instance.
type Controller struct {
	state          *session.State
	api            API
	variant        domain.Variant
	logger         *slog.Logger
	requestTimeout time.Duration
	maxRetries     int
	maxMessageLen  int

	mu      sync.Mutex
	pending string // text of the last send that failed
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequestTimeout bounds each chatbot call so a hung request cannot leave
// the widget loading forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.requestTimeout = d
	}
}

// WithMaxRetries caps how many times a failed message may be re-sent.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		c.maxRetries = n
	}
}

// WithMaxMessageLength caps outgoing messages, counted in characters.
func WithMaxMessageLength(n int) Option {
	return func(c *Controller) {
		c.maxMessageLen = n
	}
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a Controller over state and api. Call Init before use.
func New(state *session.State, api API, variant domain.Variant, opts ...Option) (*Controller, error) {
	if state == nil {
		return nil, errors.New("widget: session state must not be nil")
	}
	if api == nil {
		return nil, errors.New("widget: api client must not be nil")
	}
	c := &Controller{
		state:          state,
		api:            api,
		variant:        variant,
		requestTimeout: defaultRequestTimeout,
		maxRetries:     defaultMaxRetries,
		maxMessageLen:  defaultMaxMessageLen,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.maxMessageLen <= 0 {
		c.maxMessageLen = defaultMaxMessageLen
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Init loads persisted state. Call once before any other operation.
func (c *Controller) Init(ctx context.Context) {
	c.state.Init(ctx)
	c.logger.Debug("widget initialized", "user", c.state.UserID(), "screen", c.state.Screen())
}

// Send appends the user's message, relays it and appends the bot replies,
// which it returns.
func (c *Controller) Send(ctx context.Context, text string) ([]domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > c.maxMessageLen {
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if c.variant.TermsRequired && !c.state.TermsAccepted() {
		return nil, newError(ErrorTermsNotAccepted, "terms_not_accepted", nil)
	}

	c.state.AddMessage(ctx, text, true, domain.MessageMeta{})
	c.state.ClearError()
	return c.dispatch(ctx, text)
}

// Retry re-sends the last failed message without logging it a second time.
func (c *Controller) Retry(ctx context.Context) ([]domain.Message, error) {
	c.mu.Lock()
	text := c.pending
	c.mu.Unlock()
	if text == "" {
		return nil, newError(ErrorInvalidInput, "nothing_to_retry", nil)
	}
	if c.state.RetryCount() > c.maxRetries {
		return nil, newError(ErrorRetriesExhausted, "retry_limit", nil)
	}
	return c.dispatch(ctx, text)
}

func (c *Controller) dispatch(ctx context.Context, text string) ([]domain.Message, error) {
	c.state.SetLoading(true)
	defer c.state.SetLoading(false)
	if c.state.Screen() != domain.ScreenCollapsed {
		c.state.SetScreen(domain.ScreenChat)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	res, err := c.api.SendMessage(reqCtx, text)
	if err != nil {
		attempt := c.state.IncrementRetry()
		c.mu.Lock()
		c.pending = text
		c.mu.Unlock()
		c.logger.Warn("send message failed", "attempt", attempt, "err", err)

		werr := newError(ErrorUpstream, "chatbot_error", err)
		var statusErr httpStatusCoder
		switch {
		case errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == http.StatusTooManyRequests:
			werr = newError(ErrorRateLimited, "chatbot_rate_limited", err)
		case errors.Is(err, context.DeadlineExceeded):
			werr = newError(ErrorUpstream, "chatbot_timeout", err)
		}
		// lastError holds the reason only, never upstream detail
		c.state.SetError(werr.Reason)
		return nil, werr
	}

	c.state.ClearError()
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()

	if len(res.Replies) == 0 {
		c.logger.Info("chatbot returned no replies", "shape", res.Shape)
	}
	added := make([]domain.Message, 0, len(res.Replies))
	for i, reply := range res.Replies {
		meta := domain.MessageMeta{
			IsHTML:    res.IsHTML,
			Type:      res.Shape,
			SessionID: res.SessionID,
		}
		if i == len(res.Replies)-1 {
			meta.Suggestions = res.Suggestions
		}
		added = append(added, c.state.AddMessage(ctx, reply, false, meta))
	}
	return added, nil
}

// Reload refreshes persisted state that other hosts sharing the backend may
// have written, and restores the user id if it was cleared.
func (c *Controller) Reload(ctx context.Context) {
	c.state.Reload(ctx)
	c.state.EnsureUserID(ctx)
}

// Collapse hides the widget and persists the flag.
func (c *Controller) Collapse(ctx context.Context) {
	c.state.SetCollapsed(ctx, true)
}

// Expand shows the widget on its resting screen.
func (c *Controller) Expand(ctx context.Context) {
	c.state.SetCollapsed(ctx, false)
}

// NewSession ends the current conversation. The next message starts a new
// session id.
func (c *Controller) NewSession(ctx context.Context) {
	c.state.Reset(ctx)
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()
	c.logger.Info("session reset", "user", c.state.UserID())
}

// ClearAll forgets everything stored for the instance, including the user id,
// and starts over as a new user.
func (c *Controller) ClearAll(ctx context.Context) {
	c.state.ClearAll(ctx)
	c.mu.Lock()
	c.pending = ""
	c.mu.Unlock()
	c.logger.Info("widget storage cleared", "user", c.state.UserID())
}

// AcceptTerms records acceptance and opens the chat.
func (c *Controller) AcceptTerms(ctx context.Context) {
	c.state.SetTermsAccepted(ctx, true)
	if !c.state.IsCollapsed() {
		c.state.SetScreen(domain.ScreenChat)
	}
}

// DeclineTerms clears the acceptance and tucks the widget away.
func (c *Controller) DeclineTerms(ctx context.Context) {
	c.state.SetTermsAccepted(ctx, false)
	c.state.SetCollapsed(ctx, true)
}

// OpenFeedback shows the feedback screen unless the widget is collapsed.
func (c *Controller) OpenFeedback() {
	if !c.state.IsCollapsed() {
		c.state.SetScreen(domain.ScreenFeedback)
	}
}

// SubmitFeedback records rating for the current session and reports whether
// the server accepted it. Transport failures are not errors.
func (c *Controller) SubmitFeedback(ctx context.Context, rating int, comment string) (bool, error) {
	if rating < minRating || rating > maxRating {
		return false, newError(ErrorInvalidInput, "invalid_rating", nil)
	}
	c.state.SetFeedbackRating(rating)

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	ok := c.api.SubmitFeedback(reqCtx, rating, strings.TrimSpace(comment))
	if !c.state.IsCollapsed() {
		c.state.SetScreen(domain.ScreenChat)
	}
	return ok, nil
}

// State returns a snapshot of the conversation.
func (c *Controller) State() domain.ConversationState {
	return c.state.Snapshot()
}

// Version reports the widget name, version and variant.
func (c *Controller) Version() domain.VersionInfo {
	return domain.VersionInfo{Name: Name, Version: Version, Variant: c.variant.Name}
}
