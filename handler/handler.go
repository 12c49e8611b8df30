// Package handler exposes widget instances over HTTP, either from a plain
// net/http server or behind API Gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"chat-widget/internal/domain"
	"chat-widget/internal/widget"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

var newUUID = uuid.NewString

// Host runs operations against widget instances. View must not write to
// storage.
type Host interface {
	Do(ctx context.Context, instanceID string, fn func(*widget.Controller) error) error
	View(ctx context.Context, instanceID string, fn func(*widget.Controller) error) error
}

// Handler serves the widget HTTP API over a Host.
type Handler struct {
	host    Host
	logger  *slog.Logger
	origins []string
	router  chi.Router
}

type Option func(*Handler)

// WithAllowedOrigins sets the CORS origins; the default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		h.origins = origins
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

type sendRequest struct {
	Text string `json:"text"`
}

type termsRequest struct {
	Accepted *bool `json:"accepted"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type messagesResponse struct {
	Messages []domain.Message        `json:"messages"`
	State    domain.ConversationState `json:"state"`
}

type feedbackResponse struct {
	Accepted bool `json:"accepted"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// NewHandler builds the router. host must not be nil.
func NewHandler(host Host, opts ...Option) (*Handler, error) {
	if host == nil {
		return nil, errors.New("handler: host must not be nil")
	}
	h := &Handler{host: host, origins: []string{"*"}}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", correlationHeader},
		ExposedHeaders: []string{correlationHeader},
	}))
	r.Use(correlation)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/widget/{instance}", func(r chi.Router) {
		r.Get("/version", h.version)
		r.Get("/state", h.state)
		r.Post("/messages", h.send)
		r.Post("/retry", h.retry)
		r.Post("/collapse", h.collapse)
		r.Post("/expand", h.expand)
		r.Post("/session", h.newSession)
		r.Post("/terms", h.terms)
		r.Post("/feedback", h.feedback)
		r.Post("/feedback/open", h.openFeedback)
		r.Post("/clear", h.clearAll)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"})
	})
	return r
}

// correlation echoes the caller's correlation id, or assigns one.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r)
	})
}

// with runs fn on the request's instance and writes either its result or the
// mapped error.
func (h *Handler) with(w http.ResponseWriter, r *http.Request, fn func(*widget.Controller) (any, error)) {
	h.run(w, r, h.host.Do, fn)
}

// view is with for read-only routes.
func (h *Handler) view(w http.ResponseWriter, r *http.Request, fn func(*widget.Controller) (any, error)) {
	h.run(w, r, h.host.View, fn)
}

type hostFunc func(ctx context.Context, instanceID string, fn func(*widget.Controller) error) error

func (h *Handler) run(w http.ResponseWriter, r *http.Request, on hostFunc, fn func(*widget.Controller) (any, error)) {
	var out any
	err := on(r.Context(), chi.URLParam(r, "instance"), func(c *widget.Controller) error {
		var err error
		out, err = fn(c)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	h.view(w, r, func(c *widget.Controller) (any, error) {
		return c.Version(), nil
	})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	h.view(w, r, func(c *widget.Controller) (any, error) {
		return c.State(), nil
	})
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.with(w, r, func(c *widget.Controller) (any, error) {
		added, err := c.Send(r.Context(), req.Text)
		if err != nil {
			return nil, err
		}
		return messagesResponse{Messages: nonNil(added), State: c.State()}, nil
	})
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		added, err := c.Retry(r.Context())
		if err != nil {
			return nil, err
		}
		return messagesResponse{Messages: nonNil(added), State: c.State()}, nil
	})
}

func (h *Handler) collapse(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		c.Collapse(r.Context())
		return c.State(), nil
	})
}

func (h *Handler) expand(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		c.Expand(r.Context())
		return c.State(), nil
	})
}

func (h *Handler) newSession(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		c.NewSession(r.Context())
		return c.State(), nil
	})
}

func (h *Handler) clearAll(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		c.ClearAll(r.Context())
		return c.State(), nil
	})
}

func (h *Handler) openFeedback(w http.ResponseWriter, r *http.Request) {
	h.with(w, r, func(c *widget.Controller) (any, error) {
		c.OpenFeedback()
		return c.State(), nil
	})
}

func (h *Handler) terms(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Accepted == nil {
		h.writeError(w, r, &widget.Error{Code: widget.ErrorInvalidInput, Reason: "accepted_required"})
		return
	}
	h.with(w, r, func(c *widget.Controller) (any, error) {
		if *req.Accepted {
			c.AcceptTerms(r.Context())
		} else {
			c.DeclineTerms(r.Context())
		}
		return c.State(), nil
	})
}

func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.with(w, r, func(c *widget.Controller) (any, error) {
		ok, err := c.SubmitFeedback(r.Context(), req.Rating, req.Comment)
		if err != nil {
			return nil, err
		}
		return feedbackResponse{Accepted: ok}, nil
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		reason := "invalid_json"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			reason = "body_too_large"
		} else if errors.Is(err, io.EOF) {
			reason = "empty_body"
		}
		return &widget.Error{Code: widget.ErrorInvalidInput, Reason: reason, Err: err}
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: string(widget.ErrorInternal)}

	var widgetErr *widget.Error
	if errors.As(err, &widgetErr) {
		resp = errorResponse{Error: string(widgetErr.Code), Reason: widgetErr.Reason}
		switch widgetErr.Code {
		case widget.ErrorInvalidInput:
			status = http.StatusBadRequest
		case widget.ErrorTermsNotAccepted:
			status = http.StatusForbidden
		case widget.ErrorRateLimited:
			status = http.StatusTooManyRequests
		case widget.ErrorRetriesExhausted:
			status = http.StatusConflict
		case widget.ErrorUpstream:
			status = http.StatusBadGateway
		}
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"correlationId", w.Header().Get(correlationHeader),
		"err", err,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", attrs...)
	} else {
		h.logger.Warn("request rejected", attrs...)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(fmt.Sprintf(`{"error":%q}`, widget.ErrorInternal))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}
