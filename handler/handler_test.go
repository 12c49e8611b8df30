package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"chat-widget/internal/domain"
	"chat-widget/internal/integrations/chatbot"
	"chat-widget/internal/session"
	"chat-widget/internal/storage"
	"chat-widget/internal/widget"
)

type stubAPI struct {
	result   chatbot.Result
	err      error
	accepted bool
	texts    []string
}

func (s *stubAPI) SendMessage(_ context.Context, text string) (chatbot.Result, error) {
	s.texts = append(s.texts, text)
	return s.result, s.err
}

func (s *stubAPI) SubmitFeedback(context.Context, int, string) bool {
	return s.accepted
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, variant domain.Variant, api *stubAPI) *Handler {
	t.Helper()
	host, err := widget.NewHost(widget.Deps{
		Backend: storage.NewMemoryBackend(),
		Variant: variant,
		NewAPI:  func(*session.State) (widget.API, error) { return api, nil },
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	h, err := NewHandler(host, WithLogger(quietLogger()), WithAllowedOrigins("https://shop.example"))
	require.NoError(t, err)
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{})
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(correlationHeader))
}

func TestSend_HappyPath(t *testing.T) {
	api := &stubAPI{result: chatbot.Result{Replies: []string{"hello"}, Suggestions: []string{"Orders"}, Shape: chatbot.ShapeLegacy}}
	h := newTestHandler(t, domain.Blizz, api)

	rec := do(t, h, http.MethodPost, "/widget/shop/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"hi"}, api.texts)

	out := parseBody[messagesResponse](t, rec.Body.String())
	require.Len(t, out.Messages, 1)
	require.Equal(t, "hello", out.Messages[0].Text)
	require.Equal(t, []string{"Orders"}, out.Messages[0].Suggestions)
	require.Len(t, out.State.Messages, 2)
	require.Equal(t, domain.ScreenChat, out.State.CurrentScreen)

	rec = do(t, h, http.MethodGet, "/widget/shop/state/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := parseBody[domain.ConversationState](t, rec.Body.String())
	require.Len(t, st.Messages, 2)
}

func TestSend_InvalidBody(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{})

	rec := do(t, h, http.MethodPost, "/widget/shop/messages", `not-json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	out := parseBody[errorResponse](t, rec.Body.String())
	require.Equal(t, string(widget.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)

	rec = do(t, h, http.MethodPost, "/widget/shop/messages", `{"text":"`+strings.Repeat("x", maxBodyBytes)+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "body_too_large", parseBody[errorResponse](t, rec.Body.String()).Reason)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		variant domain.Variant
		api     *stubAPI
		path    string
		body    string
		status  int
		code    widget.ErrorCode
	}{
		{name: "empty message", variant: domain.Blizz, api: &stubAPI{}, path: "/widget/p/messages", body: `{"text":" "}`, status: http.StatusBadRequest, code: widget.ErrorInvalidInput},
		{name: "terms", variant: domain.Ivy, api: &stubAPI{}, path: "/widget/p/messages", body: `{"text":"hi"}`, status: http.StatusForbidden, code: widget.ErrorTermsNotAccepted},
		{name: "rate limited", variant: domain.Blizz, api: &stubAPI{err: &chatbot.HTTPStatusError{StatusCode: 429}}, path: "/widget/p/messages", body: `{"text":"hi"}`, status: http.StatusTooManyRequests, code: widget.ErrorRateLimited},
		{name: "upstream", variant: domain.Blizz, api: &stubAPI{err: errors.New("boom")}, path: "/widget/p/messages", body: `{"text":"hi"}`, status: http.StatusBadGateway, code: widget.ErrorUpstream},
		{name: "nothing to retry", variant: domain.Blizz, api: &stubAPI{}, path: "/widget/p/retry", body: ``, status: http.StatusBadRequest, code: widget.ErrorInvalidInput},
		{name: "bad rating", variant: domain.Blizz, api: &stubAPI{}, path: "/widget/p/feedback", body: `{"rating":9}`, status: http.StatusBadRequest, code: widget.ErrorInvalidInput},
		{name: "terms flag missing", variant: domain.Ivy, api: &stubAPI{}, path: "/widget/p/terms", body: `{}`, status: http.StatusBadRequest, code: widget.ErrorInvalidInput},
		{name: "bad instance", variant: domain.Blizz, api: &stubAPI{}, path: "/widget/bad%20id/collapse", body: ``, status: http.StatusBadRequest, code: widget.ErrorInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, tc.variant, tc.api)
			rec := do(t, h, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code)
			out := parseBody[errorResponse](t, rec.Body.String())
			require.Equal(t, string(tc.code), out.Error)
			require.NotEmpty(t, out.Reason)
		})
	}
}

func TestRetry_Exhausted(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{err: errors.New("down")})

	rec := do(t, h, http.MethodPost, "/widget/p/messages", `{"text":"hi"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	for i := 0; i < 3; i++ {
		rec = do(t, h, http.MethodPost, "/widget/p/retry", "")
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/widget/p/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(widget.ErrorRetriesExhausted), parseBody[errorResponse](t, rec.Body.String()).Error)
}

func TestStateTransitions(t *testing.T) {
	h := newTestHandler(t, domain.Ivy, &stubAPI{accepted: true})

	st := parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/terms", `{"accepted":true}`).Body.String())
	require.True(t, st.TermsAccepted)
	require.Equal(t, domain.ScreenChat, st.CurrentScreen)

	st = parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/collapse", "").Body.String())
	require.True(t, st.IsCollapsed)

	st = parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/expand", "").Body.String())
	require.False(t, st.IsCollapsed)

	st = parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/session", "").Body.String())
	require.Empty(t, st.Messages)
	require.Empty(t, st.SessionID)

	rec := do(t, h, http.MethodPost, "/widget/p/feedback", `{"rating":5,"comment":"great"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, parseBody[feedbackResponse](t, rec.Body.String()).Accepted)

	st = parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/terms", `{"accepted":false}`).Body.String())
	require.False(t, st.TermsAccepted)
	require.True(t, st.IsCollapsed)
}

func TestClearAndOpenFeedback(t *testing.T) {
	h := newTestHandler(t, domain.Ivy, &stubAPI{})

	before := parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/terms", `{"accepted":true}`).Body.String())
	require.NotEmpty(t, before.UserID)

	st := parseBody[domain.ConversationState](t, do(t, h, http.MethodPost, "/widget/p/feedback/open", "").Body.String())
	require.Equal(t, domain.ScreenFeedback, st.CurrentScreen)

	rec := do(t, h, http.MethodPost, "/widget/p/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st = parseBody[domain.ConversationState](t, rec.Body.String())
	require.NotEqual(t, before.UserID, st.UserID)
	require.False(t, st.TermsAccepted)
	require.Equal(t, domain.ScreenWelcome, st.CurrentScreen)
}

func TestReadOnlyRoutesDoNotPersist(t *testing.T) {
	backend := storage.NewMemoryBackend()
	host, err := widget.NewHost(widget.Deps{
		Backend: backend,
		Variant: domain.Blizz,
		NewAPI:  func(*session.State) (widget.API, error) { return &stubAPI{}, nil },
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	h, err := NewHandler(host, WithLogger(quietLogger()))
	require.NoError(t, err)

	for _, path := range []string{"/widget/visitor-1/version", "/widget/visitor-1/state"} {
		rec := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	for _, key := range storage.Keys {
		_, ok, err := backend.Get(context.Background(), "visitor-1", domain.Blizz.KeyPrefix+string(key))
		require.NoError(t, err)
		require.False(t, ok, "key %s", key)
	}
}

func TestVersion(t *testing.T) {
	h := newTestHandler(t, domain.Ivy, &stubAPI{})
	rec := do(t, h, http.MethodGet, "/widget/p/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := parseBody[domain.VersionInfo](t, rec.Body.String())
	require.Equal(t, widget.Version, v.Version)
	require.Equal(t, "ivy", v.Variant)
}

func TestRouting_NotFoundAndMethod(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{})
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "").Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/widget/p/messages", "").Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{})
	req := httptest.NewRequest(http.MethodOptions, "/widget/p/messages", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func TestHandle_HappyPath(t *testing.T) {
	api := &stubAPI{result: chatbot.Result{Replies: []string{"hello"}, Shape: chatbot.ShapeLegacy}}
	h := newTestHandler(t, domain.Blizz, api)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/widget/shop/messages", `{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers[correlationHeader])

	out := parseBody[messagesResponse](t, resp.Body)
	require.Equal(t, "hello", out.Messages[0].Text)
}

func TestHandle_Base64Body(t *testing.T) {
	api := &stubAPI{}
	h := newTestHandler(t, domain.Blizz, api)

	event := makeEvent(http.MethodPost, "/widget/shop/messages", base64.StdEncoding.EncodeToString([]byte(`{"text":"encoded"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"encoded"}, api.texts)

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{})

	event := makeEvent(http.MethodGet, "/widget/shop/state", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

func TestHandle_MapsErrors(t *testing.T) {
	h := newTestHandler(t, domain.Blizz, &stubAPI{err: errors.New("boom")})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/widget/shop/messages", `{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, string(widget.ErrorUpstream), parseBody[errorResponse](t, resp.Body).Error)
}
