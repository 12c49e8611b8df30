// Package session owns the conversation state of one widget instance and keeps
// the parts that must survive a reload in sync with storage.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-widget/internal/domain"
	"chat-widget/internal/storage"
)

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() string
}

// State is the single authoritative conversation state of a widget instance.
// Callers mutate it only through its methods; reads return copies.
type State struct {
	store   *storage.Adapter
	ids     IDGenerator
	variant domain.Variant
	now     func() time.Time

	mu             sync.RWMutex
	userID         string
	sessionID      string
	messages       []domain.Message
	collapsed      bool
	termsAccepted  bool
	screen         domain.Screen
	loading        bool
	feedbackRating int
	lastError      string
	retryCount     int
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// New creates a State over store. Call Init before use.
func New(store *storage.Adapter, ids IDGenerator, variant domain.Variant, opts ...Option) (*State, error) {
	if store == nil {
		return nil, errors.New("session: storage adapter must not be nil")
	}
	if ids == nil {
		return nil, errors.New("session: id generator must not be nil")
	}
	s := &State{
		store:    store,
		ids:      ids,
		variant:  variant,
		now:      time.Now,
		messages: []domain.Message{},
		screen:   domain.ScreenWelcome,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init loads persisted state. The user id is created and persisted when
// absent; the session id is left empty until the first outbound message.
func (s *State) Init(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(ctx)
}

// Load is Init without writes: a missing user id stays empty. It serves
// read-only views of an instance.
func (s *State) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadPersistedLocked(ctx)
	s.resetTransientLocked()
}

func (s *State) initLocked(ctx context.Context) {
	s.loadPersistedLocked(ctx)
	s.ensureUserIDLocked(ctx)
	s.resetTransientLocked()
}

// Reload re-reads the persisted fields so writes made through another State
// over the same backend are not overwritten. Loading, error, retry and
// feedback state are kept. Nothing is written.
func (s *State) Reload(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadPersistedLocked(ctx)
	if s.collapsed || s.screen == domain.ScreenCollapsed || (!s.termsAccepted && s.screen != domain.ScreenWelcome) {
		s.screen = s.restingScreenLocked()
	}
}

// EnsureUserID returns the user id, creating and persisting one when the
// store has none.
func (s *State) EnsureUserID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserIDLocked(ctx)
	return s.userID
}

func (s *State) ensureUserIDLocked(ctx context.Context) {
	if s.userID == "" {
		s.userID = s.ids.NewID()
		s.store.Set(ctx, storage.KeyUserID, s.userID)
	}
}

func (s *State) loadPersistedLocked(ctx context.Context) {
	s.userID, _ = s.store.Get(ctx, storage.KeyUserID)
	s.sessionID, _ = s.store.Get(ctx, storage.KeySessionID)
	s.messages = s.store.LoadMessages(ctx)

	raw, _ := s.store.Get(ctx, storage.KeyCollapsed)
	s.collapsed = s.variant.DecodeCollapsed(raw)

	if s.variant.TermsRequired {
		raw, _ := s.store.Get(ctx, storage.KeyTermsAccepted)
		s.termsAccepted = raw == "true"
	} else {
		s.termsAccepted = true
	}
}

func (s *State) resetTransientLocked() {
	s.loading = false
	s.feedbackRating = 0
	s.lastError = ""
	s.retryCount = 0
	s.screen = s.restingScreenLocked()
}

// restingScreenLocked derives the screen from the persisted flags and log.
func (s *State) restingScreenLocked() domain.Screen {
	switch {
	case s.collapsed:
		return domain.ScreenCollapsed
	case !s.termsAccepted:
		return domain.ScreenWelcome
	case len(s.messages) > 0:
		return domain.ScreenChat
	default:
		return domain.ScreenWelcome
	}
}

// AddMessage appends a new message with a fresh id and the current time, then
// persists the whole log.
func (s *State) AddMessage(ctx context.Context, text string, isUser bool, meta domain.MessageMeta) domain.Message {
	if len(meta.Suggestions) == 0 {
		meta.Suggestions = nil
	} else {
		meta.Suggestions = append([]string(nil), meta.Suggestions...)
	}
	msg := domain.Message{
		ID:          s.ids.NewID(),
		Text:        text,
		IsUser:      isUser,
		Timestamp:   s.now().UTC().Format(domain.TimestampLayout),
		MessageMeta: meta,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.store.SaveMessages(ctx, s.messages)
	return msg.Clone()
}

// Messages returns a copy of the conversation log.
func (s *State) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.CloneMessages(s.messages)
}

// UserID returns the persistent user id.
func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SessionID returns the current session id, empty before the first send.
func (s *State) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetSessionID replaces the session id and persists it, so the last id seen
// from the server is always the stored one. An empty id removes it.
func (s *State) SetSessionID(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	if id == "" {
		s.store.Remove(ctx, storage.KeySessionID)
		return
	}
	s.store.Set(ctx, storage.KeySessionID, id)
}

// EnsureSessionID returns the current session id, creating and persisting a
// new one when none exists. The check and the write happen under one lock so
// concurrent first sends agree on a single id.
func (s *State) EnsureSessionID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		s.sessionID = s.ids.NewID()
		s.store.Set(ctx, storage.KeySessionID, s.sessionID)
	}
	return s.sessionID
}

// IsCollapsed reports whether the widget is collapsed.
func (s *State) IsCollapsed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collapsed
}

// SetCollapsed persists the flag and moves to the matching screen.
func (s *State) SetCollapsed(ctx context.Context, collapsed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collapsed = collapsed
	s.store.Set(ctx, storage.KeyCollapsed, s.variant.EncodeCollapsed(collapsed))
	s.screen = s.restingScreenLocked()
}

// TermsAccepted reports whether the terms were accepted. Always true for
// variants without terms.
func (s *State) TermsAccepted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termsAccepted
}

// SetTermsAccepted persists the flag for variants that have one. Other
// variants always report terms as accepted.
func (s *State) SetTermsAccepted(ctx context.Context, accepted bool) {
	if !s.variant.TermsRequired {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.termsAccepted = accepted
	if accepted {
		s.store.Set(ctx, storage.KeyTermsAccepted, "true")
	} else {
		s.store.Remove(ctx, storage.KeyTermsAccepted)
	}
}

// Screen returns the screen currently shown.
func (s *State) Screen() domain.Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screen
}

// SetScreen moves to screen. It is not persisted.
func (s *State) SetScreen(screen domain.Screen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen = screen
}

// Reset ends the current session: the persisted session id and log are
// removed along with rating, error and retry state. The user id and the
// collapsed and terms flags survive.
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Remove(ctx, storage.KeySessionID)
	s.store.Remove(ctx, storage.KeyMessages)
	s.sessionID = ""
	s.messages = []domain.Message{}
	s.feedbackRating = 0
	s.lastError = ""
	s.retryCount = 0
	s.loading = false
	switch {
	case s.collapsed:
		s.screen = domain.ScreenCollapsed
	case s.termsAccepted:
		s.screen = domain.ScreenChat
	default:
		s.screen = domain.ScreenWelcome
	}
}

// ClearAll wipes every persisted key and reinitializes, which issues a new
// user id.
func (s *State) ClearAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Clear(ctx)
	s.initLocked(ctx)
}

// SetLoading marks a request as in flight.
func (s *State) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// IsLoading reports whether a request is in flight.
func (s *State) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// SetError records the last failure shown to the user.
func (s *State) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// LastError returns the last recorded failure, or "".
func (s *State) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ClearError clears the error together with the retry count.
func (s *State) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
	s.retryCount = 0
}

// IncrementRetry bumps the retry count and returns the new value.
func (s *State) IncrementRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
	return s.retryCount
}

// RetryCount returns the failed attempts since the last success.
func (s *State) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// SetFeedbackRating records the rating given for this session.
func (s *State) SetFeedbackRating(rating int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackRating = rating
}

// FeedbackRating returns the recorded rating, 0 when none.
func (s *State) FeedbackRating() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feedbackRating
}

// Snapshot returns a copy of the full state.
func (s *State) Snapshot() domain.ConversationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.ConversationState{
		UserID:         s.userID,
		SessionID:      s.sessionID,
		Messages:       domain.CloneMessages(s.messages),
		IsLoading:      s.loading,
		IsCollapsed:    s.collapsed,
		TermsAccepted:  s.termsAccepted,
		CurrentScreen:  s.screen,
		FeedbackRating: s.feedbackRating,
		LastError:      s.lastError,
		RetryCount:     s.retryCount,
	}
}
