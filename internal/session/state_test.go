package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-widget/internal/domain"
	"chat-widget/internal/storage"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

var fixedNow = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

type fixture struct {
	backend *storage.MemoryBackend
	adapter *storage.Adapter
	ids     *seqIDs
}

func newFixture(t *testing.T, variant domain.Variant) *fixture {
	t.Helper()
	backend := storage.NewMemoryBackend()
	adapter, err := storage.NewAdapter(backend, "page", variant.KeyPrefix, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return &fixture{backend: backend, adapter: adapter, ids: &seqIDs{}}
}

func (f *fixture) state(t *testing.T, variant domain.Variant) *State {
	t.Helper()
	s, err := New(f.adapter, f.ids, variant, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	s.Init(context.Background())
	return s
}

func TestNew_ValidatesDependencies(t *testing.T) {
	f := newFixture(t, domain.Blizz)
	_, err := New(nil, f.ids, domain.Blizz)
	require.ErrorContains(t, err, "must not be nil")
	_, err = New(f.adapter, nil, domain.Blizz)
	require.ErrorContains(t, err, "must not be nil")
}

func TestInit_CreatesAndPersistsUserID(t *testing.T) {
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	require.Equal(t, "id-1", s.UserID())
	v, ok := f.adapter.Get(context.Background(), storage.KeyUserID)
	require.True(t, ok)
	require.Equal(t, "id-1", v)

	// reload keeps the same user
	again := f.state(t, domain.Blizz)
	require.Equal(t, "id-1", again.UserID())
}

func TestInit_DoesNotCreateSessionID(t *testing.T) {
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	require.Empty(t, s.SessionID())
	_, ok := f.adapter.Get(context.Background(), storage.KeySessionID)
	require.False(t, ok)
}

func TestInit_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	f.adapter.Set(ctx, storage.KeyUserID, "u-9")
	f.adapter.Set(ctx, storage.KeySessionID, "s-9")
	f.adapter.SaveMessages(ctx, []domain.Message{{ID: "m", Text: "hi", IsUser: true, Timestamp: "t"}})

	s := f.state(t, domain.Blizz)
	require.Equal(t, "u-9", s.UserID())
	require.Equal(t, "s-9", s.SessionID())
	require.Len(t, s.Messages(), 1)
	require.Equal(t, domain.ScreenChat, s.Screen())
}

func TestInit_InitialScreen(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		variant   domain.Variant
		collapsed string
		terms     bool
		messages  bool
		want      domain.Screen
	}{
		{"collapsed wins", domain.Ivy, "true", true, true, domain.ScreenCollapsed},
		{"terms missing", domain.Ivy, "false", false, true, domain.ScreenWelcome},
		{"terms and history", domain.Ivy, "false", true, true, domain.ScreenChat},
		{"terms no history", domain.Ivy, "", true, false, domain.ScreenWelcome},
		{"blizz history", domain.Blizz, "0", false, true, domain.ScreenChat},
		{"blizz collapsed", domain.Blizz, "1", false, false, domain.ScreenCollapsed},
		{"blizz empty", domain.Blizz, "", false, false, domain.ScreenWelcome},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.variant)
			if tc.collapsed != "" {
				f.adapter.Set(ctx, storage.KeyCollapsed, tc.collapsed)
			}
			if tc.terms {
				f.adapter.Set(ctx, storage.KeyTermsAccepted, "true")
			}
			if tc.messages {
				f.adapter.SaveMessages(ctx, []domain.Message{{ID: "m", Text: "x"}})
			}
			require.Equal(t, tc.want, f.state(t, tc.variant).Screen())
		})
	}
}

func TestAddMessage_AppendOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	var added []domain.Message
	for i := 0; i < 5; i++ {
		added = append(added, s.AddMessage(ctx, fmt.Sprintf("msg %d", i), i%2 == 0, domain.MessageMeta{}))
	}

	msgs := s.Messages()
	require.Len(t, msgs, 5)
	require.Equal(t, added, msgs)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("msg %d", i), m.Text)
		require.Equal(t, "2026-02-27T12:00:00.000Z", m.Timestamp)
	}
	require.Equal(t, msgs, f.adapter.LoadMessages(ctx))
}

func TestAddMessage_AttachesMeta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	suggestions := []string{"A", "B"}
	msg := s.AddMessage(ctx, "<p>Hi</p>", false, domain.MessageMeta{
		Suggestions: suggestions,
		IsHTML:      true,
		Type:        "simpleMessage",
	})
	suggestions[0] = "mutated"

	require.NotEmpty(t, msg.ID)
	require.False(t, msg.IsUser)
	require.True(t, msg.IsHTML)
	require.Equal(t, []string{"A", "B"}, msg.Suggestions)
	require.Equal(t, []string{"A", "B"}, s.Messages()[0].Suggestions)
}

func TestMessages_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	s.AddMessage(ctx, "one", true, domain.MessageMeta{Suggestions: []string{"x"}})

	got := s.Messages()
	got[0].Text = "changed"
	got[0].Suggestions[0] = "changed"
	_ = append(got, domain.Message{ID: "extra"})

	fresh := s.Messages()
	require.Len(t, fresh, 1)
	require.Equal(t, "one", fresh[0].Text)
	require.Equal(t, "x", fresh[0].Suggestions[0])
}

func TestSetSessionID_Persists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	s.SetSessionID(ctx, "server-1")
	s.SetSessionID(ctx, "server-2")
	v, ok := f.adapter.Get(ctx, storage.KeySessionID)
	require.True(t, ok)
	require.Equal(t, "server-2", v)

	s.SetSessionID(ctx, "")
	_, ok = f.adapter.Get(ctx, storage.KeySessionID)
	require.False(t, ok)
}

func TestEnsureSessionID_CreatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = s.EnsureSessionID(ctx)
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	v, _ := f.adapter.Get(ctx, storage.KeySessionID)
	require.Equal(t, ids[0], v)
}

func TestSetCollapsed_UsesVariantEncoding(t *testing.T) {
	ctx := context.Background()
	for _, variant := range []domain.Variant{domain.Blizz, domain.Ivy} {
		f := newFixture(t, variant)
		s := f.state(t, variant)

		s.SetCollapsed(ctx, true)
		require.True(t, s.IsCollapsed())
		require.Equal(t, domain.ScreenCollapsed, s.Screen())
		v, _ := f.adapter.Get(ctx, storage.KeyCollapsed)
		require.Equal(t, variant.CollapsedTrue, v)

		s.SetCollapsed(ctx, false)
		v, _ = f.adapter.Get(ctx, storage.KeyCollapsed)
		require.Equal(t, variant.CollapsedFalse, v)
		require.NotEqual(t, domain.ScreenCollapsed, s.Screen())
	}
}

func TestTermsAccepted_PerVariant(t *testing.T) {
	ctx := context.Background()

	blizz := newFixture(t, domain.Blizz)
	bs := blizz.state(t, domain.Blizz)
	require.True(t, bs.TermsAccepted())
	bs.SetTermsAccepted(ctx, false)
	require.True(t, bs.TermsAccepted())
	_, ok := blizz.adapter.Get(ctx, storage.KeyTermsAccepted)
	require.False(t, ok)

	ivy := newFixture(t, domain.Ivy)
	is := ivy.state(t, domain.Ivy)
	require.False(t, is.TermsAccepted())
	is.SetTermsAccepted(ctx, true)
	v, ok := ivy.adapter.Get(ctx, storage.KeyTermsAccepted)
	require.True(t, ok)
	require.Equal(t, "true", v)
	require.True(t, ivy.state(t, domain.Ivy).TermsAccepted())
}

func TestReset_EndsSessionKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Ivy)
	s := f.state(t, domain.Ivy)
	s.SetTermsAccepted(ctx, true)
	userID := s.UserID()
	s.EnsureSessionID(ctx)
	s.AddMessage(ctx, "hi", true, domain.MessageMeta{})
	s.SetFeedbackRating(4)
	s.SetError("boom")
	s.IncrementRetry()

	s.Reset(ctx)

	require.Empty(t, s.SessionID())
	require.Empty(t, s.Messages())
	require.Zero(t, s.FeedbackRating())
	require.Empty(t, s.LastError())
	require.Zero(t, s.RetryCount())
	require.Equal(t, domain.ScreenChat, s.Screen())
	require.Equal(t, userID, s.UserID())

	reloaded := f.state(t, domain.Ivy)
	require.Equal(t, userID, reloaded.UserID())
	require.Empty(t, reloaded.SessionID())
	require.Empty(t, reloaded.Messages())
	require.True(t, reloaded.TermsAccepted())
}

func TestReset_ScreenFollowsFlags(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, domain.Ivy)
	s := f.state(t, domain.Ivy)
	s.Reset(ctx)
	require.Equal(t, domain.ScreenWelcome, s.Screen())

	s.SetCollapsed(ctx, true)
	s.Reset(ctx)
	require.Equal(t, domain.ScreenCollapsed, s.Screen())
	require.True(t, s.IsCollapsed())
}

func TestClearAll_IssuesNewUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	before := s.UserID()
	s.EnsureSessionID(ctx)
	s.SetCollapsed(ctx, true)

	s.ClearAll(ctx)
	require.NotEqual(t, before, s.UserID())
	require.Empty(t, s.SessionID())
	require.False(t, s.IsCollapsed())
}

func TestErrorAndRetry(t *testing.T) {
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)

	require.Equal(t, 1, s.IncrementRetry())
	require.Equal(t, 2, s.IncrementRetry())
	s.SetError("timeout")
	require.Equal(t, "timeout", s.LastError())
	require.Equal(t, 2, s.RetryCount())

	s.ClearError()
	require.Empty(t, s.LastError())
	require.Zero(t, s.RetryCount())
}

func TestTransientFlagsAreNotPersisted(t *testing.T) {
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	s.SetLoading(true)
	s.SetError("x")
	s.IncrementRetry()
	s.SetFeedbackRating(5)
	require.True(t, s.IsLoading())

	reloaded := f.state(t, domain.Blizz)
	require.False(t, reloaded.IsLoading())
	require.Empty(t, reloaded.LastError())
	require.Zero(t, reloaded.RetryCount())
	require.Zero(t, reloaded.FeedbackRating())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	s.AddMessage(ctx, "hello", true, domain.MessageMeta{})
	s.SetSessionID(ctx, "s-1")
	s.SetScreen(domain.ScreenFeedback)

	snap := s.Snapshot()
	require.Equal(t, s.UserID(), snap.UserID)
	require.Equal(t, "s-1", snap.SessionID)
	require.Len(t, snap.Messages, 1)
	require.Equal(t, domain.ScreenFeedback, snap.CurrentScreen)
	require.True(t, snap.TermsAccepted)

	snap.Messages[0].Text = "mutated"
	require.Equal(t, "hello", s.Messages()[0].Text)
}

func TestReload_PicksUpWritesFromAnotherState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	first := f.state(t, domain.Blizz)
	second := f.state(t, domain.Blizz)

	first.AddMessage(ctx, "one", true, domain.MessageMeta{})
	second.Reload(ctx)
	second.AddMessage(ctx, "two", true, domain.MessageMeta{})
	second.SetSessionID(ctx, "srv-2")

	first.IncrementRetry()
	first.SetError("chatbot_error")
	first.Reload(ctx)
	first.AddMessage(ctx, "three", true, domain.MessageMeta{})

	var texts []string
	for _, m := range f.adapter.LoadMessages(ctx) {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"one", "two", "three"}, texts)
	require.Equal(t, "srv-2", first.SessionID())
	require.Equal(t, 1, first.RetryCount())
	require.Equal(t, "chatbot_error", first.LastError())
}

func TestReload_FollowsCollapsedFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	first := f.state(t, domain.Blizz)
	second := f.state(t, domain.Blizz)

	second.SetCollapsed(ctx, true)
	first.Reload(ctx)
	require.True(t, first.IsCollapsed())
	require.Equal(t, domain.ScreenCollapsed, first.Screen())

	second.SetCollapsed(ctx, false)
	first.Reload(ctx)
	require.False(t, first.IsCollapsed())
	require.Equal(t, domain.ScreenWelcome, first.Screen())
}

func TestReload_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Blizz)
	s := f.state(t, domain.Blizz)
	f.adapter.Clear(ctx)

	s.Reload(ctx)
	require.Empty(t, s.UserID())
	_, ok := f.adapter.Get(ctx, storage.KeyUserID)
	require.False(t, ok)

	require.Equal(t, "id-2", s.EnsureUserID(ctx))
	v, ok := f.adapter.Get(ctx, storage.KeyUserID)
	require.True(t, ok)
	require.Equal(t, "id-2", v)
}

func TestLoad_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.Ivy)
	s, err := New(f.adapter, f.ids, domain.Ivy)
	require.NoError(t, err)

	s.Load(ctx)
	require.Empty(t, s.UserID())
	require.Equal(t, domain.ScreenWelcome, s.Screen())
	for _, key := range storage.Keys {
		_, ok := f.adapter.Get(ctx, key)
		require.False(t, ok, "key %s", key)
	}
}
