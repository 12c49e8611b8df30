// Package storage persists widget state as string values under a fixed set of
// logical keys, standing in for the browser's local storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"chat-widget/internal/domain"
)

// Key is a logical storage key. The physical key is the variant prefix
// followed by the logical name.
type Key string

const (
	KeyUserID        Key = "user_id"
	KeySessionID     Key = "session_id"
	KeyMessages      Key = "messages"
	KeyTermsAccepted Key = "terms_accepted"
	KeyCollapsed     Key = "collapsed"
)

// Keys lists every logical key the widget writes.
var Keys = []Key{KeyUserID, KeySessionID, KeyMessages, KeyTermsAccepted, KeyCollapsed}

// Backend is a namespaced string key-value store. Each embedding instance of
// the widget gets its own namespace. Implementations must be safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	Remove(ctx context.Context, namespace, key string) error
}

// Adapter exposes the logical keys of one namespace. Failures never reach the
// caller: they are logged and the operation degrades to a safe default.
type Adapter struct {
	backend   Backend
	namespace string
	prefix    string
	logger    *slog.Logger
}

// NewAdapter binds backend to one namespace and key prefix.
func NewAdapter(backend Backend, namespace, prefix string, logger *slog.Logger) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("storage: backend must not be nil")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("storage: namespace must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		backend:   backend,
		namespace: namespace,
		prefix:    prefix,
		logger:    logger.With("namespace", namespace),
	}, nil
}

func (a *Adapter) physical(key Key) string {
	return a.prefix + string(key)
}

// Get returns the stored value and whether it was present. Read errors are
// reported as absent.
func (a *Adapter) Get(ctx context.Context, key Key) (string, bool) {
	v, ok, err := a.backend.Get(ctx, a.namespace, a.physical(key))
	if err != nil {
		a.logger.Warn("storage read failed", "key", key, "err", err)
		return "", false
	}
	return v, ok
}

// Set writes value under key.
func (a *Adapter) Set(ctx context.Context, key Key, value string) {
	if err := a.backend.Set(ctx, a.namespace, a.physical(key), value); err != nil {
		a.logger.Error("storage write failed", "key", key, "err", err)
	}
}

// Remove deletes key. Removing an absent key is not an error.
func (a *Adapter) Remove(ctx context.Context, key Key) {
	if err := a.backend.Remove(ctx, a.namespace, a.physical(key)); err != nil {
		a.logger.Error("storage remove failed", "key", key, "err", err)
	}
}

// LoadMessages decodes the persisted message log. Missing or corrupt data
// yields an empty sequence.
func (a *Adapter) LoadMessages(ctx context.Context) []domain.Message {
	raw, ok := a.Get(ctx, KeyMessages)
	if !ok || strings.TrimSpace(raw) == "" {
		return []domain.Message{}
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		a.logger.Warn("discarding corrupt message log", "err", err)
		return []domain.Message{}
	}
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}

// SaveMessages replaces the persisted message log. The log is encoded before
// anything is written so an encoding failure leaves the old value in place.
func (a *Adapter) SaveMessages(ctx context.Context, msgs []domain.Message) {
	if msgs == nil {
		msgs = []domain.Message{}
	}
	buf, err := json.Marshal(msgs)
	if err != nil {
		a.logger.Error("encode message log", "err", err)
		return
	}
	a.Set(ctx, KeyMessages, string(buf))
}

// Clear removes every logical key of the namespace.
func (a *Adapter) Clear(ctx context.Context) {
	for _, k := range Keys {
		a.Remove(ctx, k)
	}
}
