package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"chat-widget/internal/domain"
	"chat-widget/internal/identity"
	"chat-widget/internal/session"
	"chat-widget/internal/storage"
)

const defaultMaxInstances = 1024

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Deps are the shared pieces every widget instance is built from.
type Deps struct {
	Backend storage.Backend
	Variant domain.Variant
	IDs     session.IDGenerator
	// NewAPI builds the chatbot client bound to one instance's state.
	NewAPI  func(state *session.State) (API, error)
	Logger  *slog.Logger
	Options []Option
}

// Build wires storage, session state, chatbot client and controller for one
// instance and initializes it.
func Build(ctx context.Context, deps Deps, instanceID string) (*Controller, error) {
	ctrl, err := build(deps, instanceID)
	if err != nil {
		return nil, err
	}
	ctrl.Init(ctx)
	return ctrl, nil
}

// build wires an instance without touching storage.
func build(deps Deps, instanceID string) (*Controller, error) {
	if deps.Backend == nil {
		return nil, errors.New("widget: storage backend must not be nil")
	}
	if deps.NewAPI == nil {
		return nil, errors.New("widget: api constructor must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := deps.IDs
	if ids == nil {
		ids = identity.New()
	}

	adapter, err := storage.NewAdapter(deps.Backend, instanceID, deps.Variant.KeyPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("widget: storage adapter: %w", err)
	}
	state, err := session.New(adapter, ids, deps.Variant)
	if err != nil {
		return nil, fmt.Errorf("widget: session state: %w", err)
	}
	api, err := deps.NewAPI(state)
	if err != nil {
		return nil, fmt.Errorf("widget: api client: %w", err)
	}
	opts := append([]Option{WithLogger(logger.With("instance", instanceID))}, deps.Options...)
	return New(state, api, deps.Variant, opts...)
}

type instance struct {
	mu   sync.Mutex
	ctrl *Controller
}

// Host keeps a bounded set of controllers, one per embedding instance, and
// serializes the operations applied to each of them. Hosts sharing a backend
// stay consistent because every operation starts from the stored state.
type Host struct {
	deps      Deps
	instances *lru.Cache[string, *instance]
	builds    singleflight.Group
}

type hostOptions struct {
	maxInstances int
}

// HostOption configures a Host.
type HostOption func(*hostOptions)

// WithMaxInstances bounds how many controllers are kept in memory. The least
// recently used one is dropped first; its state remains in storage.
func WithMaxInstances(n int) HostOption {
	return func(o *hostOptions) {
		o.maxInstances = n
	}
}

// NewHost creates a Host building instances from deps.
func NewHost(deps Deps, opts ...HostOption) (*Host, error) {
	if deps.Backend == nil {
		return nil, errors.New("widget: storage backend must not be nil")
	}
	if deps.NewAPI == nil {
		return nil, errors.New("widget: api constructor must not be nil")
	}
	o := hostOptions{maxInstances: defaultMaxInstances}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxInstances <= 0 {
		o.maxInstances = defaultMaxInstances
	}
	cache, err := lru.New[string, *instance](o.maxInstances)
	if err != nil {
		return nil, fmt.Errorf("widget: instance cache: %w", err)
	}
	return &Host{deps: deps, instances: cache}, nil
}

// Do runs fn against the controller of instanceID, creating it on first use.
// The stored state is reloaded first, so fn never works from a stale copy.
func (h *Host) Do(ctx context.Context, instanceID string, fn func(*Controller) error) error {
	if !instanceIDPattern.MatchString(instanceID) {
		return newError(ErrorInvalidInput, "invalid_instance", nil)
	}
	inst, err := h.instance(ctx, instanceID)
	if err != nil {
		return newError(ErrorInternal, "instance_init", err)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.ctrl.Reload(ctx)
	return fn(inst.ctrl)
}

// View runs fn against a read-only view of instanceID. Nothing is written to
// storage and an unknown instance is not cached.
func (h *Host) View(ctx context.Context, instanceID string, fn func(*Controller) error) error {
	if !instanceIDPattern.MatchString(instanceID) {
		return newError(ErrorInvalidInput, "invalid_instance", nil)
	}
	if inst, ok := h.instances.Get(instanceID); ok {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		inst.ctrl.state.Reload(ctx)
		return fn(inst.ctrl)
	}
	ctrl, err := build(h.deps, instanceID)
	if err != nil {
		return newError(ErrorInternal, "instance_init", err)
	}
	ctrl.state.Load(ctx)
	return fn(ctrl)
}

// instance returns the cached controller or builds one. Builds run outside
// any host-wide lock; concurrent first requests for one id share a build.
func (h *Host) instance(ctx context.Context, id string) (*instance, error) {
	if inst, ok := h.instances.Get(id); ok {
		return inst, nil
	}
	v, err, _ := h.builds.Do(id, func() (any, error) {
		if inst, ok := h.instances.Get(id); ok {
			return inst, nil
		}
		ctrl, err := Build(ctx, h.deps, id)
		if err != nil {
			return nil, err
		}
		inst := &instance{ctrl: ctrl}
		h.instances.Add(id, inst)
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*instance), nil
}
