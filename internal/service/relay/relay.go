package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/broadcast"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
	"github.com/sirupsen/logrus"
)

// Mirror persists registry changes outside the process (redis, postgres).
// Mirror failures are logged and never fail a client command.
type Mirror interface {
	Name() string
	Put(ctx context.Context, subs []entity.Subscription) error
	Delete(ctx context.Context, keys []entity.InstrumentKey) error
}

// Relay is the context handed to handlers: registry, supervisor and hub plus
// any mirrors.
type Relay struct {
	// commandMu orders registry mutations and mirror writes together so every
	// mirror sees changes in the order the registry applied them.
	commandMu sync.Mutex

	registry    *subscription.Registry
	supervisor  *Supervisor
	hub         *broadcast.Hub
	mirrors     []Mirror
	defaultMode entity.SubscriptionMode
}

type Option func(*Relay)

func WithMirror(m Mirror) Option {
	return func(r *Relay) {
		r.mirrors = append(r.mirrors, m)
	}
}

func WithDefaultMode(mode entity.SubscriptionMode) Option {
	return func(r *Relay) {
		if mode.Valid() {
			r.defaultMode = mode
		}
	}
}

func New(registry *subscription.Registry, supervisor *Supervisor, hub *broadcast.Hub, opts ...Option) *Relay {
	r := &Relay{
		registry:    registry,
		supervisor:  supervisor,
		hub:         hub,
		defaultMode: entity.SubscriptionModeFull,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Relay) Hub() *broadcast.Hub {
	return r.hub
}

func (r *Relay) Supervisor() *Supervisor {
	return r.supervisor
}

func (r *Relay) DefaultMode() entity.SubscriptionMode {
	return r.defaultMode
}

// ResolveMode parses a client mode. An empty mode means the default.
func (r *Relay) ResolveMode(raw string) (entity.SubscriptionMode, error) {
	if strings.TrimSpace(raw) == "" {
		return r.defaultMode, nil
	}

	mode, ok := entity.ParseSubscriptionMode(raw)
	if !ok {
		return "", fmt.Errorf("%w: %q", subscription.ErrInvalidMode, raw)
	}

	return mode, nil
}

// Subscribe validates raw keys and mode, then adds them. The returned keys are
// the exact keys acted on.
func (r *Relay) Subscribe(ctx context.Context, rawKeys []string, rawMode string) ([]entity.InstrumentKey, entity.SubscriptionMode, error) {
	keys, err := subscription.NormalizeKeys(rawKeys)
	if err != nil {
		return nil, "", err
	}

	mode, err := r.ResolveMode(rawMode)
	if err != nil {
		return nil, "", err
	}

	r.commandMu.Lock()
	defer r.commandMu.Unlock()

	added := r.supervisor.Subscribe(ctx, keys, mode)

	subs := make([]entity.Subscription, 0, len(added))
	for _, key := range added {
		subs = append(subs, entity.Subscription{InstrumentKey: key, Mode: mode})
	}
	for _, m := range r.mirrors {
		if err := m.Put(ctx, subs); err != nil {
			logrus.WithField("mirror", m.Name()).Warnf("mirror subscribe failed: %v", err)
		}
	}

	return added, mode, nil
}

// Unsubscribe removes raw keys. It returns the keys acted on and how many were
// actually subscribed. Mirrors only see the keys that were present.
func (r *Relay) Unsubscribe(ctx context.Context, rawKeys []string) ([]entity.InstrumentKey, int, error) {
	keys, err := subscription.NormalizeKeys(rawKeys)
	if err != nil {
		return nil, 0, err
	}

	r.commandMu.Lock()
	defer r.commandMu.Unlock()

	present := make([]entity.InstrumentKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := r.registry.Mode(key); ok {
			present = append(present, key)
		}
	}

	removed := r.supervisor.Unsubscribe(ctx, keys)
	if len(present) == 0 {
		return keys, removed, nil
	}

	for _, m := range r.mirrors {
		if err := m.Delete(ctx, present); err != nil {
			logrus.WithField("mirror", m.Name()).Warnf("mirror unsubscribe failed: %v", err)
		}
	}

	return keys, removed, nil
}

// RemoveInstrument drops a single key and reports whether it was subscribed.
func (r *Relay) RemoveInstrument(ctx context.Context, key string) (bool, error) {
	_, removed, err := r.Unsubscribe(ctx, []string{key})
	if err != nil {
		return false, err
	}

	return removed > 0, nil
}

func (r *Relay) Subscriptions() []entity.Subscription {
	return r.registry.Snapshot()
}

func (r *Relay) SubscriptionCount() int {
	return r.registry.Count()
}

func (r *Relay) SessionCount() int {
	return r.hub.SessionCount()
}

func (r *Relay) State() State {
	return r.supervisor.State()
}

func (r *Relay) Restart() {
	r.supervisor.Restart()
}

func (r *Relay) Start(ctx context.Context) {
	r.supervisor.Start(ctx)
}

// Shutdown stops the supervisor and closes every downstream session.
func (r *Relay) Shutdown() {
	r.supervisor.Stop()
	r.hub.CloseAll()
}
