package subscription

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/krobus00/market-feed-relay/internal/entity"
)

var (
	ErrEmptyInstruments  = errors.New("instrument list is empty")
	ErrInvalidInstrument = errors.New("invalid instrument key")
	ErrInvalidMode       = errors.New("invalid subscription mode")
)

// Registry is the authoritative set of desired instruments. It survives
// upstream reconnects and is replayed to the feed after each one.
type Registry struct {
	mu      sync.Mutex
	entries map[entity.InstrumentKey]entity.SubscriptionMode

	count atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[entity.InstrumentKey]entity.SubscriptionMode),
	}
}

// NormalizeKeys trims and deduplicates raw keys, keeping first-seen order.
func NormalizeKeys(raw []string) ([]entity.InstrumentKey, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyInstruments
	}

	seen := make(map[entity.InstrumentKey]struct{}, len(raw))
	keys := make([]entity.InstrumentKey, 0, len(raw))
	for _, v := range raw {
		key := entity.InstrumentKey(strings.TrimSpace(v))
		if key == "" {
			return nil, ErrInvalidInstrument
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys, nil
}

// Add inserts keys or overwrites their mode. It returns the keys it was given,
// not the subset that was new.
func (r *Registry) Add(keys []entity.InstrumentKey, mode entity.SubscriptionMode) []entity.InstrumentKey {
	r.mu.Lock()
	for _, key := range keys {
		r.entries[key] = mode
	}
	r.count.Store(int64(len(r.entries)))
	r.mu.Unlock()

	return keys
}

// Remove deletes keys and returns how many were present.
func (r *Registry) Remove(keys []entity.InstrumentKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if _, ok := r.entries[key]; !ok {
			continue
		}
		delete(r.entries, key)
		removed++
	}
	r.count.Store(int64(len(r.entries)))

	return removed
}

// Restore bulk-loads persisted entries, skipping any with an invalid key or mode.
func (r *Registry) Restore(subs []entity.Subscription) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, sub := range subs {
		key := entity.InstrumentKey(strings.TrimSpace(sub.InstrumentKey.String()))
		if key == "" || !sub.Mode.Valid() {
			continue
		}
		r.entries[key] = sub.Mode
		restored++
	}
	r.count.Store(int64(len(r.entries)))

	return restored
}

// Snapshot returns the current entries sorted by instrument key.
func (r *Registry) Snapshot() []entity.Subscription {
	r.mu.Lock()
	subs := make([]entity.Subscription, 0, len(r.entries))
	for key, mode := range r.entries {
		subs = append(subs, entity.Subscription{InstrumentKey: key, Mode: mode})
	}
	r.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].InstrumentKey < subs[j].InstrumentKey
	})

	return subs
}

func (r *Registry) Mode(key entity.InstrumentKey) (entity.SubscriptionMode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mode, ok := r.entries[key]
	return mode, ok
}

// Count is lock-free and may lag a concurrent mutation.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

func (r *Registry) List() []entity.InstrumentKey {
	subs := r.Snapshot()
	keys := make([]entity.InstrumentKey, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, sub.InstrumentKey)
	}

	return keys
}

// GroupByMode splits a snapshot into per-mode key lists, each sorted.
func GroupByMode(subs []entity.Subscription) map[entity.SubscriptionMode][]entity.InstrumentKey {
	grouped := make(map[entity.SubscriptionMode][]entity.InstrumentKey)
	for _, sub := range subs {
		grouped[sub.Mode] = append(grouped[sub.Mode], sub.InstrumentKey)
	}

	return grouped
}
