package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/broadcast"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
)

type memoryMirror struct {
	mu      sync.Mutex
	entries map[entity.InstrumentKey]entity.SubscriptionMode
	deletes [][]entity.InstrumentKey
	failPut bool
	// maxLatency delays each write by a random duration before it lands.
	maxLatency time.Duration
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{entries: make(map[entity.InstrumentKey]entity.SubscriptionMode)}
}

func (m *memoryMirror) Name() string { return "memory" }

func (m *memoryMirror) sleep() {
	if m.maxLatency > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(m.maxLatency))))
	}
}

func (m *memoryMirror) Put(_ context.Context, subs []entity.Subscription) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("mirror unavailable")
	}
	for _, sub := range subs {
		m.entries[sub.InstrumentKey] = sub.Mode
	}
	return nil
}

func (m *memoryMirror) Delete(_ context.Context, keys []entity.InstrumentKey) error {
	m.sleep()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, append([]entity.InstrumentKey(nil), keys...))
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func newTestRelay(opts ...Option) (*Relay, *fakeLink) {
	link := newFakeLink()
	registry := subscription.NewRegistry()
	hub := broadcast.NewHub()
	sup := NewSupervisor(testSupervisorConfig(), link, registry, hub)

	return New(registry, sup, hub, opts...), link
}

func TestRelay_SubscribeDefaultsMode(t *testing.T) {
	r, _ := newTestRelay()

	keys, mode, err := r.Subscribe(context.Background(), []string{" NSE_EQ|INE155A01022 "}, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if mode != entity.SubscriptionModeFull {
		t.Errorf("mode = %s, want full", mode)
	}
	if len(keys) != 1 || keys[0] != "NSE_EQ|INE155A01022" {
		t.Errorf("keys = %v, want the trimmed key", keys)
	}

	_, mode, err = r.Subscribe(context.Background(), []string{"NSE_EQ|INE155A01022"}, "LTPC")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if mode != entity.SubscriptionModeLTPC {
		t.Errorf("mode = %s, want ltpc", mode)
	}
}

func TestRelay_SubscribeRejectsBadInput(t *testing.T) {
	r, _ := newTestRelay()

	if _, _, err := r.Subscribe(context.Background(), nil, "full"); !errors.Is(err, subscription.ErrEmptyInstruments) {
		t.Errorf("empty list err = %v, want ErrEmptyInstruments", err)
	}
	if _, _, err := r.Subscribe(context.Background(), []string{"A"}, "depth"); !errors.Is(err, subscription.ErrInvalidMode) {
		t.Errorf("bad mode err = %v, want ErrInvalidMode", err)
	}
	if r.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount = %d, want 0", r.SubscriptionCount())
	}
}

func TestRelay_MirrorsChanges(t *testing.T) {
	mirror := newMemoryMirror()
	r, _ := newTestRelay(WithMirror(mirror), WithDefaultMode(entity.SubscriptionModeOptionGreeks))

	if _, _, err := r.Subscribe(context.Background(), []string{"A", "B"}, ""); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mirror.mu.Lock()
	if mirror.entries["A"] != entity.SubscriptionModeOptionGreeks || len(mirror.entries) != 2 {
		t.Errorf("mirror = %v, want A and B in option_greeks", mirror.entries)
	}
	mirror.mu.Unlock()

	removed, err := r.RemoveInstrument(context.Background(), "A")
	if err != nil || !removed {
		t.Fatalf("RemoveInstrument = %v, %v; want true", removed, err)
	}

	mirror.mu.Lock()
	if _, ok := mirror.entries["A"]; ok {
		t.Error("A should be removed from the mirror")
	}
	mirror.mu.Unlock()

	removed, err = r.RemoveInstrument(context.Background(), "A")
	if err != nil || removed {
		t.Errorf("second RemoveInstrument = %v, %v; want false", removed, err)
	}
}

func TestRelay_MirrorFailureDoesNotFailSubscribe(t *testing.T) {
	mirror := newMemoryMirror()
	mirror.failPut = true
	r, _ := newTestRelay(WithMirror(mirror))

	if _, _, err := r.Subscribe(context.Background(), []string{"A"}, "full"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if r.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", r.SubscriptionCount())
	}
}

func TestRelay_UnsubscribeSendsFrameWhileListening(t *testing.T) {
	r, link := newTestRelay()
	r.Start(context.Background())
	defer r.Shutdown()

	waitFor(t, "listening", func() bool { return r.State() == StateListening })

	if _, _, err := r.Subscribe(context.Background(), []string{"A", "B"}, "full"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	keys, removed, err := r.Unsubscribe(context.Background(), []string{"A", "X_NOT_SUBSCRIBED"})
	if err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if removed != 1 || len(keys) != 2 {
		t.Errorf("Unsubscribe = %v, %d; want 2 keys acted on and 1 removed", keys, removed)
	}

	unsub := keysOf(link.sentSnapshot(), entity.ControlMethodUnsubscribe)
	if _, ok := unsub["A"]; !ok {
		t.Errorf("unsub frame missing A: %v", unsub)
	}

	subs := r.Subscriptions()
	if len(subs) != 1 || subs[0].InstrumentKey != "B" {
		t.Errorf("Subscriptions = %v, want only B", subs)
	}
}

func TestRelay_MirrorMatchesRegistryUnderConcurrentCommands(t *testing.T) {
	mirror := newMemoryMirror()
	mirror.maxLatency = 300 * time.Microsecond
	r, _ := newTestRelay(WithMirror(mirror))
	ctx := context.Background()

	for round := 0; round < 200; round++ {
		key := fmt.Sprintf("NSE_EQ|ROUND%d", round)

		var wg sync.WaitGroup
		wg.Add(2)
		if round%2 == 0 {
			go func() {
				defer wg.Done()
				_, _, _ = r.Subscribe(ctx, []string{key}, "ltpc")
			}()
			go func() {
				defer wg.Done()
				_, _, _ = r.Subscribe(ctx, []string{key}, "full")
			}()
		} else {
			go func() {
				defer wg.Done()
				_, _, _ = r.Subscribe(ctx, []string{key}, "full")
			}()
			go func() {
				defer wg.Done()
				_, _, _ = r.Unsubscribe(ctx, []string{key})
			}()
		}
		wg.Wait()

		registryMode, inRegistry := r.registry.Mode(entity.InstrumentKey(key))

		mirror.mu.Lock()
		mirrorMode, inMirror := mirror.entries[entity.InstrumentKey(key)]
		mirror.mu.Unlock()

		if inRegistry != inMirror {
			t.Fatalf("round %d: registry presence %v, mirror presence %v", round, inRegistry, inMirror)
		}
		if registryMode != mirrorMode {
			t.Fatalf("round %d: registry mode %q, mirror mode %q", round, registryMode, mirrorMode)
		}
	}
}

func TestRelay_UnsubscribeMirrorsOnlyRemovedKeys(t *testing.T) {
	mirror := newMemoryMirror()
	r, _ := newTestRelay(WithMirror(mirror))
	ctx := context.Background()

	if _, _, err := r.Subscribe(ctx, []string{"A", "B"}, "full"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, removed, err := r.Unsubscribe(ctx, []string{"A", "NEVER_SUBSCRIBED"}); err != nil || removed != 1 {
		t.Fatalf("Unsubscribe = %d, %v; want 1 removed", removed, err)
	}
	if _, removed, err := r.Unsubscribe(ctx, []string{"NEVER_SUBSCRIBED"}); err != nil || removed != 0 {
		t.Fatalf("Unsubscribe = %d, %v; want 0 removed", removed, err)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.deletes) != 1 {
		t.Fatalf("mirror deletes = %v, want exactly one", mirror.deletes)
	}
	if got := mirror.deletes[0]; len(got) != 1 || got[0] != "A" {
		t.Errorf("mirror delete = %v, want [A]", got)
	}
}
