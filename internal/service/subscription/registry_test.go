package subscription

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/krobus00/market-feed-relay/internal/entity"
)

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Add([]entity.InstrumentKey{"NSE_EQ|INE155A01022"}, entity.SubscriptionModeFull)
	got := r.Add([]entity.InstrumentKey{"NSE_EQ|INE155A01022", "NSE_EQ|INE208A01029"}, entity.SubscriptionModeFull)

	if len(got) != 2 {
		t.Errorf("Add returned %d keys, want the 2 keys passed", len(got))
	}

	snapshot := r.Snapshot()
	want := []entity.Subscription{
		{InstrumentKey: "NSE_EQ|INE155A01022", Mode: entity.SubscriptionModeFull},
		{InstrumentKey: "NSE_EQ|INE208A01029", Mode: entity.SubscriptionModeFull},
	}
	if len(snapshot) != len(want) {
		t.Fatalf("snapshot has %d entries, want %d", len(snapshot), len(want))
	}
	for i := range want {
		if snapshot[i] != want[i] {
			t.Errorf("snapshot[%d] = %+v, want %+v", i, snapshot[i], want[i])
		}
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
}

func TestRegistry_AddUpdatesMode(t *testing.T) {
	r := NewRegistry()

	r.Add([]entity.InstrumentKey{"NSE_FO|45450"}, entity.SubscriptionModeLTPC)
	r.Add([]entity.InstrumentKey{"NSE_FO|45450"}, entity.SubscriptionModeOptionGreeks)

	mode, ok := r.Mode("NSE_FO|45450")
	if !ok {
		t.Fatal("expected key to be present")
	}
	if mode != entity.SubscriptionModeOptionGreeks {
		t.Errorf("mode = %s, want %s", mode, entity.SubscriptionModeOptionGreeks)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistry_RemoveAbsentKey(t *testing.T) {
	r := NewRegistry()

	if removed := r.Remove([]entity.InstrumentKey{"X_NOT_SUBSCRIBED"}); removed != 0 {
		t.Errorf("Remove returned %d, want 0", removed)
	}

	r.Add([]entity.InstrumentKey{"NSE_EQ|INE155A01022"}, entity.SubscriptionModeFull)
	if removed := r.Remove([]entity.InstrumentKey{"NSE_EQ|INE155A01022", "X_NOT_SUBSCRIBED"}); removed != 1 {
		t.Errorf("Remove returned %d, want 1", removed)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestRegistry_SnapshotMatchesSetDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	keys := make([]entity.InstrumentKey, 20)
	for i := range keys {
		keys[i] = entity.InstrumentKey(fmt.Sprintf("NSE_EQ|INE%06d", i))
	}
	modes := []entity.SubscriptionMode{
		entity.SubscriptionModeLTPC,
		entity.SubscriptionModeFull,
		entity.SubscriptionModeOptionGreeks,
	}

	for round := 0; round < 50; round++ {
		r := NewRegistry()
		model := make(map[entity.InstrumentKey]entity.SubscriptionMode)

		for op := 0; op < 100; op++ {
			batch := make([]entity.InstrumentKey, rng.Intn(5)+1)
			for i := range batch {
				batch[i] = keys[rng.Intn(len(keys))]
			}

			if rng.Intn(3) == 0 {
				r.Remove(batch)
				for _, k := range batch {
					delete(model, k)
				}
				continue
			}

			mode := modes[rng.Intn(len(modes))]
			r.Add(batch, mode)
			for _, k := range batch {
				model[k] = mode
			}
		}

		snapshot := r.Snapshot()
		if len(snapshot) != len(model) {
			t.Fatalf("round %d: snapshot has %d entries, model has %d", round, len(snapshot), len(model))
		}
		for i, sub := range snapshot {
			if i > 0 && snapshot[i-1].InstrumentKey >= sub.InstrumentKey {
				t.Fatalf("round %d: snapshot not sorted at %d", round, i)
			}
			if model[sub.InstrumentKey] != sub.Mode {
				t.Fatalf("round %d: %s mode = %s, want %s", round, sub.InstrumentKey, sub.Mode, model[sub.InstrumentKey])
			}
		}
	}
}

func TestRegistry_ConcurrentMutations(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := entity.InstrumentKey(fmt.Sprintf("NSE_EQ|W%d-%d", w, i))
				r.Add([]entity.InstrumentKey{key}, entity.SubscriptionModeFull)
				if i%2 == 0 {
					r.Remove([]entity.InstrumentKey{key})
				}
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	if got := len(r.Snapshot()); got != 8*100 {
		t.Errorf("snapshot has %d entries, want %d", got, 8*100)
	}
	if r.Count() != 8*100 {
		t.Errorf("Count = %d, want %d", r.Count(), 8*100)
	}
}

func TestRegistry_Restore(t *testing.T) {
	r := NewRegistry()

	restored := r.Restore([]entity.Subscription{
		{InstrumentKey: "NSE_EQ|INE155A01022", Mode: entity.SubscriptionModeFull},
		{InstrumentKey: " ", Mode: entity.SubscriptionModeFull},
		{InstrumentKey: "NSE_EQ|INE208A01029", Mode: "bogus"},
	})

	if restored != 1 {
		t.Errorf("Restore returned %d, want 1", restored)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestNormalizeKeys(t *testing.T) {
	keys, err := NormalizeKeys([]string{" NSE_EQ|A ", "NSE_EQ|B", "NSE_EQ|A"})
	if err != nil {
		t.Fatalf("NormalizeKeys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "NSE_EQ|A" || keys[1] != "NSE_EQ|B" {
		t.Errorf("keys = %v, want [NSE_EQ|A NSE_EQ|B]", keys)
	}

	if _, err := NormalizeKeys(nil); !errors.Is(err, ErrEmptyInstruments) {
		t.Errorf("expected ErrEmptyInstruments, got %v", err)
	}
	if _, err := NormalizeKeys([]string{"NSE_EQ|A", ""}); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("expected ErrInvalidInstrument, got %v", err)
	}
}

func TestGroupByMode(t *testing.T) {
	grouped := GroupByMode([]entity.Subscription{
		{InstrumentKey: "A", Mode: entity.SubscriptionModeFull},
		{InstrumentKey: "B", Mode: entity.SubscriptionModeLTPC},
		{InstrumentKey: "C", Mode: entity.SubscriptionModeFull},
	})

	if len(grouped[entity.SubscriptionModeFull]) != 2 {
		t.Errorf("full group = %v, want 2 keys", grouped[entity.SubscriptionModeFull])
	}
	if len(grouped[entity.SubscriptionModeLTPC]) != 1 {
		t.Errorf("ltpc group = %v, want 1 key", grouped[entity.SubscriptionModeLTPC])
	}
}
