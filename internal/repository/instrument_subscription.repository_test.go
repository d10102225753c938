package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/krobus00/market-feed-relay/internal/entity"
)

func TestUpsertSubscriptionsQuery(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	subs := []entity.Subscription{
		{InstrumentKey: "NSE_EQ|INE155A01022", Mode: entity.SubscriptionModeLTPC},
		{InstrumentKey: "NSE_EQ|INE208A01029", Mode: entity.SubscriptionModeFull},
	}

	query, args, err := upsertSubscriptionsQuery(subs, now)
	if err != nil {
		t.Fatalf("upsertSubscriptionsQuery failed: %v", err)
	}

	if !strings.HasPrefix(query, "INSERT INTO instrument_subscriptions") {
		t.Errorf("query = %s", query)
	}
	if !strings.Contains(query, "ON CONFLICT (instrument_key)") {
		t.Errorf("query should upsert on instrument_key: %s", query)
	}
	if !strings.Contains(query, "$12") || strings.Contains(query, "$13") {
		t.Errorf("query should carry 12 placeholders: %s", query)
	}
	if len(args) != 12 {
		t.Fatalf("args = %d, want 12", len(args))
	}
	if args[0] != "NSE_EQ|INE155A01022" || args[1] != "ltpc" || args[7] != "full" {
		t.Errorf("args = %v", args)
	}
}

func TestDeactivateSubscriptionsQuery(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	query, args, err := deactivateSubscriptionsQuery([]entity.InstrumentKey{"A", "B"}, now)
	if err != nil {
		t.Fatalf("deactivateSubscriptionsQuery failed: %v", err)
	}

	if !strings.HasPrefix(query, "UPDATE instrument_subscriptions SET is_active = $1") {
		t.Errorf("query = %s", query)
	}
	if !strings.Contains(query, "instrument_key IN") {
		t.Errorf("query should filter by instrument_key: %s", query)
	}
	if args[0] != false {
		t.Errorf("first arg = %v, want false", args[0])
	}
}

func TestActiveSubscriptionsQuery(t *testing.T) {
	query, args, err := activeSubscriptionsQuery()
	if err != nil {
		t.Fatalf("activeSubscriptionsQuery failed: %v", err)
	}

	if query != "SELECT * FROM instrument_subscriptions WHERE is_active = $1 ORDER BY created_at asc" {
		t.Errorf("query = %s", query)
	}
	if len(args) != 1 || args[0] != true {
		t.Errorf("args = %v", args)
	}
}
