package entity

import "strings"

// InstrumentKey is an exchange-qualified instrument identifier, e.g. NSE_EQ|INE155A01022.
type InstrumentKey string

func (k InstrumentKey) String() string {
	return string(k)
}

type SubscriptionMode string

const (
	SubscriptionModeLTPC         SubscriptionMode = "ltpc"
	SubscriptionModeFull         SubscriptionMode = "full"
	SubscriptionModeOptionGreeks SubscriptionMode = "option_greeks"
)

func (m SubscriptionMode) Valid() bool {
	switch m {
	case SubscriptionModeLTPC, SubscriptionModeFull, SubscriptionModeOptionGreeks:
		return true
	default:
		return false
	}
}

func ParseSubscriptionMode(raw string) (SubscriptionMode, bool) {
	mode := SubscriptionMode(strings.ToLower(strings.TrimSpace(raw)))
	if !mode.Valid() {
		return "", false
	}

	return mode, true
}

// Subscription is one registry entry as replayed to the upstream.
type Subscription struct {
	InstrumentKey InstrumentKey    `json:"instrument_key"`
	Mode          SubscriptionMode `json:"mode"`
}
