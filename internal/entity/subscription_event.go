package entity

// SubscriptionEvent is published whenever the relay's instrument set changes.
type SubscriptionEvent struct {
	Action      string           `json:"action"`
	Mode        SubscriptionMode `json:"mode,omitempty"`
	Instruments []InstrumentKey  `json:"instruments"`
	OccurredAt  int64            `json:"occurred_at"`
}
