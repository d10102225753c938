package entity

type ControlMethod string

const (
	ControlMethodSubscribe   ControlMethod = "sub"
	ControlMethodUnsubscribe ControlMethod = "unsub"
)

// ControlRequest is what callers hand to the upstream link; the link assigns the guid.
type ControlRequest struct {
	Method ControlMethod
	Mode   SubscriptionMode
	Keys   []InstrumentKey
}

// ControlFrame is the wire format of a control message sent to the upstream feed.
type ControlFrame struct {
	GUID   string           `json:"guid"`
	Method ControlMethod    `json:"method"`
	Data   ControlFrameData `json:"data"`
}

type ControlFrameData struct {
	Mode           SubscriptionMode `json:"mode,omitempty"`
	InstrumentKeys []InstrumentKey  `json:"instrumentKeys"`
}
