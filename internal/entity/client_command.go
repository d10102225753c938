package entity

type ClientAction string

const (
	ClientActionSubscribe   ClientAction = "subscribe"
	ClientActionUnsubscribe ClientAction = "unsubscribe"
	ClientActionPing        ClientAction = "ping"
)

type AckStatus string

const (
	AckStatusSuccess AckStatus = "success"
	AckStatusError   AckStatus = "error"
)

const (
	AckActionSubscribed   = "subscribed"
	AckActionUnsubscribed = "unsubscribed"
	AckActionPong         = "pong"
	AckActionError        = "error"
)

// ClientCommand is an inbound command from a downstream session.
type ClientCommand struct {
	Action      ClientAction `json:"action"`
	Instruments []string     `json:"instruments"`
	Mode        string       `json:"mode"`
}

// CommandAck is the reply to a ClientCommand.
type CommandAck struct {
	Status      AckStatus       `json:"status,omitempty"`
	Action      string          `json:"action"`
	Instruments []InstrumentKey `json:"instruments,omitempty"`
	Message     string          `json:"message,omitempty"`
}
