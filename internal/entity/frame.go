package entity

import "time"

type FrameKind int

const (
	FrameKindJSON FrameKind = iota + 1
	FrameKindBinary
	FrameKindControlAck
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindJSON:
		return "json"
	case FrameKindBinary:
		return "binary"
	case FrameKindControlAck:
		return "control_ack"
	default:
		return "unknown"
	}
}

// FeedFrame is a single message received from the upstream feed. A frame is
// shared by every session it is delivered to and must not be mutated.
type FeedFrame struct {
	Kind       FrameKind
	Payload    []byte
	ReceivedAt time.Time
}

func (f FeedFrame) Size() int {
	return len(f.Payload)
}

// BinaryFrameNotice is what downstream clients receive for an opaque binary
// frame when raw passthrough is disabled.
type BinaryFrameNotice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Size    int    `json:"size"`
}

func NewBinaryFrameNotice(size int) BinaryFrameNotice {
	return BinaryFrameNotice{
		Type:    "binary_data",
		Message: "Binary market data received",
		Size:    size,
	}
}
