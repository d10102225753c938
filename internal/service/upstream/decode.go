package upstream

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-feed-relay/internal/entity"
)

var errNotStructuredText = errors.New("text frame is not valid json")

// DecodeFrame classifies a raw websocket message. Structured text becomes a
// JSON frame (or a control ack when it echoes a guid); anything else received
// as binary is passed on as an opaque binary frame. Text that does not parse is
// a protocol error.
func DecodeFrame(messageType int, data []byte, receivedAt time.Time) (entity.FeedFrame, error) {
	if len(data) > 0 && json.Valid(data) {
		kind := entity.FrameKindJSON
		if isControlAck(data) {
			kind = entity.FrameKindControlAck
		}

		return entity.FeedFrame{Kind: kind, Payload: data, ReceivedAt: receivedAt}, nil
	}

	if messageType == websocket.TextMessage {
		return entity.FeedFrame{}, &ProtocolError{Size: len(data), Err: errNotStructuredText}
	}

	return entity.FeedFrame{Kind: entity.FrameKindBinary, Payload: data, ReceivedAt: receivedAt}, nil
}

func isControlAck(data []byte) bool {
	var probe struct {
		GUID string `json:"guid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}

	return probe.GUID != ""
}
