package upstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrIdle              = errors.New("no upstream frame within receive timeout")
	ErrClosed            = errors.New("upstream connection closed")
	ErrNotConnected      = errors.New("upstream not connected")
	ErrMissingCredential = errors.New("upstream credential is empty")
	ErrEmptyControlKeys  = errors.New("control frame has no instrument keys")
	ErrInvalidControl    = errors.New("invalid control frame")
)

type ConnectionErrorKind int

const (
	ConnectionUnreachable ConnectionErrorKind = iota + 1
	ConnectionAuthRejected
	ConnectionTimeout
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnectionUnreachable:
		return "unreachable"
	case ConnectionAuthRejected:
		return "auth_rejected"
	case ConnectionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ConnectionError is returned by Connect; it is fatal to the attempt only.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError marks a single malformed frame. The link stays up.
type ProtocolError struct {
	Size int
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed upstream frame (%d bytes): %v", e.Size, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkClosing
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type LinkConfig struct {
	URL            string        // e.g. wss://api.upstox.com/v2/feed/market-data-feed
	ConnectTimeout time.Duration // Handshake deadline
	PingInterval   time.Duration // Keep-alive ping period, 0 disables
	WriteTimeout   time.Duration // Write deadline for control frames and pings
	BufferSize     int           // Frames buffered between the read pump and ReceiveNext
}

func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1024,
	}
}
