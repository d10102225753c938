package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/sirupsen/logrus"
)

type inbound struct {
	messageType int
	data        []byte
	receivedAt  time.Time
	err         error
}

// session is everything tied to one live socket.
type session struct {
	conn     *websocket.Conn
	incoming chan inbound
	done     chan struct{}
	once     sync.Once
}

func (s *session) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Link owns the single streaming connection to the upstream feed. Connect,
// SendControl and ReceiveNext are meant to be driven by one owner (the
// supervisor); State and Close are safe from anywhere.
type Link struct {
	cfg         LinkConfig
	credentials CredentialProvider
	dialer      *websocket.Dialer

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu      sync.RWMutex
	state   LinkState
	current *session
}

func NewLink(cfg LinkConfig, credentials CredentialProvider) *Link {
	defaults := DefaultLinkConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}

	return &Link{
		cfg:         cfg,
		credentials: credentials,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		state: LinkDisconnected,
	}
}

// Connect dials the feed with a bearer credential. An existing socket is closed
// first so the link never holds more than one.
func (l *Link) Connect(ctx context.Context) error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	l.closeCurrent()
	l.setState(LinkConnecting)

	if l.credentials == nil {
		l.setState(LinkDisconnected)
		return &ConnectionError{Kind: ConnectionAuthRejected, Err: ErrMissingCredential}
	}

	token, err := l.credentials.Token(ctx)
	if err != nil {
		l.setState(LinkDisconnected)
		return &ConnectionError{Kind: ConnectionAuthRejected, Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/json")

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	logrus.Infof("connecting to %s", l.cfg.URL)
	conn, resp, err := l.dialer.DialContext(dialCtx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		l.setState(LinkDisconnected)
		return classifyDialError(resp, err)
	}

	s := &session{
		conn:     conn,
		incoming: make(chan inbound, l.cfg.BufferSize),
		done:     make(chan struct{}),
	}

	l.mu.Lock()
	l.current = s
	l.state = LinkConnected
	l.mu.Unlock()

	go l.readPump(s)
	if l.cfg.PingInterval > 0 {
		go l.keepAlive(s)
	}

	logrus.WithField("url", l.cfg.URL).Info("upstream feed connected")

	return nil
}

// SendControl writes a sub/unsub frame with a fresh guid and returns that guid.
func (l *Link) SendControl(ctx context.Context, req entity.ControlRequest) (string, error) {
	if len(req.Keys) == 0 {
		return "", ErrEmptyControlKeys
	}

	data := entity.ControlFrameData{InstrumentKeys: req.Keys}
	switch req.Method {
	case entity.ControlMethodSubscribe:
		if !req.Mode.Valid() {
			return "", fmt.Errorf("%w: mode %q", ErrInvalidControl, req.Mode)
		}
		data.Mode = req.Mode
	case entity.ControlMethodUnsubscribe:
	default:
		return "", fmt.Errorf("%w: method %q", ErrInvalidControl, req.Method)
	}

	frame := entity.ControlFrame{
		GUID:   uuid.NewString(),
		Method: req.Method,
		Data:   data,
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return "", err
	}

	s := l.session()
	if s == nil {
		return "", ErrNotConnected
	}

	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return "", fmt.Errorf("send control frame: %w", err)
	}

	return frame.GUID, nil
}

// ReceiveNext waits up to timeout for the next frame. ErrIdle leaves the
// connection untouched; ErrClosed means the socket is gone.
func (l *Link) ReceiveNext(timeout time.Duration) (entity.FeedFrame, error) {
	s := l.session()
	if s == nil {
		return entity.FeedFrame{}, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.incoming:
		if msg.err != nil {
			l.dropSession(s)
			return entity.FeedFrame{}, fmt.Errorf("%w: %v", ErrClosed, msg.err)
		}
		return DecodeFrame(msg.messageType, msg.data, msg.receivedAt)
	case <-s.done:
		return entity.FeedFrame{}, ErrClosed
	case <-timer.C:
		return entity.FeedFrame{}, ErrIdle
	}
}

// Close shuts the current socket down. Safe to call repeatedly.
func (l *Link) Close() error {
	l.connectMu.Lock()
	defer l.connectMu.Unlock()

	return l.closeCurrent()
}

func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) session() *session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Link) setState(state LinkState) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *Link) closeCurrent() error {
	l.mu.Lock()
	s := l.current
	if s == nil {
		l.mu.Unlock()
		return nil
	}
	l.state = LinkClosing
	l.mu.Unlock()

	s.stop()

	l.writeMu.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	l.writeMu.Unlock()
	err := s.conn.Close()

	l.mu.Lock()
	if l.current == s {
		l.current = nil
	}
	l.state = LinkDisconnected
	l.mu.Unlock()

	return err
}

// dropSession forgets a socket that already failed without trying to say goodbye.
func (l *Link) dropSession(s *session) {
	s.stop()
	_ = s.conn.Close()

	l.mu.Lock()
	if l.current == s {
		l.current = nil
		l.state = LinkDisconnected
	}
	l.mu.Unlock()
}

func (l *Link) readPump(s *session) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		receivedAt := time.Now()

		msg := inbound{messageType: messageType, data: data, receivedAt: receivedAt, err: err}
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}

		if err != nil {
			return
		}
	}
}

func (l *Link) keepAlive(s *session) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logrus.Warnf("upstream ping failed, closing connection: %v", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}

func classifyDialError(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &ConnectionError{Kind: ConnectionAuthRejected, Err: fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectionError{Kind: ConnectionTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectionError{Kind: ConnectionTimeout, Err: err}
	}

	return &ConnectionError{Kind: ConnectionUnreachable, Err: err}
}
