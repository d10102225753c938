package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/broadcast"
	"github.com/krobus00/market-feed-relay/internal/service/relay"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type Options struct {
	QueueSize         int
	BinaryPassthrough bool
}

type Handler struct {
	relay    *relay.Relay
	hub      *broadcast.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewMarketFeedWSHandler(r *relay.Relay, opts Options) *Handler {
	return &Handler{
		relay: r,
		hub:   r.Hub(),
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// downstream auth happens in front of the relay
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/market-feed/v1/ws", h.Serve)
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("failed to upgrade websocket: %v", err)
		return
	}

	session := broadcast.NewSession(h.opts.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		handler: h,
		conn:    conn,
		session: session,
		ctx:     ctx,
		cancel:  cancel,
		logger: logrus.WithFields(logrus.Fields{
			"session_id": session.ID(),
			"remote":     r.RemoteAddr,
		}),
	}

	h.hub.Register(session)
	c.logger.Info("client connected")

	go c.writePump()
	go c.readPump()
}

type client struct {
	handler *Handler
	conn    *websocket.Conn
	session *broadcast.Session
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Entry
}

// readPump handles inbound commands and owns the session's teardown.
func (c *client) readPump() {
	defer func() {
		c.handler.hub.Unregister(c.session.ID())
		c.cancel()
		_ = c.conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("websocket read error: %v", err)
			}
			return
		}

		ack := c.handleCommand(message)
		if err := c.session.Reply(ack); err != nil {
			c.logger.Warnf("drop slow client: %v", err)
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case item := <-c.session.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.write(item); err != nil {
				c.logger.Warnf("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.session.Done():
			// evicted clients are dropped without a close frame
			if c.session.Evicted() {
				c.logger.Warn("client evicted, dropping connection")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) write(item broadcast.Outbound) error {
	if item.Reply != nil {
		payload, err := json.Marshal(item.Reply)
		if err != nil {
			return err
		}
		return c.conn.WriteMessage(websocket.TextMessage, payload)
	}

	frame := item.Frame
	if frame.Kind != entity.FrameKindBinary {
		return c.conn.WriteMessage(websocket.TextMessage, frame.Payload)
	}

	if c.handler.opts.BinaryPassthrough {
		return c.conn.WriteMessage(websocket.BinaryMessage, frame.Payload)
	}

	payload, err := json.Marshal(entity.NewBinaryFrameNotice(frame.Size()))
	if err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) handleCommand(message []byte) entity.CommandAck {
	var cmd entity.ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		return errorAck(entity.AckActionError, "invalid command payload")
	}

	switch cmd.Action {
	case entity.ClientActionSubscribe:
		keys, mode, err := c.handler.relay.Subscribe(c.ctx, cmd.Instruments, cmd.Mode)
		if err != nil {
			return errorAck(entity.AckActionSubscribed, commandErrorMessage(err))
		}
		c.logger.WithFields(logrus.Fields{"instruments": len(keys), "mode": mode}).Info("client subscribed")

		return entity.CommandAck{
			Status:      entity.AckStatusSuccess,
			Action:      entity.AckActionSubscribed,
			Instruments: keys,
		}
	case entity.ClientActionUnsubscribe:
		keys, _, err := c.handler.relay.Unsubscribe(c.ctx, cmd.Instruments)
		if err != nil {
			return errorAck(entity.AckActionUnsubscribed, commandErrorMessage(err))
		}
		c.logger.WithField("instruments", len(keys)).Info("client unsubscribed")

		return entity.CommandAck{
			Status:      entity.AckStatusSuccess,
			Action:      entity.AckActionUnsubscribed,
			Instruments: keys,
		}
	case entity.ClientActionPing:
		return entity.CommandAck{Action: entity.AckActionPong}
	default:
		return errorAck(entity.AckActionError, "unknown action")
	}
}

func errorAck(action, message string) entity.CommandAck {
	return entity.CommandAck{
		Status:  entity.AckStatusError,
		Action:  action,
		Message: message,
	}
}

func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, subscription.ErrEmptyInstruments):
		return "instruments must not be empty"
	case errors.Is(err, subscription.ErrInvalidInstrument):
		return "instrument key must not be blank"
	case errors.Is(err, subscription.ErrInvalidMode):
		return "mode must be one of ltpc, full, option_greeks"
	default:
		return "internal error"
	}
}
