package infrastructure

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/market-feed-relay/internal/config"
	"github.com/krobus00/market-feed-relay/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	defaultNatsMaxRetries      = 10
	defaultNatsBackoffFactor   = 2.0
	defaultNatsMinJitter       = 100 * time.Millisecond
	defaultNatsMaxJitter       = 2 * time.Second
	defaultNatsConnectTimeout  = 5 * time.Second
	defaultNatsDrainTimeout    = 10 * time.Second
	defaultNatsPingInterval    = 30 * time.Second
	defaultNatsPingOutstanding = 3
	defaultJetStreamMaxWait    = 5 * time.Second
	defaultJetStreamMaxPending = 1024
)

// natsReconnectDelay is safe to call from the nats reconnect goroutine and
// from tests at the same time.
type natsReconnectDelay struct {
	mu     sync.Mutex
	rng    *rand.Rand
	factor float64
	min    time.Duration
	max    time.Duration
}

func newNatsReconnectDelay(cfg config.NatsJetstreamConfig) *natsReconnectDelay {
	d := &natsReconnectDelay{
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		factor: cfg.ReconnectFactor,
		min:    cfg.MinJitter,
		max:    cfg.MaxJitter,
	}

	if d.factor < 1 {
		d.factor = defaultNatsBackoffFactor
	}
	if d.min <= 0 {
		d.min = defaultNatsMinJitter
	}
	if d.max <= 0 {
		d.max = defaultNatsMaxJitter
	}
	if d.max < d.min {
		d.max = d.min
	}

	return d
}

func (d *natsReconnectDelay) next(attempt int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return util.BackoffWithJitter(attempt, d.factor, d.min, d.max, d.rng)
}

func natsOptions(cfg config.NatsJetstreamConfig) []nats.Option {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultNatsMaxRetries
	}

	delay := newNatsReconnectDelay(cfg)

	return []nats.Option{
		nats.Name(config.ServiceName),
		nats.Timeout(defaultNatsConnectTimeout),
		nats.DrainTimeout(defaultNatsDrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxRetries),
		nats.PingInterval(defaultNatsPingInterval),
		nats.MaxPingsOutstanding(defaultNatsPingOutstanding),
		nats.CustomReconnectDelay(delay.next),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.Warnf("nats disconnected: %v", err)
				return
			}
			logrus.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logrus.WithField("url", conn.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			logrus.Warnf("nats connection closed: %v", conn.LastError())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := logrus.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("nats async error")
		}),
	}
}

// NewJetstream connects to nats and returns a jetstream context used for the
// market_feed stream.
func NewJetstream(cfg config.NatsJetstreamConfig) (*nats.Conn, nats.JetStreamContext, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, errors.New("nats jetstream url is required")
	}

	nc, err := nats.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(defaultJetStreamMaxPending),
		nats.MaxWait(defaultJetStreamMaxWait),
	)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	logrus.WithField("url", cfg.URL).Info("nats jetstream connection established")

	return nc, js, nil
}

// CloseJetstream drains nc so in-flight publishes and acks complete.
func CloseJetstream(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}

	return nil
}
