package feedbus

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-feed-relay/internal/constant"
	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
	"github.com/krobus00/market-feed-relay/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize      = 4096
	defaultPublishTimeout = 2 * time.Second
	defaultCommandTimeout = 5 * time.Second

	HeaderFrameKind  = "Feed-Frame-Kind"
	HeaderReceivedAt = "Feed-Received-At"
)

var ErrNoCommander = errors.New("feed bus has no command handler")

// Commander applies subscription commands received over jetstream.
type Commander interface {
	Subscribe(ctx context.Context, rawKeys []string, rawMode string) ([]entity.InstrumentKey, entity.SubscriptionMode, error)
	Unsubscribe(ctx context.Context, rawKeys []string) ([]entity.InstrumentKey, int, error)
}

type Config struct {
	QueueSize      int
	PublishTimeout time.Duration
	CommandTimeout time.Duration
}

// FeedBus mirrors relayed frames and subscription changes to the market_feed
// stream, and consumes subscription commands from other services.
type FeedBus struct {
	js        nats.JetStreamContext
	cfg       Config
	queue     chan entity.FeedFrame
	commander Commander

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewFeedBus(js nats.JetStreamContext, cfg Config) *FeedBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}

	return &FeedBus{
		js:    js,
		cfg:   cfg,
		queue: make(chan entity.FeedFrame, cfg.QueueSize),
	}
}

func (b *FeedBus) SetCommander(c Commander) {
	b.commander = c
}

func (b *FeedBus) Name() string {
	return "jetstream"
}

func (b *FeedBus) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.MarketFeedStreamName,
		Subjects:  []string{constant.MarketFeedStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    5 * time.Minute,
		Replicas:  1,
	}

	stream, err := b.js.StreamInfo(constant.MarketFeedStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.MarketFeedStreamName)
		_, err = b.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.MarketFeedStreamName)
	_, err = b.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Infof("stream %s is ready", constant.MarketFeedStreamName)

	return nil
}

func (b *FeedBus) JetstreamEventSubscribe(ctx context.Context) error {
	if b.commander == nil {
		return ErrNoCommander
	}

	_, err := b.js.QueueSubscribe(
		constant.MarketFeedStreamSubjectCommand,
		constant.MarketFeedCommandQueueName,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(b.cfg.CommandTimeout, msg, b.handleCommandEvent)
			if err != nil {
				logrus.Errorf("error processing feed command: %v", err)
				return
			}

			if err := msg.Ack(); err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
			}
		},
		nats.ManualAck(),
		nats.DeliverNew(),
		nats.Durable(constant.MarketFeedCommandQueueGroup),
	)
	if err != nil {
		return err
	}

	logrus.WithField("subject", constant.MarketFeedStreamSubjectCommand).Info("listening for feed commands")

	return nil
}

// Deliver queues frame for publishing. A full queue drops the frame; the bus
// is never allowed to slow the hub down.
func (b *FeedBus) Deliver(frame entity.FeedFrame) {
	select {
	case b.queue <- frame:
	default:
		if dropped := b.dropped.Add(1); dropped%1000 == 1 {
			logrus.WithField("dropped", dropped).Warn("feed bus queue full, dropping frames")
		}
	}
}

// Run publishes queued frames until ctx is done.
func (b *FeedBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.queue:
			if err := util.PublishRaw(ctx, b.js, FrameMessage(frame), b.cfg.PublishTimeout); err != nil {
				logrus.WithField("kind", frame.Kind.String()).Warnf("publish feed frame failed: %v", err)
				continue
			}
			b.published.Add(1)
		}
	}
}

func (b *FeedBus) Put(ctx context.Context, subs []entity.Subscription) error {
	for mode, keys := range subscription.GroupByMode(subs) {
		event := entity.SubscriptionEvent{
			Action:      entity.AckActionSubscribed,
			Mode:        mode,
			Instruments: keys,
			OccurredAt:  time.Now().UnixMilli(),
		}
		if err := util.PublishEvent(ctx, b.js, constant.MarketFeedStreamSubjectSubscription, event, b.cfg.PublishTimeout); err != nil {
			return err
		}
	}

	return nil
}

func (b *FeedBus) Delete(ctx context.Context, keys []entity.InstrumentKey) error {
	if len(keys) == 0 {
		return nil
	}

	event := entity.SubscriptionEvent{
		Action:      entity.AckActionUnsubscribed,
		Instruments: keys,
		OccurredAt:  time.Now().UnixMilli(),
	}

	return util.PublishEvent(ctx, b.js, constant.MarketFeedStreamSubjectSubscription, event, b.cfg.PublishTimeout)
}

func (b *FeedBus) Published() uint64 {
	return b.published.Load()
}

func (b *FeedBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *FeedBus) handleCommandEvent(ctx context.Context, msg *nats.Msg) error {
	logger := logrus.WithField("req", string(msg.Data))

	var cmd entity.ClientCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		// redelivery cannot fix a malformed command
		logger.Warnf("dropping malformed feed command: %v", err)
		return nil
	}

	switch cmd.Action {
	case entity.ClientActionSubscribe:
		keys, mode, err := b.commander.Subscribe(ctx, cmd.Instruments, cmd.Mode)
		if err != nil {
			logger.Warnf("rejected feed command: %v", err)
			return nil
		}
		logger.WithFields(logrus.Fields{"instruments": len(keys), "mode": mode}).Info("feed command applied")
	case entity.ClientActionUnsubscribe:
		keys, removed, err := b.commander.Unsubscribe(ctx, cmd.Instruments)
		if err != nil {
			logger.Warnf("rejected feed command: %v", err)
			return nil
		}
		logger.WithFields(logrus.Fields{"instruments": len(keys), "removed": removed}).Info("feed command applied")
	default:
		logger.Warnf("unknown feed command action %q", cmd.Action)
	}

	return nil
}

// FrameMessage maps a frame onto its subject. Binary payloads are published as
// is; consumers decode them.
func FrameMessage(frame entity.FeedFrame) *nats.Msg {
	subject := constant.MarketFeedStreamSubjectData
	switch frame.Kind {
	case entity.FrameKindBinary:
		subject = constant.MarketFeedStreamSubjectBinary
	case entity.FrameKindControlAck:
		subject = constant.MarketFeedStreamSubjectAck
	}

	msg := nats.NewMsg(subject)
	msg.Data = frame.Payload
	msg.Header.Set(HeaderFrameKind, frame.Kind.String())
	msg.Header.Set(HeaderReceivedAt, strconv.FormatInt(frame.ReceivedAt.UnixMilli(), 10))

	return msg
}
