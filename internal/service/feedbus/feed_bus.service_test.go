package feedbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krobus00/market-feed-relay/internal/constant"
	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/nats-io/nats.go"
)

type fakeCommander struct {
	subscribed   []string
	mode         string
	unsubscribed []string
	err          error
}

func (c *fakeCommander) Subscribe(_ context.Context, rawKeys []string, rawMode string) ([]entity.InstrumentKey, entity.SubscriptionMode, error) {
	if c.err != nil {
		return nil, "", c.err
	}
	c.subscribed = append(c.subscribed, rawKeys...)
	c.mode = rawMode
	return nil, entity.SubscriptionModeFull, nil
}

func (c *fakeCommander) Unsubscribe(_ context.Context, rawKeys []string) ([]entity.InstrumentKey, int, error) {
	if c.err != nil {
		return nil, 0, c.err
	}
	c.unsubscribed = append(c.unsubscribed, rawKeys...)
	return nil, len(rawKeys), nil
}

func TestFeedBus_HandleCommandEvent(t *testing.T) {
	commander := &fakeCommander{}
	bus := NewFeedBus(nil, Config{})
	bus.SetCommander(commander)

	msgs := []string{
		`{"action":"subscribe","instruments":["NSE_EQ|A","NSE_EQ|B"],"mode":"ltpc"}`,
		`{"action":"unsubscribe","instruments":["NSE_EQ|A"]}`,
		`{"action":"explode"}`,
		`not json`,
	}
	for _, data := range msgs {
		msg := &nats.Msg{Subject: constant.MarketFeedStreamSubjectCommand, Data: []byte(data)}
		if err := bus.handleCommandEvent(context.Background(), msg); err != nil {
			t.Errorf("handleCommandEvent(%s) = %v, want nil", data, err)
		}
	}

	if len(commander.subscribed) != 2 || commander.mode != "ltpc" {
		t.Errorf("subscribed = %v (%s), want 2 keys in ltpc", commander.subscribed, commander.mode)
	}
	if len(commander.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v, want 1 key", commander.unsubscribed)
	}
}

func TestFeedBus_RejectedCommandIsAcked(t *testing.T) {
	bus := NewFeedBus(nil, Config{})
	bus.SetCommander(&fakeCommander{err: errors.New("invalid subscription mode")})

	msg := &nats.Msg{Data: []byte(`{"action":"subscribe","instruments":["A"],"mode":"depth"}`)}
	if err := bus.handleCommandEvent(context.Background(), msg); err != nil {
		t.Errorf("rejected command should not be redelivered, got %v", err)
	}
}

func TestFeedBus_SubscribeRequiresCommander(t *testing.T) {
	bus := NewFeedBus(nil, Config{})
	if err := bus.JetstreamEventSubscribe(context.Background()); !errors.Is(err, ErrNoCommander) {
		t.Errorf("JetstreamEventSubscribe = %v, want ErrNoCommander", err)
	}
}

func TestFeedBus_DeliverDropsWhenFull(t *testing.T) {
	bus := NewFeedBus(nil, Config{QueueSize: 2})

	for i := 0; i < 5; i++ {
		bus.Deliver(entity.FeedFrame{Kind: entity.FrameKindJSON, Payload: []byte(`{}`)})
	}

	if bus.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", bus.Dropped())
	}
}

func TestFrameMessage(t *testing.T) {
	receivedAt := time.UnixMilli(1700000000123)
	tests := []struct {
		kind    entity.FrameKind
		subject string
	}{
		{entity.FrameKindJSON, constant.MarketFeedStreamSubjectData},
		{entity.FrameKindBinary, constant.MarketFeedStreamSubjectBinary},
		{entity.FrameKindControlAck, constant.MarketFeedStreamSubjectAck},
	}

	for _, tt := range tests {
		msg := FrameMessage(entity.FeedFrame{Kind: tt.kind, Payload: []byte{1, 2}, ReceivedAt: receivedAt})
		if msg.Subject != tt.subject {
			t.Errorf("%s subject = %s, want %s", tt.kind, msg.Subject, tt.subject)
		}
		if msg.Header.Get(HeaderFrameKind) != tt.kind.String() {
			t.Errorf("%s kind header = %q", tt.kind, msg.Header.Get(HeaderFrameKind))
		}
		if msg.Header.Get(HeaderReceivedAt) != "1700000000123" {
			t.Errorf("%s received-at header = %q", tt.kind, msg.Header.Get(HeaderReceivedAt))
		}
		if len(msg.Data) != 2 {
			t.Errorf("%s payload = %v", tt.kind, msg.Data)
		}
	}
}
