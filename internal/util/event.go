package util

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/nats-io/nats.go"
)

func ProcessWithTimeout(timeout time.Duration, msg *nats.Msg, callback func(ctx context.Context, msg *nats.Msg) error) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callback(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("processing timeout for message on %s: %s", msg.Subject, string(msg.Data))
	case err := <-done:
		return err
	}
}

// PublishEvent marshals data as JSON and publishes it, waiting at most timeout
// for the stream ack.
func PublishEvent(ctx context.Context, js nats.JetStreamContext, subject string, data any, timeout time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return PublishRaw(ctx, js, &nats.Msg{Subject: subject, Data: payload}, timeout)
}

func PublishRaw(ctx context.Context, js nats.JetStreamContext, msg *nats.Msg, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, err := js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return err
	}

	return nil
}
