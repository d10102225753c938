package infrastructure

import (
	"testing"
	"time"

	"github.com/krobus00/market-feed-relay/internal/config"
)

func TestNatsReconnectDelay_StaysWithinBounds(t *testing.T) {
	delay := newNatsReconnectDelay(config.NatsJetstreamConfig{
		ReconnectFactor: 2,
		MinJitter:       10 * time.Millisecond,
		MaxJitter:       80 * time.Millisecond,
	})

	for attempt := 0; attempt < 20; attempt++ {
		got := delay.next(attempt)
		if got < 10*time.Millisecond || got > 80*time.Millisecond {
			t.Fatalf("attempt %d delay = %s, want within [10ms, 80ms]", attempt, got)
		}
	}
}

func TestNatsReconnectDelay_Defaults(t *testing.T) {
	delay := newNatsReconnectDelay(config.NatsJetstreamConfig{})
	if delay.factor != defaultNatsBackoffFactor || delay.min != defaultNatsMinJitter || delay.max != defaultNatsMaxJitter {
		t.Errorf("defaults = %v %s %s", delay.factor, delay.min, delay.max)
	}
}

func TestNewJetstream_RequiresURL(t *testing.T) {
	if _, _, err := NewJetstream(config.NatsJetstreamConfig{}); err == nil {
		t.Error("expected an error for an empty url")
	}
}
