package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a copy of the registry in a redis hash so that other
// services can read the live instrument set and the relay can restore it after
// a restart.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(client *redis.Client, key string) (*RedisMirror, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" {
		return nil, errors.New("redis mirror key is required")
	}

	return &RedisMirror{client: client, key: key}, nil
}

func (m *RedisMirror) Name() string {
	return "redis"
}

func (m *RedisMirror) Put(ctx context.Context, subs []entity.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	values := make(map[string]any, len(subs))
	for _, sub := range subs {
		values[sub.InstrumentKey.String()] = string(sub.Mode)
	}

	if err := m.client.HSet(ctx, m.key, values).Err(); err != nil {
		return fmt.Errorf("mirror subscriptions: %w", err)
	}

	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, keys []entity.InstrumentKey) error {
	if len(keys) == 0 {
		return nil
	}

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		fields = append(fields, key.String())
	}

	if err := m.client.HDel(ctx, m.key, fields...).Err(); err != nil {
		return fmt.Errorf("remove mirrored subscriptions: %w", err)
	}

	return nil
}

func (m *RedisMirror) Load(ctx context.Context) ([]entity.Subscription, error) {
	raw, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load mirrored subscriptions: %w", err)
	}

	subs := make([]entity.Subscription, 0, len(raw))
	for key, rawMode := range raw {
		mode, ok := entity.ParseSubscriptionMode(rawMode)
		if !ok {
			continue
		}
		subs = append(subs, entity.Subscription{InstrumentKey: entity.InstrumentKey(key), Mode: mode})
	}

	return subs, nil
}
