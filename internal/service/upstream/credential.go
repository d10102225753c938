package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CredentialProvider supplies the bearer token used when dialing the feed.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticCredential string

func (c StaticCredential) Token(_ context.Context) (string, error) {
	token := strings.TrimSpace(string(c))
	if token == "" {
		return "", ErrMissingCredential
	}

	return token, nil
}

// RedisCredential reads the token written by the OAuth collaborator and falls
// back to another provider when the key is missing or redis is unavailable.
type RedisCredential struct {
	client   *redis.Client
	key      string
	fallback CredentialProvider
}

func NewRedisCredential(client *redis.Client, key string, fallback CredentialProvider) *RedisCredential {
	return &RedisCredential{
		client:   client,
		key:      key,
		fallback: fallback,
	}
}

func (c *RedisCredential) Token(ctx context.Context) (string, error) {
	token, err := c.client.Get(ctx, c.key).Result()
	switch {
	case err == nil && strings.TrimSpace(token) != "":
		return strings.TrimSpace(token), nil
	case err != nil && !errors.Is(err, redis.Nil):
		if c.fallback == nil {
			return "", err
		}
		logrus.WithField("key", c.key).Warnf("read upstream token from redis failed, using fallback: %v", err)
	}

	if c.fallback == nil {
		return "", ErrMissingCredential
	}

	return c.fallback.Token(ctx)
}
