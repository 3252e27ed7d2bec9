// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
	"github.com/aegismesh/aegis/internal/logging"
)

// RedisBus backs Bus with a Redis Pub/Sub client. It is the node and
// orchestrator's default broker.
type RedisBus struct {
	client *redis.Client
	logger *logging.Logger
}

// NewRedisBus dials addr (host:port) and returns a ready Bus. The
// connection is lazy in the underlying client; a PING is issued here so
// configuration errors surface at startup rather than on first publish.
func NewRedisBus(ctx context.Context, addr, password string, db int, logger *logging.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "connect to redis at %s", addr)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "publish to topic %s", topic)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	var exact, patterns []string
	for _, t := range topics {
		if strings.HasSuffix(t, "*") {
			patterns = append(patterns, t)
		} else {
			exact = append(exact, t)
		}
	}

	var sub *redis.PubSub
	switch {
	case len(patterns) > 0 && len(exact) > 0:
		return nil, aegiserrors.New(aegiserrors.KindConfiguration, "redis bus: cannot mix exact and pattern topics in one Subscribe call")
	case len(patterns) > 0:
		sub = b.client.PSubscribe(ctx, patterns...)
	default:
		sub = b.client.Subscribe(ctx, exact...)
	}
	if _, err := sub.Receive(ctx); err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindNetworkIO, "subscribe to topics %v", topics)
	}

	out := make(chan Message, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
