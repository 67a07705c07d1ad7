package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis publishes on Redis pub/sub channels named after the topic.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, logger), nil
}

func NewRedisWithClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published afterwards are delivered.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Message, defaultBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward(r.logger)
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) forward(logger *slog.Logger) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		select {
		case s.ch <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
	logger.Debug("redis subscription closed")
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
