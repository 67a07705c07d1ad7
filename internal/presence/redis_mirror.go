package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"collab/engine/internal/document"
	"github.com/redis/go-redis/v9"
)

// RedisMirror stores presence states in Redis with a TTL so that every
// host serving a document can list who is in it.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(redisURL string, ttl time.Duration) (*RedisMirror, error) {
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
	return NewRedisMirrorWithClient(client, ttl), nil
}

// NewRedisMirrorWithClient creates a mirror from an existing Redis client.
func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultTimeout
	}
	return &RedisMirror{client: client, prefix: "presence:", ttl: ttl}
}

func (m *RedisMirror) key(documentID string, actor document.ActorID) string {
	return m.prefix + documentID + ":" + string(actor)
}

// Save stores state, refreshing its expiry.
func (m *RedisMirror) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := m.client.Set(ctx, m.key(state.DocumentID, state.Actor), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context, documentID string, actor document.ActorID) (State, error) {
	data, err := m.client.Get(ctx, m.key(documentID, actor)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, fmt.Errorf("load presence %s: %w", actor, ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("load presence: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	return state, nil
}

func (m *RedisMirror) Delete(ctx context.Context, documentID string, actor document.ActorID) error {
	if err := m.client.Del(ctx, m.key(documentID, actor)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// List returns every unexpired presence state for a document, sorted by
// actor.
func (m *RedisMirror) List(ctx context.Context, documentID string) ([]State, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.prefix+documentID+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	seen := make(map[document.ActorID]bool, len(values))
	states := make([]State, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var state State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		if seen[state.Actor] {
			continue
		}
		seen[state.Actor] = true
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Actor < states[j].Actor })
	return states, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
