package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed conversation memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires idle threads; zero keeps them forever.
	TTL time.Duration
}

// RedisMemory is a Redis-backed ConversationMemory keyed by thread id.
// Suitable for distributed deployments where several workers serve the same
// conversation.
type RedisMemory struct {
	client    *redis.Client
	threadID  string
	keyPrefix string
	ttl       time.Duration
}

// NewRedisMemory connects to Redis and returns a memory handle for one thread.
func NewRedisMemory(cfg RedisConfig, threadID string) (*RedisMemory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flowgraph:"
	}
	return &RedisMemory{
		client:    client,
		threadID:  threadID,
		keyPrefix: prefix + "conv:",
		ttl:       cfg.TTL,
	}, nil
}

// NewRedisMemoryWithClient wraps an existing client, mainly for tests.
func NewRedisMemoryWithClient(client *redis.Client, threadID string) *RedisMemory {
	return &RedisMemory{
		client:    client,
		threadID:  threadID,
		keyPrefix: "flowgraph:conv:",
	}
}

// Close closes the underlying client.
func (m *RedisMemory) Close() error {
	return m.client.Close()
}

func (m *RedisMemory) turnsKey() string {
	return m.keyPrefix + m.threadID + ":turns"
}

func (m *RedisMemory) metadataKey() string {
	return m.keyPrefix + m.threadID + ":meta"
}

// SetSessionMetadata stores the thread metadata as a Redis hash.
func (m *RedisMemory) SetSessionMetadata(ctx context.Context, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	fields := make(map[string]string, len(metadata))
	for k, v := range metadata {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata %s: %w", k, err)
		}
		fields[k] = string(data)
	}
	pipe := m.client.Pipeline()
	pipe.HSet(ctx, m.metadataKey(), fields)
	if m.ttl > 0 {
		pipe.Expire(ctx, m.metadataKey(), m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SessionMetadata loads the thread metadata hash.
func (m *RedisMemory) SessionMetadata(ctx context.Context) (map[string]any, error) {
	fields, err := m.client.HGetAll(ctx, m.metadataKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session metadata: %w", err)
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			out[k] = raw
			continue
		}
		out[k] = v
	}
	return out, nil
}

// AppendTurn pushes a turn onto the thread's history list.
func (m *RedisMemory) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, m.turnsKey(), data)
	if m.ttl > 0 {
		pipe.Expire(ctx, m.turnsKey(), m.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// History returns up to limit most recent turns, oldest first.
func (m *RedisMemory) History(ctx context.Context, limit int) ([]Turn, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := m.client.LRange(ctx, m.turnsKey(), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	turns := make([]Turn, 0, len(raws))
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}
