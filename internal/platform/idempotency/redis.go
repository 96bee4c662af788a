package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "idempotency:"
	redisReserveRetries = 3
)

var errKeyChurn = errors.New("idempotency: key expired while reserving")

// RedisStore keeps entries as JSON strings with a native TTL, so expired keys vanish on their own.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store. An empty prefix selects "idempotency:".
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

type entryRecord struct {
	Key         string              `json:"key"`
	Fingerprint string              `json:"fingerprint"`
	Completed   bool                `json:"completed"`
	Status      int                 `json:"status,omitempty"`
	Header      map[string][]string `json:"header,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

func recordOf(entry Entry) entryRecord {
	return entryRecord{
		Key:         entry.Key,
		Fingerprint: entry.Fingerprint,
		Completed:   entry.Completed,
		Status:      entry.Status,
		Header:      entry.Header,
		Body:        entry.Body,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
	}
}

func (r entryRecord) entry() Entry {
	return Entry{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		Header:      http.Header(r.Header),
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + documentID(key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error) {
	fresh := Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	payload, err := json.Marshal(recordOf(fresh))
	if err != nil {
		return 0, Entry{}, fmt.Errorf("idempotency: encode entry: %w", err)
	}
	redisKey := s.key(key)

	for attempt := 0; attempt < redisReserveRetries; attempt++ {
		acquired, err := s.client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: reserve: %w", err)
		}
		if acquired {
			return StateNew, fresh, nil
		}

		raw, err := s.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: load entry: %w", err)
		}
		var record entryRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: decode entry: %w", err)
		}
		current := record.entry()
		if current.expired(now) {
			if err := s.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
				return 0, Entry{}, fmt.Errorf("idempotency: reserve: %w", err)
			}
			return StateNew, fresh, nil
		}
		if current.Fingerprint != fingerprint {
			return 0, Entry{}, ErrFingerprintMismatch
		}
		return current.state(), current, nil
	}
	return 0, Entry{}, errKeyChurn
}

func (s *RedisStore) Complete(ctx context.Context, entry Entry, now time.Time, ttl time.Duration) error {
	entry.Completed = true
	entry.Header = replayableHeader(entry.Header)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)
	payload, err := json.Marshal(recordOf(entry))
	if err != nil {
		return fmt.Errorf("idempotency: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(entry.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis evicts entries when their TTL lapses.
func (s *RedisStore) Sweep(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
