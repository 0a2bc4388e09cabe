package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/pushkit/pkg/event"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	ConnectionURL  string        `env:"PUSHKIT_REDIS_URL,required" envDefault:"redis://localhost:6379/0"` // ConnectionURL is the URL of the Redis server.
	RetryAttempts  int           `env:"PUSHKIT_REDIS_RETRY_ATTEMPTS" envDefault:"3"`                      // RetryAttempts is the number of retry attempts to connect.
	RetryInterval  time.Duration `env:"PUSHKIT_REDIS_RETRY_INTERVAL" envDefault:"5s"`                     // RetryInterval is the interval between retry attempts.
	ConnectTimeout time.Duration `env:"PUSHKIT_REDIS_CONNECT_TIMEOUT" envDefault:"30s"`                   // ConnectTimeout is the timeout for connecting.
	KeyPrefix      string        `env:"PUSHKIT_REDIS_KEY_PREFIX" envDefault:"pushkit"`                    // KeyPrefix namespaces all store keys.
}

// RedisStore persists events in Redis: one JSON value per event, a sorted
// set per recipient indexing targeted events by creation time, a shared
// sorted set for broadcasts, and a read-set per recipient for broadcast
// read state.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// ConnectRedis establishes a connection to the Redis server with retries.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}

	for i := 0; i < cfg.RetryAttempts; i++ {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToOpenConnection, ctx.Err())
		default:
			time.Sleep(cfg.RetryInterval)
		}
	}

	return nil, ErrFailedToOpenConnection
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "pushkit"
	}
	return &RedisStore{client: client, prefix: keyPrefix}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection. Used by readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) eventKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:event:%s", s.prefix, id)
}

func (s *RedisStore) inboxKey(recipient string) string {
	return fmt.Sprintf("%s:inbox:%s", s.prefix, recipient)
}

func (s *RedisStore) broadcastKey() string {
	return s.prefix + ":broadcast"
}

func (s *RedisStore) readKey(recipient string) string {
	return fmt.Sprintf("%s:read:%s", s.prefix, recipient)
}

func (s *RedisStore) Persist(ctx context.Context, ev event.Event) error {
	if ev.ID == uuid.Nil {
		return ErrEventNotFound
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.eventKey(ev.ID), raw, 0)
	member := redis.Z{Score: float64(ev.CreatedAt.UnixNano()), Member: ev.ID.String()}
	if ev.IsBroadcast() {
		pipe.ZAdd(ctx, s.broadcastKey(), member)
	} else {
		pipe.ZAdd(ctx, s.inboxKey(ev.Target), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	raw, err := s.client.Get(ctx, s.eventKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEventNotFound
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("store: unmarshal event: %w", err)
	}
	return &ev, nil
}

func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (*event.Event, error) {
	return s.load(ctx, id)
}

func (s *RedisStore) update(ctx context.Context, id uuid.UUID, mutate func(*event.Event)) error {
	ev, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	mutate(ev)

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal event: %w", err)
	}
	if err := s.client.Set(ctx, s.eventKey(id), raw, 0).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) fetchVisible(ctx context.Context, recipient string, since time.Time) ([]event.Event, error) {
	min := "-inf"
	if !since.IsZero() {
		min = "(" + strconv.FormatInt(since.UnixNano(), 10)
	}
	rangeBy := &redis.ZRangeBy{Min: min, Max: "+inf"}

	targeted, err := s.client.ZRangeByScore(ctx, s.inboxKey(recipient), rangeBy).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	broadcast, err := s.client.ZRangeByScore(ctx, s.broadcastKey(), rangeBy).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	now := time.Now()
	var out []event.Event
	for _, raw := range append(targeted, broadcast...) {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ev, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return nil, err
		}
		if ev.Status == event.StatusExpired || ev.ExpiredAt(now) {
			continue
		}
		if !ev.IsBroadcast() && ev.Read {
			continue
		}
		if ev.IsBroadcast() {
			read, err := s.client.SIsMember(ctx, s.readKey(recipient), ev.ID.String()).Result()
			if err != nil {
				return nil, errors.Join(ErrStoreUnavailable, err)
			}
			if read {
				continue
			}
		}
		out = append(out, *ev)
	}

	// Targeted and broadcast ids come from separate indexes; merge into one
	// creation-ordered sequence.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (s *RedisStore) FetchUnreadSince(ctx context.Context, recipient string, since time.Time) ([]event.Event, error) {
	return s.fetchVisible(ctx, recipient, since)
}

func (s *RedisStore) ListPending(ctx context.Context, recipient string) ([]event.Event, error) {
	return s.fetchVisible(ctx, recipient, time.Time{})
}

func (s *RedisStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, func(ev *event.Event) {
		ev.MarkDelivered()
	})
}

func (s *RedisStore) MarkRead(ctx context.Context, recipient string, ids ...uuid.UUID) error {
	for _, id := range ids {
		ev, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return err
		}

		if ev.IsBroadcast() {
			if err := s.client.SAdd(ctx, s.readKey(recipient), id.String()).Err(); err != nil {
				return errors.Join(ErrStoreUnavailable, err)
			}
			continue
		}
		if ev.Target != recipient {
			continue
		}
		if err := s.update(ctx, id, func(ev *event.Event) { ev.MarkRead() }); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, func(ev *event.Event) {
		ev.Status = event.StatusExpired
	})
}

func (s *RedisStore) allIndexedIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.broadcastKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":inbox:*", 100).Result()
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		for _, key := range keys {
			members, err := s.client.ZRange(ctx, key, 0, -1).Result()
			if err != nil {
				return nil, errors.Join(ErrStoreUnavailable, err)
			}
			ids = append(ids, members...)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return ids, nil
}

func (s *RedisStore) remove(ctx context.Context, ev *event.Event) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.eventKey(ev.ID))
	if ev.IsBroadcast() {
		pipe.ZRem(ctx, s.broadcastKey(), ev.ID.String())
	} else {
		pipe.ZRem(ctx, s.inboxKey(ev.Target), ev.ID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) PurgeRead(ctx context.Context, olderThan time.Time) (int, error) {
	ids, err := s.allIndexedIDs(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ev, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return purged, err
		}
		if ev.Read && ev.ReadAt != nil && ev.ReadAt.Before(olderThan) {
			if err := s.remove(ctx, ev); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	ids, err := s.allIndexedIDs(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	purged := 0
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ev, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			return purged, err
		}
		if ev.Status == event.StatusExpired || ev.ExpiredAt(now) {
			if err := s.remove(ctx, ev); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}
