// Package counter provides the redis-backed durable side-state the
// outbox processor maintains: per-recipient unread counters, processed
// idempotency markers, and the connected-user presence set. All write
// operations are commutative (increments, set inserts), so concurrent
// workers may apply them in any order.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a redis client with the key layout used by the outbox
// processor and the gateway.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore connects to redis at the given URL and verifies the
// connection.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client), nil
}

// NewStoreWithClient creates a store from an existing redis client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{
		client: client,
		prefix: "skein:",
	}
}

func (s *Store) unreadKey(userID, conversationID int64) string {
	return fmt.Sprintf("%sunread:%d:%d", s.prefix, userID, conversationID)
}

func (s *Store) idempotencyKey(key string) string {
	return s.prefix + "done:" + key
}

func (s *Store) presenceKey() string {
	return s.prefix + "connected"
}

// IncrUnread increments a recipient's unread counter for a
// conversation.
func (s *Store) IncrUnread(ctx context.Context, userID, conversationID int64, delta int64) error {
	if err := s.client.IncrBy(ctx, s.unreadKey(userID, conversationID), delta).Err(); err != nil {
		return fmt.Errorf("incr unread: %w", err)
	}
	return nil
}

// unreadOnceScript checks the marker, applies the increment, and
// records the marker in one atomic step. The marker check runs before
// any write, so a failed increment leaves no marker behind and the
// redelivery runs it again.
var unreadOnceScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
redis.call("incrby", KEYS[2], ARGV[1])
redis.call("set", KEYS[1], 1)
redis.call("pexpire", KEYS[1], ARGV[2])
return 1
`)

// IncrUnreadOnce increments a recipient's unread counter unless the
// given marker was already recorded by an earlier delivery. Returns
// whether the increment was applied. This is the per-recipient
// idempotency guard the outbox processor needs: a raw increment is not
// idempotent, so an entry that fails partway must not repeat the
// increments that already landed.
func (s *Store) IncrUnreadOnce(ctx context.Context, userID, conversationID, delta int64, marker string, ttl time.Duration) (bool, error) {
	keys := []string{s.idempotencyKey(marker), s.unreadKey(userID, conversationID)}
	applied, err := unreadOnceScript.Run(ctx, s.client, keys, delta, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("incr unread once: %w", err)
	}
	return applied == 1, nil
}

// UnreadCount returns a recipient's unread counter for a conversation.
func (s *Store) UnreadCount(ctx context.Context, userID, conversationID int64) (int64, error) {
	n, err := s.client.Get(ctx, s.unreadKey(userID, conversationID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread: %w", err)
	}
	return n, nil
}

// ClearUnread resets a recipient's unread counter, called when they
// open the conversation.
func (s *Store) ClearUnread(ctx context.Context, userID, conversationID int64) error {
	if err := s.client.Del(ctx, s.unreadKey(userID, conversationID)).Err(); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

// ClaimIdempotencyKey atomically records that the work behind key is
// being done. The first caller gets true; every later caller (a
// redelivery) gets false and must skip its side effects. The marker
// expires after ttl, which only needs to outlive the queue's
// redelivery horizon.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.idempotencyKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return ok, nil
}

// ReleaseIdempotencyKey removes a claimed marker so the work can run
// again, used when the side effect behind it failed partway.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// MarkConnected adds a user to the presence set.
func (s *Store) MarkConnected(ctx context.Context, userID int64) error {
	if err := s.client.SAdd(ctx, s.presenceKey(), userID).Err(); err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	return nil
}

// MarkDisconnected removes a user from the presence set.
func (s *Store) MarkDisconnected(ctx context.Context, userID int64) error {
	if err := s.client.SRem(ctx, s.presenceKey(), userID).Err(); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	return nil
}

// IsConnected reports whether a user is in the presence set.
func (s *Store) IsConnected(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.presenceKey(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check connected: %w", err)
	}
	return ok, nil
}

// Ping checks if redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
