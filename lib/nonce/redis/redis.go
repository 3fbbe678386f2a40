// Package redis implements the nonce store on Redis so that several gateway instances can share the managed account.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key prefixes for nonce storage.
const (
	nextKeyPrefix = "defigw:nonce:"      // next nonce by account
	lockKeyPrefix = "defigw:nonce:lock:" // account lock holding the owner token
)

// Lock timing defaults.
const (
	DefaultLockTTL   = 2 * time.Minute
	DefaultLockRetry = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it is still owned by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Store is a Redis backed nonce.Store.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets a custom prefix for all Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// WithLockTTL sets how long a lock survives a crashed owner.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New returns a store using client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, ttl: DefaultLockTTL, retry: DefaultLockRetry}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Dial connects to the Redis server at url (ie. redis://localhost:6379/0).
func Dial(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	c := redis.NewClient(o)
	if err = c.Ping(ctx).Err(); err != nil {
		_ = c.Close()

		return nil, fmt.Errorf("cannot connect to redis in %s: %w", o.Addr, err)
	}

	return New(c, opts...), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(prefix string, account common.Address) string {
	key := prefix + strings.ToLower(account.Hex())
	if s.keyPrefix != "" {
		return s.keyPrefix + ":" + key
	}

	return key
}

// Lock implements nonce.Store. The lock expires after the TTL so a crashed instance cannot block the account.
func (s *Store) Lock(ctx context.Context, account common.Address) (func(), error) {
	key := s.key(lockKeyPrefix, account)
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire nonce lock: %w", err)
		}

		if ok {
			return func() {
				// release with a fresh context, the operation context may already be done
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // release timeout
				defer cancel()

				_ = releaseScript.Run(ctx, s.client, []string{key}, token).Err()
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retry):
		}
	}
}

// Load implements nonce.Store.
func (s *Store) Load(ctx context.Context, account common.Address) (uint64, bool, error) {
	n, err := s.client.Get(ctx, s.key(nextKeyPrefix, account)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get nonce: %w", err)
	}

	return n, true, nil
}

// Save implements nonce.Store.
func (s *Store) Save(ctx context.Context, account common.Address, next uint64) error {
	if err := s.client.Set(ctx, s.key(nextKeyPrefix, account), next, 0).Err(); err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}

	return nil
}
