// Package coord provides the cluster coordination primitives the
// original design would get from ZooKeeper-class ephemeral znodes:
// liveness registration, children watches, and a distributed mutex. No
// ZooKeeper or etcd client exists anywhere in the reference stack this
// module draws on, so it is reimplemented on top of Redis, trading
// watch push-notification for short-interval polling and ephemeral
// znodes for TTL-refreshed keys.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by mutex operations attempted by a holder
// that has lost its lease.
var ErrNotLeader = errors.New("coord: lock not held")

// Service is the coordination surface ClusterController depends on:
// ephemeral self-registration under a namespace, polling-based children
// watches, and a renewable distributed mutex.
type Service interface {
	// Register writes key with a TTL lease and keeps it refreshed until
	// ctx is canceled, simulating an ephemeral znode.
	Register(ctx context.Context, key, value string, ttl time.Duration) error
	// Children lists the live keys directly under prefix.
	Children(ctx context.Context, prefix string) ([]string, error)
	// Watch polls prefix every interval, invoking onChange with the
	// current children set whenever it differs from the previous poll.
	Watch(ctx context.Context, prefix string, interval time.Duration, onChange func(children []string)) error
	// Lock blocks until it acquires a mutex named key, or ctx is
	// canceled. The returned Releaser must be released by the caller.
	Lock(ctx context.Context, key string, ttl time.Duration) (Releaser, error)
	// IsAlive reports whether key is currently registered (used for the
	// "is candidate host still alive" check before failover).
	IsAlive(ctx context.Context, key string) (bool, error)
}

// Releaser is the handle Lock hands back. *Lease satisfies it; tests
// exercising a Service caller can substitute a trivial fake instead of
// constructing a Redis-backed Lease.
type Releaser interface {
	Release(ctx context.Context) error
}

// Lease represents a held distributed mutex. Its renewal goroutine stops
// when Release is called; canceling the context passed to Lock does not
// stop it.
type Lease struct {
	key    string
	token  string
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Release gives up the lease, deleting the underlying key if this Lease
// still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	return script.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// RedisService implements Service on top of go-redis, namespacing all
// keys under prefix (typically the cluster name).
type RedisService struct {
	client *redis.Client
	prefix string
}

// NewRedisService constructs a RedisService using client, namespacing
// keys under prefix.
func NewRedisService(client *redis.Client, prefix string) *RedisService {
	return &RedisService{client: client, prefix: prefix}
}

func (s *RedisService) ns(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

// Register implements Service.
func (s *RedisService) Register(ctx context.Context, key, value string, ttl time.Duration) error {
	fullKey := s.ns(key)
	if err := s.client.Set(ctx, fullKey, value, ttl).Err(); err != nil {
		return fmt.Errorf("coord: register %s: %w", key, err)
	}

	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.client.Del(context.Background(), fullKey)
				return
			case <-ticker.C:
				s.client.Expire(ctx, fullKey, ttl)
			}
		}
	}()
	return nil
}

// IsAlive implements Service.
func (s *RedisService) IsAlive(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.ns(key)).Result()
	if err != nil {
		return false, fmt.Errorf("coord: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Children implements Service via a SCAN over prefix's namespace.
func (s *RedisService) Children(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.ns(prefix) + "*"
	var children []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		children = append(children, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coord: scan %s: %w", prefix, err)
	}
	return children, nil
}

// Watch implements Service by polling Children on interval and diffing
// against the previous result set.
func (s *RedisService) Watch(ctx context.Context, prefix string, interval time.Duration, onChange func(children []string)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var previous []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := s.Children(ctx, prefix)
			if err != nil {
				continue
			}
			if !equalSets(previous, current) {
				onChange(current)
				previous = current
			}
		}
	}
}

// Lock implements Service using SET NX PX as the acquisition primitive
// and a background renewal goroutine, the Redis analog of a ZooKeeper
// ephemeral-sequential distributed mutex.
func (s *RedisService) Lock(ctx context.Context, key string, ttl time.Duration) (Releaser, error) {
	fullKey := s.ns("lock:" + key)
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	retryTicker := time.NewTicker(200 * time.Millisecond)
	defer retryTicker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("coord: lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-retryTicker.C:
		}
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{key: fullKey, token: token, client: s.client, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(lease.done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				s.client.Expire(context.Background(), fullKey, ttl)
			}
		}
	}()

	return lease, nil
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
