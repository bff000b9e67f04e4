// Package rendezvous implements the shared call-state store on Redis.
//
// Each in-flight call owns a single key "call_<unique_key>". The value starts
// as the device platform, which doubles as the "call is live" marker, and is
// overwritten with "True" or "False" once the device responds. Entries are
// never deleted; the TTL reaps them, which keeps the late-response 404 path
// working without explicit cleanup.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lifetime of a call entry. It must stay well above the
// push round-trip wait so the coordinator never races the reaper.
const DefaultTTL = 5 * time.Minute

// Values written by the response intake.
const (
	ValueAvailable    = "True"
	ValueNotAvailable = "False"
)

// CallKey returns the store key for a call's unique key.
func CallKey(uniqueKey string) string {
	return "call_" + uniqueKey
}

// NewClient builds a Redis client from a comma-separated host:port list.
// A single address yields a plain client, multiple addresses a cluster-aware
// one.
func NewClient(serverList string) (redis.UniversalClient, error) {
	var addrs []string
	for _, server := range strings.Split(strings.ReplaceAll(serverList, " ", ""), ",") {
		if !strings.Contains(server, ":") {
			continue
		}
		addrs = append(addrs, server)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("rendezvous: no usable addresses in server list %q", serverList)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("rendezvous: pinging redis: %w", err)
	}
	return client, nil
}

// Store is the process-shared call-state map. All methods are safe for
// concurrent use; per-key writes are serialized by Redis.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New creates a Store over an existing Redis client with the default TTL.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, ttl: DefaultTTL}
}

// Put creates or overwrites the value at key with the store TTL.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("rendezvous: setting %s: %w", key, err)
	}
	return nil
}

// Get returns the value at key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	value, err = s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rendezvous: getting %s: %w", key, err)
	}
	return value, true, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rendezvous: checking %s: %w", key, err)
	}
	return n > 0, nil
}
