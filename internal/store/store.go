// Package store abstracts the coordination store (spec §6's persisted
// state layout): sorted sets for the priority queue and rate windows,
// hashes for sliding-window usage counters, strings for burst buckets,
// lists for response-time samples, and pub/sub primitives (which no
// component in this module calls).
//
// A Redis-backed implementation is canonical for horizontally-scaled
// deployments (spec §9 open question (a)); an in-memory implementation
// covers single-node and test use and is never the default in
// production wiring.
package store

import (
	"context"
	"time"
)

// Z is one member of a sorted set with its ordering score.
type Z struct {
	Score  float64
	Member string
}

// Store is the coordination-store contract every component depends on
// instead of reaching for a concrete client directly.
type Store interface {
	// Sorted sets (queue:* scored by priority or time, throttle:* scored by time).
	ZAdd(ctx context.Context, key string, z Z) error
	ZRem(ctx context.Context, key string, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeByScore returns members with score in [min,max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Z, error)
	// ZRemRangeByScore evicts members with score in [min,max]; used to
	// slide the rate-limiter window and truncate terminal sets.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Hashes (window:* request/token counters).
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// Strings (burst:state:* JSON blobs).
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Lists (response_times:*).
	LPush(ctx context.Context, key string, value string, trimTo int) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// TTL maintenance — every key pattern in spec §6 carries one.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Publish/Subscribe pub/sub primitives; stream sessions are
	// in-memory and single-node and do not use them.
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Close() error
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	Channel() <-chan string
	Close() error
}
