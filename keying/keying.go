// Package keying derives the coordinator-facing key for a caller-supplied
// identity string, so that a sharded coordinator always routes every
// operation on one logical key to one shard.
package keying

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// RoutingTag wraps key in a Redis hash tag ("{key}:guardian") so that
// redis.Ring and redis.ClusterClient always hash the braced portion only,
// guaranteeing every take/reset/usage call for one key lands on one shard.
// This mirrors the original Rust implementation's RedisClusterBackend::hash_key.
func RoutingTag(key string) string {
	return fmt.Sprintf("{%s}:guardian", key)
}

// ShardIndex deterministically maps key onto one of n shards using xxhash,
// for callers that shard at the application layer instead of delegating to
// redis.Ring's internal consistent hashing.
func ShardIndex(key string, n int) int {
	if n <= 0 {
		return 0
	}
	sum := xxhash.Sum64String(key)
	return int(sum % uint64(n))
}
