// Package redis provides a Redis-backed eventstore.Store so that stream
// records outlive the process that appended them.
//
// Each stream uses three keys sharing a hash tag so that the scripts that
// touch them run on a single cluster slot:
//
//	<prefix>{<stream>}:seq    INCR counter holding the last sequence number
//	<prefix>{<stream>}:log    sorted set of records scored by sequence
//	<prefix>{<stream>}:floor  highest pruned sequence number
//
// Configuration can be loaded from the environment with NewFromEnv:
//
//	REDIS_ADDR          (default localhost:6379)
//	EVENTS_KEY_PREFIX   (default mcp:events:)
//	EVENTS_MAX_RECORDS  (default 0, unbounded)
//	EVENTS_MAX_AGE      (default 0s, unbounded)
//	EVENTS_STREAM_TTL   (default 24h)
package redis
