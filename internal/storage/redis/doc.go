// Package redis provides the Redis-backed confirmation registry. Records are
// stored as hashes with a native expiry, indexed by creation time, and every
// state transition runs as a Lua script so that a confirmation is decided and
// claimed at most once across gateway replicas.
package redis
