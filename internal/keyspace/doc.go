// Package keyspace provides the shared key/value store.
//
// The map is split into power-of-two shards with per-shard read/write
// locks to reduce contention. Expiration is lazy on access, backed by a
// periodic random sampler. Multi-key mutations lock every involved shard
// in ascending index order.
package keyspace
