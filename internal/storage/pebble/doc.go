// Package pebblestore wraps a Pebble database with the durability policy and
// small helpers the bus needs: atomic batches, copied point reads, range
// iteration, and an optional metrics hook. All bus state (partition logs,
// topic metadata, committed-offset cursors, dead-letter records) lives in a
// single keyspace owned by this store.
package pebblestore
