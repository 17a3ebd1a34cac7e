// Package shard provides partition key generation for sharded DynamoDB tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxShards is the largest supported shard count. Shard suffixes are two hex digits.
const MaxShards = 256

// PartitionKey computes the sharded partition key for a record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are distributed across shards based on the id hash.
func PartitionKey(entityType, id string, numShards int) string {
	if numShards <= 1 {
		return fmt.Sprintf("%s#00", entityType)
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	n := h.Sum32() % uint32(clamp(numShards))
	return fmt.Sprintf("%s#%02x", entityType, n)
}

// PartitionKeys returns every partition key of an entity type, in shard order.
func PartitionKeys(entityType string, numShards int) []string {
	n := clamp(numShards)
	keys := make([]string, n)
	for i := range n {
		keys[i] = fmt.Sprintf("%s#%02x", entityType, i)
	}
	return keys
}

// UniqueConstraintPK computes a hash-distributed partition key for a unique constraint.
// Each constraint lands on its own partition.
func UniqueConstraintPK(entityType, field, value string) string {
	data := fmt.Sprintf("%s#%s#%s", entityType, field, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16])
}

func clamp(numShards int) int {
	if numShards < 1 {
		return 1
	}
	if numShards > MaxShards {
		return MaxShards
	}
	return numShards
}
