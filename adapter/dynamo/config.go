package dynamo

import "github.com/jacentio/tendril/internal/shard"

// Config holds configuration for the DynamoDB adapter.
type Config struct {
	// Table is the DynamoDB table holding the records.
	// Its key schema is partition key "pk" (S) and sort key "id" (S).
	// Default: "tendril_records"
	Table string

	// UniqueTable is the name of the unique constraints table.
	// Its key schema is partition key "pk" (S) and sort key "sk" (S).
	// Default: "tendril_unique_constraints"
	UniqueTable string

	// EntityType prefixes every partition key and is stored on each item
	// as entity_type. Stream handlers use it to find the model binding.
	// Default: "record"
	EntityType string

	// Unique lists fields whose values must be unique across the entity type.
	Unique []string

	// NumShards is the number of partitions records are spread across.
	// Reads of a single record stay a single GetItem; listing queries
	// every shard in parallel.
	// Default: 1 (no sharding, single query)
	// Max: 256
	NumShards int
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		Table:       "tendril_records",
		UniqueTable: "tendril_unique_constraints",
		EntityType:  "record",
		NumShards:   1,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "tendril_records"
	}
	if c.UniqueTable == "" {
		c.UniqueTable = "tendril_unique_constraints"
	}
	if c.EntityType == "" {
		c.EntityType = "record"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > shard.MaxShards {
		c.NumShards = shard.MaxShards
	}
}
