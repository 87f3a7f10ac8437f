package types

import "strconv"

// AggregationID names the logical aggregation (partitioning of the dataset)
// a chunk belongs to. Key codecs are registered per aggregation; keys of
// different aggregations are never compared with each other.
type AggregationID string

// String implements the fmt.Stringer interface.
func (a AggregationID) String() string {
	return string(a)
}

// ChunkID is the unique id of a stored chunk. Ids are minted by an external
// generator; the uplink only records them.
type ChunkID int64

// String implements the fmt.Stringer interface.
func (c ChunkID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// Key is an ordered tuple of key column values bounding a chunk. The uplink
// treats keys as opaque; only the codec registered for the owning
// aggregation can (de)serialize them.
type Key []any

// Chunk is an immutable unit of stored data. Bounds and contents never
// change after creation; only the liveness interval recorded by the chunk
// ledger does.
type Chunk struct {
	ID       ChunkID
	Measures []string
	Min, Max Key
	Count    uint32
}
