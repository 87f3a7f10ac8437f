package uplink

import (
	"github.com/cubesync/cubesync/common/types"
)

// ChunkSet is a set of chunks keyed by id.
type ChunkSet map[types.ChunkID]types.Chunk

// Put adds chunk to the set, replacing an existing entry with the same id.
func (s ChunkSet) Put(chunk types.Chunk) {
	s[chunk.ID] = chunk
}

// AggregationDiff is the set of chunks one commit adds to and removes from
// a single aggregation.
type AggregationDiff struct {
	Added, Removed ChunkSet
}

// Empty reports whether the diff carries no changes.
func (d AggregationDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// CubeDiff groups chunk changes by the aggregation they belong to.
type CubeDiff map[types.AggregationID]AggregationDiff

// Empty reports whether no aggregation carries changes.
func (d CubeDiff) Empty() bool {
	for _, diff := range d {
		if !diff.Empty() {
			return false
		}
	}
	return true
}

// PositionDiff moves a partition's read position from one checkpoint to
// another.
type PositionDiff struct {
	From, To types.LogPosition
}

// Diff is one batch of changes produced by a participant: chunk changes per
// aggregation plus at most one new checkpoint per partition.
type Diff struct {
	Positions map[types.PartitionID]PositionDiff
	Cube      CubeDiff
}

// Empty reports whether the diff carries neither chunk nor position changes.
func (d Diff) Empty() bool {
	return len(d.Positions) == 0 && d.Cube.Empty()
}

// ChunkRef identifies a chunk together with the aggregation that owns it.
// Chunks of different aggregations never compare equal even if an external
// id generator handed out the same id twice.
type ChunkRef struct {
	Aggregation types.AggregationID
	ID          types.ChunkID
}

// CollectChunks flattens the added (or removed) chunks of every diff in a
// commit into a single set keyed by ChunkRef.
func CollectChunks(diffs []Diff, added bool) map[ChunkRef]types.Chunk {
	rst := map[ChunkRef]types.Chunk{}
	for _, diff := range diffs {
		for aggregation, aggDiff := range diff.Cube {
			chunks := aggDiff.Added
			if !added {
				chunks = aggDiff.Removed
			}
			for id, chunk := range chunks {
				rst[ChunkRef{Aggregation: aggregation, ID: id}] = chunk
			}
		}
	}
	return rst
}

// Squash drops every chunk present in both sets: a chunk added and removed
// within the same commit is a no-op and must not be persisted. Inputs are
// not modified; the result does not depend on iteration order.
func Squash(added, removed map[ChunkRef]types.Chunk) (map[ChunkRef]types.Chunk, map[ChunkRef]types.Chunk) {
	squashedAdded := map[ChunkRef]types.Chunk{}
	for ref, chunk := range added {
		if _, both := removed[ref]; !both {
			squashedAdded[ref] = chunk
		}
	}
	squashedRemoved := map[ChunkRef]types.Chunk{}
	for ref, chunk := range removed {
		if _, both := added[ref]; !both {
			squashedRemoved[ref] = chunk
		}
	}
	return squashedAdded, squashedRemoved
}

// CollectPositions merges the checkpoints of every diff in a commit. The
// diff list is ordered, so for partitions checkpointed more than once the
// last diff wins.
func CollectPositions(diffs []Diff) map[types.PartitionID]types.LogPosition {
	rst := map[types.PartitionID]types.LogPosition{}
	for _, diff := range diffs {
		for partition, positionDiff := range diff.Positions {
			rst[partition] = positionDiff.To
		}
	}
	return rst
}
