package uplink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubesync/cubesync/common/types"
	"github.com/cubesync/cubesync/sql"
	"github.com/cubesync/cubesync/sql/chunks"
	"github.com/cubesync/cubesync/sql/positions"
)

func testCodecs() CodecMap {
	return CodecMap{
		"daily":  JSONKeyCodec{},
		"hourly": JSONKeyCodec{},
	}
}

func testUplink(tb testing.TB, opts ...Opt) (*sql.Database, *Uplink) {
	tb.Helper()
	db := sql.InMemory()
	u := New(db, testCodecs(), opts...)
	require.NoError(tb, u.Initialize(context.Background()))
	return db, u
}

func testChunk(id types.ChunkID, min, max float64) types.Chunk {
	return types.Chunk{
		ID:       id,
		Measures: []string{"impressions", "clicks"},
		Min:      types.Key{min},
		Max:      types.Key{max},
		Count:    10,
	}
}

func addDiff(aggregation types.AggregationID, added ...types.Chunk) Diff {
	set := ChunkSet{}
	for _, chunk := range added {
		set.Put(chunk)
	}
	return Diff{Cube: CubeDiff{aggregation: AggregationDiff{Added: set}}}
}

func removeDiff(aggregation types.AggregationID, removed ...types.Chunk) Diff {
	set := ChunkSet{}
	for _, chunk := range removed {
		set.Put(chunk)
	}
	return Diff{Cube: CubeDiff{aggregation: AggregationDiff{Removed: set}}}
}

func positionDiff(partition types.PartitionID, from, to types.LogPosition) Diff {
	return Diff{Positions: map[types.PartitionID]PositionDiff{
		partition: {From: from, To: to},
	}}
}

func mustPush(tb testing.TB, u *Uplink, parent types.Revision, diffs ...Diff) *FetchData {
	tb.Helper()
	proto, err := u.CreateProtoCommit(parent, diffs, parent)
	require.NoError(tb, err)
	rst, err := u.Push(context.Background(), proto)
	require.NoError(tb, err)
	return rst
}

// replica folds fetched diff lists the way a participant maintains its
// local snapshot.
type replica struct {
	revision  types.Revision
	chunks    map[ChunkRef]types.Chunk
	positions map[types.PartitionID]types.LogPosition
}

func newReplica() *replica {
	return &replica{
		chunks:    map[ChunkRef]types.Chunk{},
		positions: map[types.PartitionID]types.LogPosition{},
	}
}

func (r *replica) apply(data *FetchData) {
	r.revision = data.Base
	for _, diff := range data.Diffs {
		for aggregation, aggDiff := range diff.Cube {
			for id := range aggDiff.Removed {
				delete(r.chunks, ChunkRef{Aggregation: aggregation, ID: id})
			}
			for id, chunk := range aggDiff.Added {
				r.chunks[ChunkRef{Aggregation: aggregation, ID: id}] = chunk
			}
		}
		for partition, positionDiff := range diff.Positions {
			r.positions[partition] = positionDiff.To
		}
	}
}

func TestUninitialized(t *testing.T) {
	db := sql.InMemory()
	u := New(db, testCodecs())
	ctx := context.Background()

	_, err := u.Checkout(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	_, err = u.Fetch(ctx, 0)
	require.ErrorIs(t, err, ErrEmpty)

	proto, err := u.CreateProtoCommit(0, nil, 0)
	require.NoError(t, err)
	_, err = u.Push(ctx, proto)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestCheckoutInitial(t *testing.T) {
	_, u := testUplink(t)

	data, err := u.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.Revision(0), data.Base)
	require.Equal(t, types.Revision(0), data.Level)
	require.Empty(t, data.Diffs)
}

func TestPushFastPath(t *testing.T) {
	_, u := testUplink(t)
	ctx := context.Background()

	chunk := testChunk(1, 1, 9)
	rst := mustPush(t, u, 0, addDiff("daily", chunk))
	require.Equal(t, types.Revision(1), rst.Base)
	require.Empty(t, rst.Diffs, "push at the head returns an empty delta")

	data, err := u.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Revision(1), data.Base)
	require.Len(t, data.Diffs, 1)
	require.Equal(t, chunk, data.Diffs[0].Cube["daily"].Added[1])

	fetched, err := u.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.Revision(1), fetched.Base)
	require.Equal(t, chunk, fetched.Diffs[0].Cube["daily"].Added[1])

	empty, err := u.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, empty.Diffs)
}

func TestPushMonotonicNoGaps(t *testing.T) {
	_, u := testUplink(t)

	for i := 1; i <= 10; i++ {
		rst := mustPush(t, u, types.Revision(i-1), addDiff("daily", testChunk(types.ChunkID(i), 0, 1)))
		require.Equal(t, types.Revision(i), rst.Base)
	}
}

func TestCreateProtoCommitLevelMismatch(t *testing.T) {
	_, u := testUplink(t)

	_, err := u.CreateProtoCommit(3, nil, 4)
	require.ErrorIs(t, err, ErrLevelMismatch)
}

func TestFetchAheadOfHead(t *testing.T) {
	_, u := testUplink(t)

	_, err := u.Fetch(context.Background(), 5)
	require.ErrorIs(t, err, ErrInvalidRevision)
}

func TestPushStaleParent(t *testing.T) {
	_, u := testUplink(t)

	proto, err := u.CreateProtoCommit(5, nil, 5)
	require.NoError(t, err)
	_, err = u.Push(context.Background(), proto)
	require.ErrorIs(t, err, ErrStaleParent)
}

func TestPushUnknownAggregation(t *testing.T) {
	db, u := testUplink(t)
	ctx := context.Background()

	proto, err := u.CreateProtoCommit(0, []Diff{addDiff("unknown", testChunk(1, 1, 2))}, 0)
	require.NoError(t, err)
	_, err = u.Push(ctx, proto)
	require.ErrorIs(t, err, ErrUnknownAggregation)

	// transaction rolled back, nothing landed
	data, err := u.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Revision(0), data.Base)
	live, err := chunks.Live(db)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestPushMeasuresValidator(t *testing.T) {
	rejected := errors.New("unexpected measures")
	db, u := testUplink(t, WithMeasuresValidator(func(aggregation types.AggregationID, measures []string) error {
		if aggregation == "daily" && len(measures) != 1 {
			return rejected
		}
		return nil
	}))

	proto, err := u.CreateProtoCommit(0, []Diff{addDiff("daily", testChunk(1, 1, 2))}, 0)
	require.NoError(t, err)
	_, err = u.Push(context.Background(), proto)
	require.ErrorIs(t, err, rejected)

	live, err := chunks.Live(db)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestPushSquash(t *testing.T) {
	db, u := testUplink(t)

	chunk := testChunk(1, 1, 9)
	rst := mustPush(t, u, 0, addDiff("daily", chunk), removeDiff("daily", chunk))
	require.Equal(t, types.Revision(1), rst.Base)

	// the revision exists but no chunk row was ever written
	live, err := chunks.Live(db)
	require.NoError(t, err)
	require.Empty(t, live)
	added, removed, err := chunks.DeltaSince(db, 0, 1)
	require.NoError(t, err)
	require.Empty(t, added)
	require.Empty(t, removed)
}

func TestEmptyPush(t *testing.T) {
	db, u := testUplink(t)

	rst := mustPush(t, u, 0)
	require.Equal(t, types.Revision(1), rst.Base)
	require.Empty(t, rst.Diffs)

	live, err := chunks.Live(db)
	require.NoError(t, err)
	require.Empty(t, live)
	latest, err := positions.Latest(db)
	require.NoError(t, err)
	require.Empty(t, latest)
}

func TestPushRebaseDelta(t *testing.T) {
	_, u := testUplink(t)

	winner := testChunk(1, 1, 9)
	loser := testChunk(2, 10, 19)

	// both commits are computed against revision 0
	protoA, err := u.CreateProtoCommit(0, []Diff{addDiff("daily", winner)}, 0)
	require.NoError(t, err)
	protoB, err := u.CreateProtoCommit(0, []Diff{addDiff("daily", loser)}, 0)
	require.NoError(t, err)

	ctx := context.Background()
	rstA, err := u.Push(ctx, protoA)
	require.NoError(t, err)
	require.Equal(t, types.Revision(1), rstA.Base)
	require.Empty(t, rstA.Diffs)

	rstB, err := u.Push(ctx, protoB)
	require.NoError(t, err)
	require.Equal(t, types.Revision(2), rstB.Base)
	require.Len(t, rstB.Diffs, 1)
	// the rebase delta carries the winner's chunks, not the loser's own
	require.Equal(t, winner, rstB.Diffs[0].Cube["daily"].Added[1])
	require.NotContains(t, rstB.Diffs[0].Cube["daily"].Added, types.ChunkID(2))

	data, err := u.Checkout(ctx)
	require.NoError(t, err)
	require.Len(t, data.Diffs[0].Cube["daily"].Added, 2)
}

func TestConcurrentPushRace(t *testing.T) {
	uri := "file:" + filepath.Join(t.TempDir(), "uplink.sql")
	db, err := sql.Open(uri)
	require.NoError(t, err)
	defer db.Close()
	u := New(db, testCodecs())
	ctx := context.Background()
	require.NoError(t, u.Initialize(ctx))

	protos := []*ProtoCommit{}
	for i, aggregation := range []types.AggregationID{"daily", "hourly"} {
		proto, err := u.CreateProtoCommit(0, []Diff{
			addDiff(aggregation, testChunk(types.ChunkID(i+1), 0, 1)),
		}, 0)
		require.NoError(t, err)
		protos = append(protos, proto)
	}

	var (
		wg   sync.WaitGroup
		rsts = make([]*FetchData, len(protos))
		errs = make([]error, len(protos))
	)
	for i, proto := range protos {
		i, proto := i, proto
		wg.Add(1)
		go func() {
			defer wg.Done()
			rsts[i], errs[i] = u.Push(ctx, proto)
		}()
	}
	wg.Wait()

	for i := range protos {
		require.NoError(t, errs[i])
	}
	bases := []types.Revision{rsts[0].Base, rsts[1].Base}
	require.ElementsMatch(t, []types.Revision{1, 2}, bases)

	winner, loser := 0, 1
	if rsts[1].Base == 1 {
		winner, loser = 1, 0
	}
	require.Empty(t, rsts[winner].Diffs)
	require.Len(t, rsts[loser].Diffs, 1)

	// the loser's delta carries exactly the winner's commit
	winnerAggregation := types.AggregationID("daily")
	if winner == 1 {
		winnerAggregation = "hourly"
	}
	require.Contains(t, rsts[loser].Diffs[0].Cube, winnerAggregation)
	require.Len(t, rsts[loser].Diffs[0].Cube, 1)

	data, err := u.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Revision(2), data.Base)
	require.Len(t, data.Diffs[0].Cube, 2)
}

func TestShortLivedChunkInvisible(t *testing.T) {
	_, u := testUplink(t)
	ctx := context.Background()

	chunk := testChunk(7, 1, 9)
	mustPush(t, u, 0, addDiff("daily", chunk))
	mustPush(t, u, 1, removeDiff("daily", chunk))

	// window covering both edges sees nothing of the chunk
	data, err := u.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.Revision(2), data.Base)
	require.Empty(t, data.Diffs)

	// window covering only the remove edge sees the removal
	data, err = u.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, data.Diffs, 1)
	require.Contains(t, data.Diffs[0].Cube["daily"].Removed, types.ChunkID(7))
	require.Empty(t, data.Diffs[0].Cube["daily"].Added)
}

func TestPositionCheckpoints(t *testing.T) {
	_, u := testUplink(t)
	ctx := context.Background()

	first := types.LogPosition{File: types.LogFile{Name: "log_00"}, Offset: 100}
	second := types.LogPosition{File: types.LogFile{Name: "log_00"}, Offset: 250}

	mustPush(t, u, 0, positionDiff("a", types.InitialPosition(), first))
	mustPush(t, u, 1, positionDiff("a", first, second))

	data, err := u.Fetch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, PositionDiff{From: types.InitialPosition(), To: second},
		data.Diffs[0].Positions["a"])

	data, err = u.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, PositionDiff{From: first, To: second}, data.Diffs[0].Positions["a"])

	// positions never rewind across successive windows
	var last types.LogPosition
	for since := types.Revision(0); since < 2; since++ {
		data, err := u.Fetch(ctx, since)
		require.NoError(t, err)
		to := data.Diffs[0].Positions["a"].To
		require.False(t, to.Before(last))
		last = to
	}
}

func TestDeltaRoundTrip(t *testing.T) {
	_, u := testUplink(t)
	ctx := context.Background()

	pos := func(offset uint64) types.LogPosition {
		return types.LogPosition{File: types.LogFile{Name: "log_00"}, Offset: offset}
	}

	// snapshot a replica right after every push via checkout
	snapshots := map[types.Revision]*replica{}
	snapshot := func() {
		data, err := u.Checkout(ctx)
		require.NoError(t, err)
		r := newReplica()
		r.apply(data)
		snapshots[data.Base] = r
	}
	snapshot()
	mustPush(t, u, 0, addDiff("daily", testChunk(1, 0, 9), testChunk(2, 10, 19)))
	snapshot()
	mustPush(t, u, 1, positionDiff("a", types.InitialPosition(), pos(50)))
	snapshot()
	mustPush(t, u, 2, removeDiff("daily", testChunk(1, 0, 9)), addDiff("hourly", testChunk(3, 0, 5)))
	snapshot()
	mustPush(t, u, 3, positionDiff("a", pos(50), pos(120)), addDiff("daily", testChunk(4, 20, 29)))
	snapshot()

	final, err := u.Checkout(ctx)
	require.NoError(t, err)
	expected := newReplica()
	expected.apply(final)

	// every snapshot caught up via fetch converges to the checkout at head
	for since, r := range snapshots {
		delta, err := u.Fetch(ctx, since)
		require.NoError(t, err)
		require.Equal(t, final.Base, delta.Base)
		r.apply(delta)
		require.Equal(t, expected.chunks, r.chunks)
		require.Equal(t, expected.positions, r.positions)
	}
}

func TestTruncate(t *testing.T) {
	_, u := testUplink(t)
	ctx := context.Background()

	mustPush(t, u, 0, addDiff("daily", testChunk(1, 0, 9)))
	mustPush(t, u, 1, positionDiff("a", types.InitialPosition(), types.LogPosition{Offset: 5}))

	require.NoError(t, u.Truncate(ctx))

	data, err := u.Checkout(ctx)
	require.NoError(t, err)
	require.Equal(t, types.Revision(0), data.Base)
	require.Empty(t, data.Diffs)
}
