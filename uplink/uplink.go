package uplink

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cubesync/cubesync/common/types"
	"github.com/cubesync/cubesync/sql"
	"github.com/cubesync/cubesync/sql/chunks"
	"github.com/cubesync/cubesync/sql/positions"
	"github.com/cubesync/cubesync/sql/revisions"
)

// FetchData is the result of Checkout, Fetch and Push: the revision the
// diffs bring the caller to, the commit level (equal to the revision for a
// linear history) and the diffs themselves.
type FetchData struct {
	Base  types.Revision
	Level types.Revision
	Diffs []Diff
}

// ProtoCommit is a validated commit that has not been persisted yet. It
// carries no revision of its own until Push succeeds.
type ProtoCommit struct {
	Parent types.Revision
	Diffs  []Diff
}

// Opt for configuring Uplink.
type Opt func(*Uplink)

// WithLogger specifies logger for the uplink.
func WithLogger(logger *zap.Logger) Opt {
	return func(u *Uplink) {
		u.logger = logger
	}
}

// WithMeasuresValidator installs a validator for chunk measures. Without
// one every measure list is accepted.
func WithMeasuresValidator(validator MeasuresValidator) Opt {
	return func(u *Uplink) {
		u.validator = validator
	}
}

// WithCreatedBy sets the tag recorded against every revision this uplink
// allocates. Defaults to hostname plus a random suffix.
func WithCreatedBy(createdBy string) Opt {
	return func(u *Uplink) {
		u.createdBy = createdBy
	}
}

// Uplink synchronizes participants of a chunked analytical dataset against
// a single monotonically versioned commit log. Concurrent pushes are
// serialized into a total order of revisions; the backing database is the
// only shared state and nothing is cached across calls.
type Uplink struct {
	logger    *zap.Logger
	db        *sql.Database
	codecs    KeyCodecs
	validator MeasuresValidator
	createdBy string
}

// New creates an Uplink on top of db. The codec registry is read-only
// configuration: chunks of aggregations it does not know are rejected.
func New(db *sql.Database, codecs KeyCodecs, opts ...Opt) *Uplink {
	u := &Uplink{
		logger:    zap.NewNop(),
		db:        db,
		codecs:    codecs,
		createdBy: defaultCreatedBy(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func defaultCreatedBy() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}

// Initialize bootstraps the revision ledger with revision 0. Idempotent;
// every other operation fails with ErrEmpty until this ran once.
func (u *Uplink) Initialize(ctx context.Context) error {
	return u.db.WithTxImmediate(ctx, func(tx *sql.Tx) error {
		return revisions.Bootstrap(tx)
	})
}

// Truncate wipes all chunks, checkpoints and revisions above 0. Operator
// reset only; concurrent callers of the emptied uplink must checkout again.
func (u *Uplink) Truncate(ctx context.Context) error {
	return u.db.WithTxImmediate(ctx, func(tx *sql.Tx) error {
		if err := chunks.Truncate(tx); err != nil {
			return err
		}
		if err := positions.Truncate(tx); err != nil {
			return err
		}
		return revisions.Prune(tx)
	})
}

// Checkout fetches the full current state: every live chunk and the newest
// checkpoint of every partition, as a single diff against the empty state.
func (u *Uplink) Checkout(ctx context.Context) (*FetchData, error) {
	var rst *FetchData
	if err := u.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := u.head(tx)
		if err != nil {
			return err
		}
		live, err := chunks.Live(tx)
		if err != nil {
			return err
		}
		cube := CubeDiff{}
		for _, stored := range live {
			aggregation, chunk, err := u.decodeChunk(stored)
			if err != nil {
				return err
			}
			diff := cube[aggregation]
			if diff.Added == nil {
				diff.Added = ChunkSet{}
			}
			diff.Added.Put(chunk)
			cube[aggregation] = diff
		}
		latest, err := positions.Latest(tx)
		if err != nil {
			return err
		}
		posDiffs := map[types.PartitionID]PositionDiff{}
		for partition, position := range latest {
			posDiffs[partition] = PositionDiff{From: types.InitialPosition(), To: position}
		}
		rst = &FetchData{Base: head, Level: head, Diffs: toDiffs(cube, posDiffs)}
		return nil
	}); err != nil {
		return nil, err
	}
	return rst, nil
}

// Fetch computes the delta a caller at since needs to catch up with the
// head. Fails with ErrInvalidRevision if since is ahead of the head.
func (u *Uplink) Fetch(ctx context.Context, since types.Revision) (*FetchData, error) {
	var rst *FetchData
	if err := u.db.WithTx(ctx, func(tx *sql.Tx) error {
		head, err := u.head(tx)
		if err != nil {
			return err
		}
		if head == since {
			rst = &FetchData{Base: head, Level: head}
			return nil
		}
		if head.Before(since) {
			return fmt.Errorf("%w: head %s, known %s", ErrInvalidRevision, head, since)
		}
		rst, err = u.delta(tx, since, head)
		return err
	}); err != nil {
		return nil, err
	}
	return rst, nil
}

// CreateProtoCommit validates a proposed commit against the parent revision
// the caller computed it from. Pure, no I/O; diffs are carried as-is and
// squashed at push time.
func (u *Uplink) CreateProtoCommit(parent types.Revision, diffs []Diff, parentLevel types.Revision) (*ProtoCommit, error) {
	if parent != parentLevel {
		return nil, fmt.Errorf("%w: parent %s, level %s", ErrLevelMismatch, parent, parentLevel)
	}
	return &ProtoCommit{Parent: parent, Diffs: diffs}, nil
}

// Push appends a proto commit to the history. The next revision is claimed
// with an optimistic insert; losing the claim to a concurrent writer is the
// expected case under contention and retried against the advanced head, so
// every retry observes progress and the loop terminates. Once a revision R
// is claimed the squashed diffs are persisted under it and the transaction
// commits as a unit.
//
// An empty result delta means the push landed exactly on parent+1. A
// non-empty one carries everything other writers committed in between, for
// the caller to rebase onto.
func (u *Uplink) Push(ctx context.Context, proto *ProtoCommit) (*FetchData, error) {
	var (
		rst *FetchData
		rev types.Revision
	)
	if err := u.db.WithTxImmediate(ctx, func(tx *sql.Tx) error {
		head, err := u.head(tx)
		if err != nil {
			return err
		}
		if head.Before(proto.Parent) {
			return fmt.Errorf("%w: head %s, parent %s", ErrStaleParent, head, proto.Parent)
		}
		rev = head.Next()
		for {
			err := revisions.Add(tx, rev, u.createdBy)
			if err == nil {
				break
			}
			if !errors.Is(err, sql.ErrObjectExists) {
				return fmt.Errorf("allocate revision %s: %w", rev, err)
			}
			// someone else claimed this number, re-read and go again
			allocationCollisions.Inc()
			head, err = revisions.Head(tx)
			if err != nil {
				return err
			}
			rev = head.Next()
		}

		added, removed := Squash(
			CollectChunks(proto.Diffs, true),
			CollectChunks(proto.Diffs, false),
		)
		if len(added) > 0 {
			stored, err := u.encodeChunks(added)
			if err != nil {
				return err
			}
			if err := chunks.Add(tx, rev, stored); err != nil {
				return err
			}
		}
		if len(removed) > 0 {
			ids := make([]types.ChunkID, 0, len(removed))
			for ref := range removed {
				ids = append(ids, ref.ID)
			}
			if err := chunks.Remove(tx, rev, ids); err != nil {
				return err
			}
		}
		if checkpoints := CollectPositions(proto.Diffs); len(checkpoints) > 0 {
			if err := positions.Add(tx, rev, checkpoints); err != nil {
				return err
			}
		}

		if rev == proto.Parent.Next() {
			rst = &FetchData{Base: rev, Level: rev}
			return nil
		}
		rebase, err := u.delta(tx, proto.Parent, rev-1)
		if err != nil {
			return err
		}
		rst = &FetchData{Base: rev, Level: rev, Diffs: rebase.Diffs}
		return nil
	}); err != nil {
		return nil, err
	}
	outcome := "fast"
	if rev != proto.Parent.Next() {
		outcome = "rebase"
	}
	pushes.WithLabelValues(outcome).Inc()
	u.logger.Debug("pushed commit",
		zap.Stringer("revision", rev),
		zap.Stringer("parent", proto.Parent),
		zap.String("outcome", outcome),
	)
	return rst, nil
}

func (u *Uplink) head(db sql.Executor) (types.Revision, error) {
	head, err := revisions.Head(db)
	if err != nil {
		if errors.Is(err, sql.ErrNotFound) {
			return 0, ErrEmpty
		}
		return 0, err
	}
	return head, nil
}

// delta reconstructs the changes over the window (from, to] as a FetchData
// bringing the caller to to.
func (u *Uplink) delta(db sql.Executor, from, to types.Revision) (*FetchData, error) {
	addedRows, removedRows, err := chunks.DeltaSince(db, from, to)
	if err != nil {
		return nil, err
	}
	cube := CubeDiff{}
	for _, stored := range addedRows {
		aggregation, chunk, err := u.decodeChunk(stored)
		if err != nil {
			return nil, err
		}
		diff := cube[aggregation]
		if diff.Added == nil {
			diff.Added = ChunkSet{}
		}
		diff.Added.Put(chunk)
		cube[aggregation] = diff
	}
	for _, stored := range removedRows {
		aggregation, chunk, err := u.decodeChunk(stored)
		if err != nil {
			return nil, err
		}
		diff := cube[aggregation]
		if diff.Removed == nil {
			diff.Removed = ChunkSet{}
		}
		diff.Removed.Put(chunk)
		cube[aggregation] = diff
	}
	posDeltas, err := positions.DeltaSince(db, from, to)
	if err != nil {
		return nil, err
	}
	posDiffs := map[types.PartitionID]PositionDiff{}
	for partition, delta := range posDeltas {
		posDiffs[partition] = PositionDiff{From: delta.From, To: delta.To}
	}
	return &FetchData{Base: to, Level: to, Diffs: toDiffs(cube, posDiffs)}, nil
}

func (u *Uplink) encodeChunks(set map[ChunkRef]types.Chunk) ([]chunks.Chunk, error) {
	rst := make([]chunks.Chunk, 0, len(set))
	for ref, chunk := range set {
		codec, exists := u.codecs.Codec(ref.Aggregation)
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAggregation, ref.Aggregation)
		}
		if err := u.validate(ref.Aggregation, chunk.Measures); err != nil {
			return nil, err
		}
		minKey, err := codec.EncodeKey(chunk.Min)
		if err != nil {
			return nil, fmt.Errorf("chunk %s min key: %w", chunk.ID, err)
		}
		maxKey, err := codec.EncodeKey(chunk.Max)
		if err != nil {
			return nil, fmt.Errorf("chunk %s max key: %w", chunk.ID, err)
		}
		rst = append(rst, chunks.Chunk{
			ID:          chunk.ID,
			Aggregation: ref.Aggregation,
			Measures:    chunk.Measures,
			MinKey:      minKey,
			MaxKey:      maxKey,
			Count:       chunk.Count,
		})
	}
	return rst, nil
}

func (u *Uplink) decodeChunk(stored chunks.Chunk) (types.AggregationID, types.Chunk, error) {
	codec, exists := u.codecs.Codec(stored.Aggregation)
	if !exists {
		return "", types.Chunk{}, fmt.Errorf("%w: %s", ErrUnknownAggregation, stored.Aggregation)
	}
	if err := u.validate(stored.Aggregation, stored.Measures); err != nil {
		return "", types.Chunk{}, err
	}
	minKey, err := codec.DecodeKey(stored.MinKey)
	if err != nil {
		return "", types.Chunk{}, fmt.Errorf("chunk %s min key: %w", stored.ID, err)
	}
	maxKey, err := codec.DecodeKey(stored.MaxKey)
	if err != nil {
		return "", types.Chunk{}, fmt.Errorf("chunk %s max key: %w", stored.ID, err)
	}
	return stored.Aggregation, types.Chunk{
		ID:       stored.ID,
		Measures: stored.Measures,
		Min:      minKey,
		Max:      maxKey,
		Count:    stored.Count,
	}, nil
}

func (u *Uplink) validate(aggregation types.AggregationID, measures []string) error {
	if u.validator == nil {
		return nil
	}
	if err := u.validator(aggregation, measures); err != nil {
		return fmt.Errorf("validate measures of %s: %w", aggregation, err)
	}
	return nil
}

// toDiffs wraps the reconstructed state into the diff list shape commits
// use. Empty reconstructions produce an empty list, not a single empty
// diff.
func toDiffs(cube CubeDiff, posDiffs map[types.PartitionID]PositionDiff) []Diff {
	if cube.Empty() && len(posDiffs) == 0 {
		return nil
	}
	if cube.Empty() {
		return []Diff{{Positions: posDiffs}}
	}
	return []Diff{{Positions: posDiffs, Cube: cube}}
}
