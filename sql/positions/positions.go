package positions

import (
	"fmt"

	"github.com/cubesync/cubesync/common/types"
	"github.com/cubesync/cubesync/sql"
)

// Delta is a pair of checkpoints bounding a revision window for one
// partition. From is the initial position when the partition had no
// checkpoint at the window start.
type Delta struct {
	From, To types.LogPosition
}

// Add inserts one checkpoint row per partition, stamped with rev. The
// ledger keeps at most one checkpoint per partition per revision; a second
// insert for the same pair fails with sql.ErrObjectExists.
func Add(db sql.Executor, rev types.Revision, checkpoints map[types.PartitionID]types.LogPosition) error {
	for partition, position := range checkpoints {
		if _, err := db.Exec(`insert into positions
				(revision, partition_id, filename, remainder, position)
				values (?1, ?2, ?3, ?4, ?5);`,
			func(stmt *sql.Statement) {
				stmt.BindInt64(1, int64(rev))
				stmt.BindText(2, string(partition))
				stmt.BindText(3, position.File.Name)
				stmt.BindInt64(4, int64(position.File.Remainder))
				stmt.BindInt64(5, int64(position.Offset))
			}, nil); err != nil {
			return fmt.Errorf("insert position %s at %s: %w", partition, rev, err)
		}
	}
	return nil
}

// Latest returns the most recent checkpoint of every partition.
func Latest(db sql.Executor) (map[types.PartitionID]types.LogPosition, error) {
	rst := map[types.PartitionID]types.LogPosition{}
	if _, err := db.Exec(`select p.partition_id, p.filename, p.remainder, p.position
			from positions p
			inner join (select partition_id, max(revision) as max_revision
				from positions group by partition_id) g
			on p.partition_id = g.partition_id and p.revision = g.max_revision;`, nil,
		func(stmt *sql.Statement) bool {
			partition, position, _ := decodePosition(stmt)
			rst[partition] = position
			return true
		}); err != nil {
		return nil, fmt.Errorf("select latest positions: %w", err)
	}
	return rst, nil
}

// DeltaSince resolves, per partition, the latest checkpoint at or before
// from and the latest at or before to. Partitions without any checkpoint
// inside (from, to] are omitted.
func DeltaSince(db sql.Executor, from, to types.Revision) (map[types.PartitionID]Delta, error) {
	tos, err := latestUpTo(db, to)
	if err != nil {
		return nil, err
	}
	froms, err := latestUpTo(db, from)
	if err != nil {
		return nil, err
	}
	rst := map[types.PartitionID]Delta{}
	for partition, checkpoint := range tos {
		if !checkpoint.revision.After(from) {
			continue
		}
		delta := Delta{From: types.InitialPosition(), To: checkpoint.position}
		if earlier, exists := froms[partition]; exists {
			delta.From = earlier.position
		}
		rst[partition] = delta
	}
	return rst, nil
}

// Truncate drops every checkpoint row. Operator reset only.
func Truncate(db sql.Executor) error {
	if _, err := db.Exec("delete from positions;", nil, nil); err != nil {
		return fmt.Errorf("truncate positions: %w", err)
	}
	return nil
}

type checkpoint struct {
	position types.LogPosition
	revision types.Revision
}

func latestUpTo(db sql.Executor, bound types.Revision) (map[types.PartitionID]checkpoint, error) {
	rst := map[types.PartitionID]checkpoint{}
	if _, err := db.Exec(`select p.partition_id, p.filename, p.remainder, p.position, p.revision
			from positions p
			inner join (select partition_id, max(revision) as max_revision
				from positions where revision <= ?1 group by partition_id) g
			on p.partition_id = g.partition_id and p.revision = g.max_revision;`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(bound))
		},
		func(stmt *sql.Statement) bool {
			partition, position, revision := decodePosition(stmt)
			rst[partition] = checkpoint{position: position, revision: revision}
			return true
		}); err != nil {
		return nil, fmt.Errorf("select positions up to %s: %w", bound, err)
	}
	return rst, nil
}

// order of fields - partition_id, filename, remainder, position[, revision] .
func decodePosition(stmt *sql.Statement) (types.PartitionID, types.LogPosition, types.Revision) {
	partition := types.PartitionID(stmt.ColumnText(0))
	position := types.LogPosition{
		File: types.LogFile{
			Name:      stmt.ColumnText(1),
			Remainder: uint32(stmt.ColumnInt64(2)),
		},
		Offset: uint64(stmt.ColumnInt64(3)),
	}
	var revision types.Revision
	if stmt.ColumnCount() > 4 {
		revision = types.Revision(stmt.ColumnInt64(4))
	}
	return partition, position, revision
}
