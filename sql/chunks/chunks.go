package chunks

import (
	"fmt"
	"strings"

	"github.com/cubesync/cubesync/common/types"
	"github.com/cubesync/cubesync/sql"
)

// Chunk is the stored form of a chunk row. Min and max keys are kept in
// their codec-encoded text representation; decoding back to key tuples is
// the caller's business since it needs the per-aggregation codec.
type Chunk struct {
	ID             types.ChunkID
	Aggregation    types.AggregationID
	Measures       []string
	MinKey, MaxKey string
	Count          uint32
}

// Add inserts chunk rows stamped with added_revision = rev. Chunk ids are
// unique across the whole ledger; inserting a known id fails with
// sql.ErrObjectExists.
func Add(db sql.Executor, rev types.Revision, chunks []Chunk) error {
	for _, chunk := range chunks {
		if _, err := db.Exec(`insert into chunks
				(id, aggregation, measures, min_key, max_key, item_count, added_revision)
				values (?1, ?2, ?3, ?4, ?5, ?6, ?7);`,
			func(stmt *sql.Statement) {
				stmt.BindInt64(1, int64(chunk.ID))
				stmt.BindText(2, string(chunk.Aggregation))
				stmt.BindText(3, strings.Join(chunk.Measures, " "))
				stmt.BindText(4, chunk.MinKey)
				stmt.BindText(5, chunk.MaxKey)
				stmt.BindInt64(6, int64(chunk.Count))
				stmt.BindInt64(7, int64(rev))
			}, nil); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// Remove stamps removed_revision = rev on the given live chunks. Ids that
// are unknown to the ledger, or already removed, are skipped silently.
func Remove(db sql.Executor, rev types.Revision, ids []types.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf(
		"update chunks set removed_revision = ?1 where removed_revision is null and id in (%s);",
		makeInClause(2, len(ids))),
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(rev))
			for i, id := range ids {
				stmt.BindInt64(i+2, int64(id))
			}
		}, nil); err != nil {
		return fmt.Errorf("remove chunks at %s: %w", rev, err)
	}
	return nil
}

// Live returns every chunk whose removed_revision is still unset.
func Live(db sql.Executor) ([]Chunk, error) {
	var rst []Chunk
	if _, err := db.Exec(`select id, aggregation, measures, min_key, max_key, item_count
			from chunks where removed_revision is null;`, nil,
		func(stmt *sql.Statement) bool {
			rst = append(rst, decodeChunk(stmt))
			return true
		}); err != nil {
		return nil, fmt.Errorf("select live chunks: %w", err)
	}
	return rst, nil
}

// DeltaSince classifies chunk changes over the half-open revision window
// (from, to]. A chunk is added if it was created in the window and is still
// visible at to. It is removed if it existed at from and disappeared inside
// the window. A chunk born and removed entirely within the window shows up
// in neither set.
func DeltaSince(db sql.Executor, from, to types.Revision) (added, removed []Chunk, err error) {
	if _, err := db.Exec(`select id, aggregation, measures, min_key, max_key, item_count,
			(removed_revision is null or removed_revision > ?2)
			from chunks
			where (removed_revision between ?1 and ?2 and added_revision < ?1)
			or (added_revision between ?1 and ?2 and (removed_revision is null or removed_revision > ?2));`,
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(from)+1)
			stmt.BindInt64(2, int64(to))
		},
		func(stmt *sql.Statement) bool {
			chunk := decodeChunk(stmt)
			if stmt.ColumnInt(6) != 0 {
				added = append(added, chunk)
			} else {
				removed = append(removed, chunk)
			}
			return true
		}); err != nil {
		return nil, nil, fmt.Errorf("chunk delta (%s, %s]: %w", from, to, err)
	}
	return added, removed, nil
}

// Truncate drops every chunk row. Operator reset only.
func Truncate(db sql.Executor) error {
	if _, err := db.Exec("delete from chunks;", nil, nil); err != nil {
		return fmt.Errorf("truncate chunks: %w", err)
	}
	return nil
}

// order of fields - id, aggregation, measures, min_key, max_key, item_count .
func decodeChunk(stmt *sql.Statement) Chunk {
	return Chunk{
		ID:          types.ChunkID(stmt.ColumnInt64(0)),
		Aggregation: types.AggregationID(stmt.ColumnText(1)),
		Measures:    strings.Fields(stmt.ColumnText(2)),
		MinKey:      stmt.ColumnText(3),
		MaxKey:      stmt.ColumnText(4),
		Count:       uint32(stmt.ColumnInt64(5)),
	}
}

func makeInClause(start, num int) string {
	var sb strings.Builder
	for i := 0; i < num; i++ {
		fmt.Fprintf(&sb, "?%d", start+i)
		if i < num-1 {
			sb.WriteString(",")
		}
	}
	return sb.String()
}
