package revisions

import (
	"fmt"

	"github.com/cubesync/cubesync/common/types"
	"github.com/cubesync/cubesync/sql"
)

// Head returns the newest revision recorded in the ledger.
// Returns an error wrapping sql.ErrNotFound if the ledger was never
// bootstrapped, that is not even revision 0 exists.
func Head(db sql.Executor) (types.Revision, error) {
	var (
		head  types.Revision
		empty bool
	)
	if _, err := db.Exec("select max(revision) from revisions;", nil,
		func(stmt *sql.Statement) bool {
			if sql.IsNull(stmt, 0) {
				empty = true
				return false
			}
			head = types.Revision(stmt.ColumnInt64(0))
			return true
		}); err != nil {
		return 0, fmt.Errorf("get head: %w", err)
	}
	if empty {
		return 0, fmt.Errorf("%w: revision ledger is not bootstrapped", sql.ErrNotFound)
	}
	return head, nil
}

// Add claims rev for createdBy. A second insert of the same revision fails
// with sql.ErrObjectExists, which is how concurrent writers racing for the
// same revision number learn they lost the allocation.
func Add(db sql.Executor, rev types.Revision, createdBy string) error {
	_, err := db.Exec("insert into revisions (revision, created_by) values (?1, ?2);",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(rev))
			stmt.BindText(2, createdBy)
		}, nil)
	if err != nil {
		return err
	}
	return nil
}

// Bootstrap inserts revision 0 if it is missing. Idempotent.
func Bootstrap(db sql.Executor) error {
	if _, err := db.Exec("insert into revisions (revision, created_by) values (0, '') on conflict(revision) do nothing;",
		nil, nil); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// Creator returns the created_by tag recorded for rev.
func Creator(db sql.Executor, rev types.Revision) (string, error) {
	var createdBy string
	rows, err := db.Exec("select created_by from revisions where revision = ?1;",
		func(stmt *sql.Statement) {
			stmt.BindInt64(1, int64(rev))
		},
		func(stmt *sql.Statement) bool {
			createdBy = stmt.ColumnText(0)
			return true
		})
	if err != nil {
		return "", fmt.Errorf("get creator %s: %w", rev, err)
	} else if rows == 0 {
		return "", fmt.Errorf("%w: revision %s", sql.ErrNotFound, rev)
	}
	return createdBy, nil
}

// Prune deletes every revision above 0. Used together with chunks and
// positions cleanup when an operator resets an uplink.
func Prune(db sql.Executor) error {
	if _, err := db.Exec("delete from revisions where revision != 0;", nil, nil); err != nil {
		return fmt.Errorf("prune revisions: %w", err)
	}
	return nil
}
