package crr

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the three change record variants.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is the atomic unit of replication: one cell write, one row
// birth, or one row tombstone. Insert and delete changes carry a nil
// Col; the cell values of an inserted row travel as update changes
// sharing the insert's timestamp.
type Change struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Table     string  `json:"tblName"`
	PK        string  `json:"pk"`
	Col       *string `json:"colId"`
	Value     *string `json:"value"`
	CreatedAt string  `json:"createdAt"` // encoded hlc, origin site
	AppliedAt int64   `json:"appliedAt"` // unix nanos, receiving site
	SiteID    string  `json:"siteId"`
	Document  string  `json:"document"`
	CommitID  *string `json:"commitId"`
}

const changeCols = `id, kind, tbl_name, pk, col_id, value, created_at, applied_at, site_id, document, commit_id`

func scanChange(rows *sql.Rows) (Change, error) {
	var c Change
	err := rows.Scan(
		&c.ID, (*string)(&c.Kind), &c.Table, &c.PK, &c.Col, &c.Value,
		&c.CreatedAt, &c.AppliedAt, &c.SiteID, &c.Document, &c.CommitID,
	)
	return c, err
}

func queryChanges(x Execer, where string, args ...any) ([]Change, error) {
	query := fmt.Sprintf(
		`select %s from crr_changes %s order by created_at asc, tbl_name, pk, col_id`,
		changeCols, where,
	)
	rows, err := x.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// UncommittedChanges lists the document's changes not yet bundled into
// a commit.
func (e *Engine) UncommittedChanges(docID string) ([]Change, error) {
	return queryChanges(e.db, `where document = ? and commit_id is null`, docID)
}

// ChangesForCommits returns the content of a set of commits.
func (e *Engine) ChangesForCommits(commitIDs []string) ([]Change, error) {
	return changesForCommits(e.db, commitIDs)
}

func changesForCommits(x Execer, commitIDs []string) ([]Change, error) {
	if len(commitIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(commitIDs)-1) + "?"
	args := make([]any, len(commitIDs))
	for i, id := range commitIDs {
		args[i] = id
	}
	return queryChanges(x, `where commit_id in (`+placeholders+`)`, args...)
}

// Changes lists every change of a document, oldest first.
func (e *Engine) Changes(docID string) ([]Change, error) {
	return queryChanges(e.db, `where document = ?`, docID)
}

// findExisting locates an already-applied copy of a change, keyed by
// origin site, timestamp and the affected cell or row.
func findExisting(x Execer, c Change) (*Change, error) {
	rows, err := x.Query(
		fmt.Sprintf(
			`select %s from crr_changes
			where site_id = ? and created_at = ? and kind = ?
				and tbl_name = ? and pk = ? and col_id is ?`,
			changeCols,
		),
		c.SiteID, c.CreatedAt, string(c.Kind), c.Table, c.PK, c.Col,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	found, err := scanChange(rows)
	if err != nil {
		return nil, err
	}
	return &found, nil
}

// insertChange appends a change record verbatim.
func insertChange(x Execer, c Change) error {
	_, err := x.Exec(
		`insert into crr_changes (`+changeCols+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.Table, c.PK, c.Col, c.Value,
		c.CreatedAt, c.AppliedAt, c.SiteID, c.Document, c.CommitID,
	)
	return err
}

// upsertPendingUpdate records a local cell write under the supersede
// rule: a pending update for the same cell is replaced in place,
// keeping the older record's identity but adopting the newer timestamp
// and value. Committed records are never touched.
func upsertPendingUpdate(x Execer, c Change) error {
	_, err := x.Exec(
		`insert into crr_changes (`+changeCols+`)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, null)
		on conflict (tbl_name, pk, col_id) where kind = 'update' and commit_id is null
		do update set
			value = excluded.value,
			created_at = excluded.created_at,
			applied_at = excluded.applied_at,
			site_id = excluded.site_id,
			document = excluded.document`,
		c.ID, string(c.Kind), c.Table, c.PK, c.Col, c.Value,
		c.CreatedAt, c.AppliedAt, c.SiteID, c.Document,
	)
	return err
}

// survivingCell returns the greatest-timestamp update recorded for a
// cell, committed or pending.
func survivingCell(x Execer, table, pk, col string) (*Change, error) {
	rows, err := x.Query(
		fmt.Sprintf(
			`select %s from crr_changes
			where kind = 'update' and tbl_name = ? and pk = ? and col_id = ?
			order by created_at desc, site_id desc limit 1`,
			changeCols,
		),
		table, pk, col,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	c, err := scanChange(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// rowFate returns the latest insert and delete timestamps recorded for
// a row, empty strings when absent.
func rowFate(x Execer, table, pk string) (lastInsert, lastDelete string, err error) {
	rows, err := x.Query(
		`select kind, max(created_at) from crr_changes
		where tbl_name = ? and pk = ? and kind in ('insert', 'delete')
		group by kind`,
		table, pk,
	)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()

	for rows.Next() {
		var kind, created string
		if err := rows.Scan(&kind, &created); err != nil {
			return "", "", err
		}
		switch Kind(kind) {
		case KindInsert:
			lastInsert = created
		case KindDelete:
			lastDelete = created
		}
	}
	return lastInsert, lastDelete, rows.Err()
}

// kindRank orders same-timestamp changes so a row exists before its
// cells fill in.
func kindRank(k Kind) int {
	switch k {
	case KindInsert:
		return 0
	case KindUpdate:
		return 1
	default:
		return 2
	}
}

// sortChanges puts a batch into deterministic application order.
func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra < rb
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.PK != b.PK {
			return a.PK < b.PK
		}
		ac, bc := "", ""
		if a.Col != nil {
			ac = *a.Col
		}
		if b.Col != nil {
			bc = *b.Col
		}
		return ac < bc
	})
}
