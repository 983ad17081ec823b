package crr

import (
	"context"
	"fmt"
	"strings"

	"teilen.sh/core/notifier"
)

// Snapshot is materialized row state: table → stringified pk →
// column → value.
type Snapshot map[string]map[string]map[string]*string

// GetDocumentSnapshot computes the row state after applying every
// change reachable from commit, merges included, under the same
// last-writer-wins rules the applier uses.
func (e *Engine) GetDocumentSnapshot(commitID string) (Snapshot, error) {
	c, err := e.GetCommit(commitID)
	if err != nil {
		return nil, err
	}

	g, err := loadGraph(e.db, c.Document)
	if err != nil {
		return nil, err
	}

	reach := g.ancestors(commitID)
	ids := make([]string, 0, len(reach))
	for id := range reach {
		ids = append(ids, id)
	}

	changes, err := changesForCommits(e.db, ids)
	if err != nil {
		return nil, err
	}
	sortChanges(changes)

	type rowKey struct{ table, pk string }
	type cellWin struct {
		created string
		site    string
		value   *string
	}

	born := make(map[rowKey]string)
	died := make(map[rowKey]string)
	cells := make(map[rowKey]map[string]cellWin)

	for _, ch := range changes {
		k := rowKey{ch.Table, ch.PK}
		switch ch.Kind {
		case KindInsert:
			if ch.CreatedAt > born[k] {
				born[k] = ch.CreatedAt
			}
		case KindDelete:
			if ch.CreatedAt > died[k] {
				died[k] = ch.CreatedAt
			}
		case KindUpdate:
			if ch.Col == nil {
				continue
			}
			m := cells[k]
			if m == nil {
				m = make(map[string]cellWin)
				cells[k] = m
			}
			cur, ok := m[*ch.Col]
			if !ok || ch.CreatedAt > cur.created ||
				(ch.CreatedAt == cur.created && ch.SiteID > cur.site) {
				m[*ch.Col] = cellWin{created: ch.CreatedAt, site: ch.SiteID, value: ch.Value}
			}
		}
	}

	snap := make(Snapshot)
	for k, b := range born {
		if d, dead := died[k]; dead && d >= b {
			continue
		}

		ti, err := e.table(k.table)
		if err != nil {
			return nil, err
		}

		row := make(map[string]*string)
		pkParts := strings.Split(k.pk, "|")
		if len(pkParts) != len(ti.PKCols) {
			return nil, fmt.Errorf("pk %q does not match key of table %s", k.pk, k.table)
		}
		for i, p := range ti.PKCols {
			v := pkParts[i]
			row[p] = &v
		}
		for col, win := range cells[k] {
			row[col] = win.value
		}

		if snap[k.table] == nil {
			snap[k.table] = make(map[string]map[string]*string)
		}
		snap[k.table][k.pk] = row
	}
	return snap, nil
}

// Checkout rewrites the user tables of a document to the state at
// commitID and moves the document head there. Subsequent commits
// extend from the checked-out commit.
func (e *Engine) Checkout(ctx context.Context, commitID string) error {
	c, err := e.GetCommit(commitID)
	if err != nil {
		return err
	}

	snap, err := e.GetDocumentSnapshot(commitID)
	if err != nil {
		return err
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// every row the document ever touched gets replaced; rows of other
	// documents sharing the table are left alone
	rows, err := tx.Query(
		`select distinct tbl_name, pk from crr_changes where document = ?`,
		c.Document,
	)
	if err != nil {
		return err
	}

	type rowKey struct{ table, pk string }
	var touched []rowKey
	for rows.Next() {
		var k rowKey
		if err := rows.Scan(&k.table, &k.pk); err != nil {
			rows.Close()
			return err
		}
		touched = append(touched, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tables := make(map[string]bool)
	for _, k := range touched {
		ti, err := e.table(k.table)
		if err != nil {
			return err
		}
		where, args, err := pkWhere(ti, k.pk)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from `+quoteIdent(k.table)+` where `+where, args...); err != nil {
			return err
		}
		tables[k.table] = true
	}

	for table, byPK := range snap {
		for _, row := range byPK {
			cols := make([]string, 0, len(row))
			vals := make([]any, 0, len(row))
			for col, v := range row {
				cols = append(cols, quoteIdent(col))
				vals = append(vals, v)
			}
			placeholders := strings.Repeat("?, ", len(cols)-1) + "?"
			_, err := tx.Exec(
				`insert into `+quoteIdent(table)+` (`+strings.Join(cols, ", ")+`)
				values (`+placeholders+`)`,
				vals...,
			)
			if err != nil {
				return err
			}
		}
		tables[table] = true
	}

	if _, err := tx.Exec(`update crr_documents set head = ? where id = ?`, commitID, c.Document); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if len(tables) > 0 {
		names := make([]string, 0, len(tables))
		for t := range tables {
			names = append(names, t)
		}
		e.n.NotifyAll(notifier.Event{Tables: names})
	}
	return nil
}
