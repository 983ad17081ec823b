package crr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"teilen.sh/core/notifier"
)

// Conflict is a surfaced disagreement on one or more manual-mode
// columns of a single row. Ours and Theirs snapshot both sides' cell
// values at the moment the conflict was detected.
type Conflict struct {
	Table    string             `json:"tblName"`
	PK       string             `json:"pk"`
	Document string             `json:"document"`
	Columns  []string           `json:"columns"`
	Ours     map[string]*string `json:"ours"`
	Theirs   map[string]*string `json:"theirs"`
	Resolved bool               `json:"resolved"`
}

type conflictDraft struct {
	table, pk, document string
	ours                map[string]*string
	theirs              map[string]*string
}

// draftConflict records one conflicting column; columns of the same
// row aggregate into a single conflict.
func (e *Engine) draftConflict(x Execer, ti *tableInfo, c Change, col string, drafts map[string]*conflictDraft) error {
	key := c.Table + "\x00" + c.PK + "\x00" + c.Document
	d, ok := drafts[key]
	if !ok {
		d = &conflictDraft{
			table:    c.Table,
			pk:       c.PK,
			document: c.Document,
			ours:     make(map[string]*string),
			theirs:   make(map[string]*string),
		}
		drafts[key] = d
	}

	ours, err := readCell(x, ti, c.PK, col)
	if err != nil {
		return err
	}
	d.ours[col] = ours
	d.theirs[col] = c.Value
	return nil
}

func readCell(x Execer, ti *tableInfo, pk, col string) (*string, error) {
	where, args, err := pkWhere(ti, pk)
	if err != nil {
		return nil, err
	}
	var v sql.NullString
	err = x.QueryRow(
		`select `+quoteIdent(col)+` from `+quoteIdent(ti.Name)+` where `+where,
		args...,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, nil
	}
	return &v.String, nil
}

// persistConflicts merges the batch's drafts into crr_conflicts,
// reopening and extending any existing conflict on the same row.
func persistConflicts(x Execer, drafts map[string]*conflictDraft) ([]Conflict, error) {
	var out []Conflict
	for _, d := range drafts {
		ours, theirs := d.ours, d.theirs

		var prevOurs, prevTheirs, prevCols string
		var resolved bool
		err := x.QueryRow(
			`select cols, ours, theirs, resolved from crr_conflicts
			where tbl_name = ? and pk = ? and document = ?`,
			d.table, d.pk, d.document,
		).Scan(&prevCols, &prevOurs, &prevTheirs, &resolved)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		if err == nil && !resolved {
			// extend the still-open conflict
			var po, pt map[string]*string
			if err := json.Unmarshal([]byte(prevOurs), &po); err == nil {
				for k, v := range ours {
					po[k] = v
				}
				ours = po
			}
			if err := json.Unmarshal([]byte(prevTheirs), &pt); err == nil {
				for k, v := range theirs {
					pt[k] = v
				}
				theirs = pt
			}
		}

		cols := make([]string, 0, len(ours))
		for c := range ours {
			cols = append(cols, c)
		}
		sort.Strings(cols)

		colsJSON, _ := json.Marshal(cols)
		oursJSON, _ := json.Marshal(ours)
		theirsJSON, _ := json.Marshal(theirs)

		_, err = x.Exec(
			`insert into crr_conflicts (tbl_name, pk, document, cols, ours, theirs, resolved, created_at)
			values (?, ?, ?, ?, ?, ?, 0, ?)
			on conflict (tbl_name, pk, document) do update set
				cols = excluded.cols,
				ours = excluded.ours,
				theirs = excluded.theirs,
				resolved = 0,
				created_at = excluded.created_at`,
			d.table, d.pk, d.document,
			string(colsJSON), string(oursJSON), string(theirsJSON),
			time.Now().UnixNano(),
		)
		if err != nil {
			return nil, err
		}

		out = append(out, Conflict{
			Table:    d.table,
			PK:       d.pk,
			Document: d.document,
			Columns:  cols,
			Ours:     ours,
			Theirs:   theirs,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].PK < out[j].PK
	})
	return out, nil
}

// GetConflicts lists the open conflicts of a table.
func (e *Engine) GetConflicts(table string) ([]Conflict, error) {
	rows, err := e.db.Query(
		`select tbl_name, pk, document, cols, ours, theirs, resolved
		from crr_conflicts
		where tbl_name = ? and resolved = 0
		order by created_at asc`,
		table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var (
			c                    Conflict
			cols, oursJ, theirsJ string
		)
		if err := rows.Scan(&c.Table, &c.PK, &c.Document, &cols, &oursJ, &theirsJ, &c.Resolved); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cols), &c.Columns); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(oursJ), &c.Ours); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(theirsJ), &c.Theirs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasOpenConflicts reports whether any row of the document still has
// an unresolved conflict.
func (e *Engine) HasOpenConflicts(docID string) (bool, error) {
	var one int
	err := e.db.QueryRow(
		`select 1 from crr_conflicts where document = ? and resolved = 0 limit 1`,
		docID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Resolution selects which side of a conflict to keep.
type Resolution int

const (
	// ResolutionOurs keeps the local values.
	ResolutionOurs Resolution = iota
	// ResolutionTheirs takes the remote values.
	ResolutionTheirs
	// ResolutionValue writes caller-chosen values.
	ResolutionValue
)

// ResolveConflict settles a conflict by writing the chosen values as
// fresh local updates with a new timestamp, so the resolution wins on
// every peer, and marks the conflict resolved. values is consulted
// only for ResolutionValue and maps column name to the chosen value.
func (e *Engine) ResolveConflict(ctx context.Context, table, pk, document string, r Resolution, values map[string]string) error {
	ti, err := e.table(table)
	if err != nil {
		return err
	}

	var (
		colsJ, oursJ, theirsJ string
		resolved              bool
	)
	err = e.db.QueryRow(
		`select cols, ours, theirs, resolved from crr_conflicts
		where tbl_name = ? and pk = ? and document = ?`,
		table, pk, document,
	).Scan(&colsJ, &oursJ, &theirsJ, &resolved)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no conflict on %s(%s) in document %s", table, pk, document)
	}
	if err != nil {
		return err
	}
	if resolved {
		return nil
	}

	var cols []string
	var ours, theirs map[string]*string
	if err := json.Unmarshal([]byte(colsJ), &cols); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(oursJ), &ours); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(theirsJ), &theirs); err != nil {
		return err
	}

	chosen := make(map[string]*string, len(cols))
	for _, c := range cols {
		switch r {
		case ResolutionOurs:
			chosen[c] = ours[c]
		case ResolutionTheirs:
			chosen[c] = theirs[c]
		case ResolutionValue:
			if v, ok := values[c]; ok {
				v := v
				chosen[c] = &v
			} else {
				chosen[c] = ours[c]
			}
		}
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stamp := e.clock.Send().Encode()
	now := time.Now().UnixNano()

	for _, c := range cols {
		if err := e.writeCell(tx, ti, pk, c, chosen[c]); err != nil {
			return err
		}
		col := c
		err := upsertPendingUpdate(tx, Change{
			ID:        uuid.NewString(),
			Kind:      KindUpdate,
			Table:     table,
			PK:        pk,
			Col:       &col,
			Value:     chosen[c],
			CreatedAt: stamp,
			AppliedAt: now,
			SiteID:    e.siteID,
			Document:  document,
		})
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`update crr_conflicts set resolved = 1
		where tbl_name = ? and pk = ? and document = ?`,
		table, pk, document,
	)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	e.n.NotifyAll(notifier.Event{Tables: []string{table}})
	return nil
}
