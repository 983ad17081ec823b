package crr

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"teilen.sh/core/fracindex"
	"teilen.sh/core/notifier"
)

// ExecTrackChanges runs one DML statement with change capture on.
// The statement and the change records it produces commit atomically;
// a failure anywhere rolls the whole statement back. docID is the
// ambient document for rows that do not carry their own; pass "" for
// the default document.
//
// All changes of one statement share a single hybrid timestamp.
func (e *Engine) ExecTrackChanges(ctx context.Context, docID string, query string, args ...any) (sql.Result, error) {
	if docID == "" {
		docID = DefaultDocument
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.setCapture(tx, true); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// capture back off before draining: the drain's own fixups (e.g.
	// substituted fractional positions) must not re-enter the log
	if err := e.setCapture(tx, false); err != nil {
		return nil, err
	}

	tables, err := e.drainStaging(tx, docID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if len(tables) > 0 {
		e.n.NotifyAll(notifier.Event{Tables: tables})
	}
	return res, nil
}

type stagedRow struct {
	seq      int64
	kind     Kind
	table    string
	pk       string
	col      *string
	value    *string
	document *string
}

// drainStaging turns the trigger-captured raw rows into change
// records: one hybrid timestamp for the statement, fractional-index
// markers substituted, pending updates superseded in place.
func (e *Engine) drainStaging(tx *sql.Tx, ambientDoc string) ([]string, error) {
	rows, err := tx.Query(
		`select seq, kind, tbl_name, pk, col_id, value, document
		from crr_staging order by seq asc`,
	)
	if err != nil {
		return nil, err
	}

	var staged []stagedRow
	for rows.Next() {
		var r stagedRow
		if err := rows.Scan(&r.seq, (*string)(&r.kind), &r.table, &r.pk, &r.col, &r.value, &r.document); err != nil {
			rows.Close()
			return nil, err
		}
		staged = append(staged, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(staged) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`delete from crr_staging`); err != nil {
		return nil, err
	}

	stamp := e.clock.Send().Encode()
	now := time.Now().UnixNano()

	tables := make(map[string]bool)
	docs := make(map[string]bool)

	for _, r := range staged {
		ti, err := e.table(r.table)
		if err != nil {
			return nil, err
		}

		doc := ambientDoc
		if r.document != nil && *r.document != "" {
			doc = *r.document
		}
		if !docs[doc] {
			if err := ensureDocument(tx, doc); err != nil {
				return nil, err
			}
			docs[doc] = true
		}

		c := Change{
			ID:        uuid.NewString(),
			Kind:      r.kind,
			Table:     r.table,
			PK:        r.pk,
			Col:       r.col,
			Value:     r.value,
			CreatedAt: stamp,
			AppliedAt: now,
			SiteID:    e.siteID,
			Document:  doc,
		}

		if r.kind == KindUpdate && r.col != nil {
			m := ti.meta(*r.col)
			if m.Fract && r.value != nil {
				key, err := e.resolveFractValue(tx, ti, *r.col, m, r.pk, *r.value)
				if err != nil {
					return nil, err
				}
				c.Value = &key
				if err := e.writeCell(tx, ti, r.pk, *r.col, &key); err != nil {
					return nil, err
				}
			}
		}

		switch r.kind {
		case KindUpdate:
			err = upsertPendingUpdate(tx, c)
		default:
			err = insertChange(tx, c)
		}
		if err != nil {
			return nil, err
		}

		tables[r.table] = true
	}

	out := make([]string, 0, len(tables))
	for t := range tables {
		out = append(out, t)
	}
	return out, nil
}

// resolveFractValue maps the caller-facing position value of a
// fractional-index column to a generated key. "|append" goes after the
// last sibling; a non-negative integer is the target list index within
// the row's parent group. Engine-generated keys are never accepted
// from local DML, which keeps every peer's keys flowing through the
// same deterministic generator.
func (e *Engine) resolveFractValue(x Execer, ti *tableInfo, col string, m colMeta, pk string, raw string) (string, error) {
	where, args, err := pkWhere(ti, pk)
	if err != nil {
		return "", err
	}

	conds := []string{"not (" + where + ")", quoteIdent(col) + " is not null"}
	condArgs := args

	if m.ParentCol != "" {
		var parent any
		err := x.QueryRow(
			`select `+quoteIdent(m.ParentCol)+` from `+quoteIdent(ti.Name)+` where `+where,
			args...,
		).Scan(&parent)
		if err != nil {
			return "", fmt.Errorf("failed to read parent of %s(%s): %w", ti.Name, pk, err)
		}
		conds = append(conds, quoteIdent(m.ParentCol)+" is ?")
		condArgs = append(condArgs, parent)
	}

	rows, err := x.Query(
		`select `+quoteIdent(col)+` from `+quoteIdent(ti.Name)+`
		where `+strings.Join(conds, " and ")+`
		order by `+quoteIdent(col)+` asc`,
		condArgs...,
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var positions []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return "", err
		}
		// rows later in the same statement may still hold their raw
		// marker; they are not neighbors yet
		if p == fracindex.AppendMarker {
			continue
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	if raw == fracindex.AppendMarker {
		a := fracindex.HeadAnchor
		if len(positions) > 0 {
			a = positions[len(positions)-1]
		}
		return fracindex.Mid(a, fracindex.TailAnchor, m.Alphabet)
	}

	k, err := strconv.Atoi(raw)
	if err != nil || k < 0 {
		return "", fmt.Errorf(
			"fractional-index column %s.%s takes %q or a list index, got %q",
			ti.Name, col, fracindex.AppendMarker, raw,
		)
	}
	if k > len(positions) {
		k = len(positions)
	}

	a := fracindex.HeadAnchor
	if k > 0 {
		a = positions[k-1]
	}
	b := fracindex.TailAnchor
	if k < len(positions) {
		b = positions[k]
	}
	return fracindex.Mid(a, b, m.Alphabet)
}

// writeCell sets one cell of a user row. Callers must have capture
// switched off.
func (e *Engine) writeCell(x Execer, ti *tableInfo, pk, col string, value *string) error {
	where, args, err := pkWhere(ti, pk)
	if err != nil {
		return err
	}
	_, err = x.Exec(
		`update `+quoteIdent(ti.Name)+` set `+quoteIdent(col)+` = ? where `+where,
		append([]any{value}, args...)...,
	)
	return err
}

// pkWhere builds the predicate matching a stringified pk tuple.
func pkWhere(ti *tableInfo, pk string) (string, []any, error) {
	parts := strings.Split(pk, "|")
	if len(parts) != len(ti.PKCols) {
		return "", nil, fmt.Errorf("pk %q does not match key of table %s", pk, ti.Name)
	}
	conds := make([]string, len(parts))
	args := make([]any, len(parts))
	for i, p := range parts {
		conds[i] = quoteIdent(ti.PKCols[i]) + " = ?"
		args[i] = p
	}
	return strings.Join(conds, " and "), args, nil
}
