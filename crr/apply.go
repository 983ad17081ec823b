package crr

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"teilen.sh/core/hlc"
	"teilen.sh/core/notifier"
)

// ApplyChanges merges a batch of remote changes into local state. The
// whole batch is one transaction: changes are processed in ascending
// timestamp order and any failure rolls everything back, so the caller
// can retry with the identical payload. Application is idempotent on
// (site, timestamp, cell).
//
// Returned conflicts are the manual-mode disagreements surfaced by
// this batch, one per affected row.
func (e *Engine) ApplyChanges(ctx context.Context, changes []Change) ([]Conflict, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	batch := make([]Change, len(changes))
	copy(batch, changes)
	sortChanges(batch)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	tables := make(map[string]bool)
	docs := make(map[string]bool)
	drafts := make(map[string]*conflictDraft)
	var maxSeen hlc.Time

	for i, c := range batch {
		ti, err := e.table(c.Table)
		if err != nil {
			return nil, err
		}

		if t, err := hlc.Decode(c.CreatedAt); err != nil {
			return nil, fmt.Errorf("change %s: %w", c.ID, err)
		} else if t.After(maxSeen) {
			maxSeen = t
		}

		existing, err := findExisting(tx, c)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			// idempotent skip; a change seen live earlier and arriving
			// again inside a commit is promoted to that commit
			if existing.CommitID == nil && c.CommitID != nil {
				_, err = tx.Exec(
					`update crr_changes set commit_id = ? where id = ?`,
					*c.CommitID, existing.ID,
				)
				if err != nil {
					return nil, err
				}
			}
			continue
		}

		if !docs[c.Document] {
			if err := ensureDocument(tx, c.Document); err != nil {
				return nil, err
			}
			docs[c.Document] = true
		}

		c.AppliedAt = now

		switch c.Kind {
		case KindInsert:
			err = e.applyInsert(tx, ti, c, batch[i:])
		case KindDelete:
			err = e.applyDelete(tx, ti, c)
		case KindUpdate:
			err = e.applyUpdate(tx, ti, c, drafts)
		default:
			err = fmt.Errorf("change %s: unknown kind %q", c.ID, c.Kind)
		}
		if err != nil {
			return nil, err
		}

		tables[c.Table] = true
	}

	conflicts, err := persistConflicts(tx, drafts)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.clock.Receive(maxSeen)

	e.l.Debug("applied changes", "count", len(batch), "conflicts", len(conflicts))

	if len(tables) > 0 {
		names := make([]string, 0, len(tables))
		for t := range tables {
			names = append(names, t)
		}
		e.n.NotifyAll(notifier.Event{Tables: names})
	}
	return conflicts, nil
}

// applyInsert materializes a row birth. A tombstone with an equal or
// later timestamp suppresses it; a strictly later insert resurrects
// the row. The row is created with the cell values travelling at the
// same timestamp so not-null constraints hold.
func (e *Engine) applyInsert(tx *sql.Tx, ti *tableInfo, c Change, rest []Change) error {
	_, lastDelete, err := rowFate(tx, c.Table, c.PK)
	if err != nil {
		return err
	}

	if err := insertChange(tx, c); err != nil {
		return err
	}

	if lastDelete != "" && c.CreatedAt <= lastDelete {
		// tombstoned; the change is recorded but the row stays gone
		return nil
	}

	cols := make([]string, 0, len(ti.PKCols)+len(ti.NonPKCols))
	vals := make([]any, 0, cap(cols))

	pkParts := strings.Split(c.PK, "|")
	if len(pkParts) != len(ti.PKCols) {
		return fmt.Errorf("pk %q does not match key of table %s", c.PK, ti.Name)
	}
	for i, p := range ti.PKCols {
		cols = append(cols, quoteIdent(p))
		vals = append(vals, pkParts[i])
	}

	// sibling cell values from the same originating statement
	for _, s := range rest {
		if s.Kind != KindUpdate || s.Table != c.Table || s.PK != c.PK ||
			s.CreatedAt != c.CreatedAt || s.SiteID != c.SiteID || s.Col == nil {
			continue
		}
		cols = append(cols, quoteIdent(*s.Col))
		vals = append(vals, s.Value)
	}

	placeholders := strings.Repeat("?, ", len(cols)-1) + "?"
	_, err = tx.Exec(
		`insert into `+quoteIdent(ti.Name)+` (`+strings.Join(cols, ", ")+`)
		values (`+placeholders+`) on conflict do nothing`,
		vals...,
	)
	return err
}

// applyDelete tombstones a row unless a strictly later insert already
// resurrected it.
func (e *Engine) applyDelete(tx *sql.Tx, ti *tableInfo, c Change) error {
	lastInsert, _, err := rowFate(tx, c.Table, c.PK)
	if err != nil {
		return err
	}

	if err := insertChange(tx, c); err != nil {
		return err
	}

	if lastInsert != "" && lastInsert > c.CreatedAt {
		// stale delete: a later insert wins
		return nil
	}

	where, args, err := pkWhere(ti, c.PK)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`delete from `+quoteIdent(ti.Name)+` where `+where, args...)
	return err
}

// applyUpdate arbitrates one cell write: last writer wins by timestamp
// then site id, manual-mode columns divert concurrent writes into the
// conflict table instead of overwriting.
func (e *Engine) applyUpdate(tx *sql.Tx, ti *tableInfo, c Change, drafts map[string]*conflictDraft) error {
	if c.Col == nil {
		return fmt.Errorf("change %s: update without column", c.ID)
	}
	col := *c.Col
	m := ti.meta(col)

	prior, err := survivingCell(tx, c.Table, c.PK, col)
	if err != nil {
		return err
	}

	_, lastDelete, err := rowFate(tx, c.Table, c.PK)
	if err != nil {
		return err
	}
	tombstoned := lastDelete != "" && c.CreatedAt <= lastDelete

	wins := true
	if prior != nil {
		switch {
		case c.CreatedAt > prior.CreatedAt:
		case c.CreatedAt == prior.CreatedAt:
			wins = c.SiteID > prior.SiteID
		default:
			wins = false
		}
	}

	concurrent := false
	if m.Mode == ModeManual && prior != nil && prior.SiteID != c.SiteID && !valueEq(prior.Value, c.Value) {
		causal, err := e.causallyOrdered(tx, prior, c)
		if err != nil {
			return err
		}
		concurrent = !causal
	}

	if concurrent {
		if err := e.draftConflict(tx, ti, c, col, drafts); err != nil {
			return err
		}
	}

	// record the change; losing committed changes still enter the log
	// as commit content, losing uncommitted ones are already
	// superseded and vanish
	switch {
	case c.CommitID != nil:
		err = insertChange(tx, c)
	case wins:
		err = upsertPendingUpdate(tx, c)
	}
	if err != nil {
		return err
	}

	if wins && !concurrent && !tombstoned {
		return e.writeCell(tx, ti, c.PK, col, c.Value)
	}
	return nil
}

// causallyOrdered reports whether prior happened-before c along the
// commit graph: prior's commit being an ancestor of c's commit means c
// saw prior and the write is a plain overwrite, not a conflict.
func (e *Engine) causallyOrdered(x Execer, prior *Change, c Change) (bool, error) {
	if prior.CommitID == nil || c.CommitID == nil {
		// an unpublished write on either side is by definition unseen
		return false, nil
	}
	if *prior.CommitID == *c.CommitID {
		return true, nil
	}
	g, err := loadGraph(x, c.Document)
	if err != nil {
		return false, err
	}
	return g.isAncestor(*prior.CommitID, *c.CommitID), nil
}

func valueEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
