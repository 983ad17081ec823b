package crr

import (
	"database/sql"
	"fmt"
	"strings"

	"teilen.sh/core/fracindex"
)

// ColumnMode selects how concurrent writes to a column are arbitrated.
type ColumnMode string

const (
	// ModeLWW resolves concurrent writes by hybrid timestamp, greatest
	// site id breaking ties.
	ModeLWW ColumnMode = "lww"
	// ModeManual surfaces concurrent writes as conflict rows for the
	// application to resolve.
	ModeManual ColumnMode = "manual"
)

type colMeta struct {
	Mode      ColumnMode
	Fract     bool
	ParentCol string
	Alphabet  fracindex.Alphabet
}

type tableInfo struct {
	Name        string
	PKCols      []string
	NonPKCols   []string
	DocumentCol string
	Cols        map[string]colMeta
}

func (t *tableInfo) meta(col string) colMeta {
	if m, ok := t.Cols[col]; ok {
		return m
	}
	return colMeta{Mode: ModeLWW}
}

type UpgradeOpt func(*upgradeOpts)

type upgradeOpts struct {
	manual      []string
	documentCol string
}

// WithManualColumns marks columns whose concurrent writes are surfaced
// as conflicts instead of auto-resolving.
func WithManualColumns(cols ...string) UpgradeOpt {
	return func(o *upgradeOpts) {
		o.manual = append(o.manual, cols...)
	}
}

// WithDocumentColumn names the column holding the row's document id.
// Rows without one are assigned the statement's ambient document.
func WithDocumentColumn(col string) UpgradeOpt {
	return func(o *upgradeOpts) {
		o.documentCol = col
	}
}

// UpgradeTableToCRR records conflict-resolution metadata for every
// column of table. All columns default to last-writer-wins. Safe to
// call again: before Finalize a repeat call re-records each column's
// mode from the options it is given (fractional-index settings are
// kept); after Finalize re-upgrading an already-upgraded table is a
// no-op.
func (e *Engine) UpgradeTableToCRR(table string, opts ...UpgradeOpt) error {
	if err := e.ensureNotFinalized(); err != nil {
		// re-upgrading an already-recorded table is a no-op
		upgraded, uerr := e.isUpgraded(table)
		if uerr != nil {
			return uerr
		}
		if upgraded {
			return nil
		}
		return err
	}

	var o upgradeOpts
	for _, opt := range opts {
		opt(&o)
	}

	pks, cols, err := e.introspect(table)
	if err != nil {
		return err
	}

	manual := make(map[string]bool, len(o.manual))
	for _, c := range o.manual {
		manual[c] = true
	}

	for _, c := range cols {
		mode := ModeLWW
		if manual[c] {
			mode = ModeManual
		}
		_, err := e.db.Exec(
			`insert into crr_columns (tbl_name, col_id, mode)
			values (?, ?, ?)
			on conflict (tbl_name, col_id) do update set mode = excluded.mode`,
			table, c, string(mode),
		)
		if err != nil {
			return err
		}
	}

	if o.documentCol != "" {
		found := false
		for _, c := range cols {
			if c == o.documentCol {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("document column %q not in table %q", o.documentCol, table)
		}
	}

	e.tables[table] = buildTableInfo(table, pks, cols, o.documentCol, e.tables[table])
	return e.persistDocumentCol(table, o.documentCol)
}

// document columns are recorded in crr_columns under a reserved key so
// the metadata survives restarts
func documentColKey(col string) string {
	return "__document:" + col
}

func (e *Engine) persistDocumentCol(table, col string) error {
	if col == "" {
		return nil
	}
	_, err := e.db.Exec(
		`insert into crr_columns (tbl_name, col_id, mode) values (?, ?, 'lww')
		on conflict (tbl_name, col_id) do nothing`,
		table, documentColKey(col),
	)
	return err
}

// UpgradeColumnToFractionalIndex marks column as a fractional-index
// position, ordered within groups sharing parentColumn. Pass an empty
// parentColumn for a single global list.
func (e *Engine) UpgradeColumnToFractionalIndex(table, column, parentColumn string, opts ...FractOpt) error {
	if err := e.ensureNotFinalized(); err != nil {
		var fract bool
		serr := e.db.QueryRow(
			`select fract_index from crr_columns where tbl_name = ? and col_id = ?`,
			table, column,
		).Scan(&fract)
		if serr == nil && fract {
			return nil
		}
		return err
	}

	o := fractOpts{alphabet: fracindex.Base10}
	for _, opt := range opts {
		opt(&o)
	}

	alphaName := "base10"
	if o.alphabet == fracindex.Base52 {
		alphaName = "base52"
	}

	_, err := e.db.Exec(
		`insert into crr_columns (tbl_name, col_id, mode, fract_index, parent_col, alphabet)
		values (?, ?, 'lww', 1, ?, ?)
		on conflict (tbl_name, col_id) do update set
			fract_index = 1, parent_col = excluded.parent_col, alphabet = excluded.alphabet`,
		table, column, parentColumn, alphaName,
	)
	if err != nil {
		return err
	}

	if ti, ok := e.tables[table]; ok {
		m := ti.meta(column)
		m.Fract = true
		m.ParentCol = parentColumn
		m.Alphabet = o.alphabet
		ti.Cols[column] = m
	}
	return nil
}

type FractOpt func(*fractOpts)

type fractOpts struct {
	alphabet fracindex.Alphabet
}

func WithAlphabet(a fracindex.Alphabet) FractOpt {
	return func(o *fractOpts) {
		o.alphabet = a
	}
}

// UpgradeAllTablesToCRR applies the defaults to every user table.
func (e *Engine) UpgradeAllTablesToCRR() error {
	rows, err := e.db.Query(
		`select name from sqlite_master
		where type = 'table'
			and name not like 'crr_%'
			and name not like 'sqlite_%'`,
	)
	if err != nil {
		return err
	}

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, t)
	}
	// release the connection before upgrading
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tables {
		if err := e.UpgradeTableToCRR(t); err != nil {
			return err
		}
	}
	return nil
}

// Finalize commits the column metadata and installs the change-capture
// triggers on every upgraded table. Must run after the user schema
// exists and before any tracked DML. Idempotent.
func (e *Engine) Finalize() error {
	if err := e.loadTableInfo(); err != nil {
		return err
	}

	for _, ti := range e.tables {
		if err := e.installTriggers(ti); err != nil {
			return fmt.Errorf("failed to install triggers on %s: %w", ti.Name, err)
		}
		e.l.Debug("installed change capture", "table", ti.Name)
	}

	_, err := e.db.Exec(
		`insert into crr_settings (k, v) values ('finalized', 1)
		on conflict (k) do update set v = 1`,
	)
	return err
}

func (e *Engine) isUpgraded(table string) (bool, error) {
	var one int
	err := e.db.QueryRow(
		`select 1 from crr_columns where tbl_name = ? limit 1`, table,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) ensureNotFinalized() error {
	var v int
	err := e.db.QueryRow(`select v from crr_settings where k = 'finalized'`).Scan(&v)
	if err == nil && v == 1 {
		return ErrFinalized
	}
	return nil
}

// introspect reads primary-key and column names off the live schema.
func (e *Engine) introspect(table string) (pks, cols []string, err error) {
	rows, err := e.db.Query(fmt.Sprintf(`pragma table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type col struct {
		name  string
		pkPos int
	}
	var all []col
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, nil, err
		}
		all = append(all, col{name: name, pkPos: pk})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("no such table: %s", table)
	}

	for _, c := range all {
		cols = append(cols, c.name)
		if c.pkPos > 0 {
			pks = append(pks, c.name)
		}
	}
	if len(pks) == 0 {
		// rowid table without an explicit pk
		return nil, nil, fmt.Errorf("table %s has no primary key", table)
	}
	return pks, cols, nil
}

func buildTableInfo(table string, pks, cols []string, docCol string, prev *tableInfo) *tableInfo {
	ti := &tableInfo{
		Name:        table,
		PKCols:      pks,
		DocumentCol: docCol,
		Cols:        make(map[string]colMeta),
	}
	if prev != nil {
		for k, v := range prev.Cols {
			ti.Cols[k] = v
		}
		if docCol == "" {
			ti.DocumentCol = prev.DocumentCol
		}
	}
	pkSet := make(map[string]bool, len(pks))
	for _, p := range pks {
		pkSet[p] = true
	}
	for _, c := range cols {
		if !pkSet[c] {
			ti.NonPKCols = append(ti.NonPKCols, c)
		}
		if _, ok := ti.Cols[c]; !ok {
			ti.Cols[c] = colMeta{Mode: ModeLWW}
		}
	}
	return ti
}

// loadTableInfo rebuilds the in-memory metadata cache from
// crr_columns and the live schema.
func (e *Engine) loadTableInfo() error {
	rows, err := e.db.Query(
		`select tbl_name, col_id, mode, fract_index, parent_col, alphabet from crr_columns`,
	)
	if err != nil {
		return err
	}

	type colRow struct {
		table, col, mode, alphabet string
		fract                      bool
		parent                     *string
	}
	byTable := make(map[string][]colRow)
	docCols := make(map[string]string)
	for rows.Next() {
		var r colRow
		if err := rows.Scan(&r.table, &r.col, &r.mode, &r.fract, &r.parent, &r.alphabet); err != nil {
			rows.Close()
			return err
		}
		if c, ok := strings.CutPrefix(r.col, "__document:"); ok {
			docCols[r.table] = c
			continue
		}
		byTable[r.table] = append(byTable[r.table], r)
	}
	// release the connection before introspecting
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tables := make(map[string]*tableInfo, len(byTable))
	for table, cols := range byTable {
		pks, allCols, err := e.introspect(table)
		if err != nil {
			return err
		}
		ti := buildTableInfo(table, pks, allCols, docCols[table], nil)
		for _, r := range cols {
			m := colMeta{Mode: ColumnMode(r.mode)}
			if r.fract {
				m.Fract = true
				if r.parent != nil {
					m.ParentCol = *r.parent
				}
				m.Alphabet = fracindex.Base10
				if r.alphabet == "base52" {
					m.Alphabet = fracindex.Base52
				}
			}
			ti.Cols[r.col] = m
		}
		tables[table] = ti
	}
	e.tables = tables
	return nil
}

// table returns metadata for an upgraded table.
func (e *Engine) table(name string) (*tableInfo, error) {
	ti, ok := e.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotUpgraded, name)
	}
	return ti, nil
}

// installTriggers attaches the three change-capture triggers. The
// triggers stage raw OLD/NEW cell values; ExecTrackChanges drains the
// staging table into crr_changes within the same transaction. The
// capture flag keeps untracked statements (and the engine's own
// writes during apply and checkout) out of the log.
func (e *Engine) installTriggers(ti *tableInfo) error {
	guard := `(select v from crr_settings where k = 'capture') = 1`
	newPK := pkExpr(ti.PKCols, "new")
	oldPK := pkExpr(ti.PKCols, "old")

	newDoc, oldDoc := "null", "null"
	if ti.DocumentCol != "" {
		newDoc = "new." + quoteIdent(ti.DocumentCol)
		oldDoc = "old." + quoteIdent(ti.DocumentCol)
	}

	var ins strings.Builder
	fmt.Fprintf(&ins, `
		create trigger if not exists %s after insert on %s
		when %s
		begin
			insert into crr_staging (kind, tbl_name, pk, col_id, value, document)
			values ('insert', '%s', %s, null, null, %s);`,
		quoteIdent("crr_"+ti.Name+"_insert"), quoteIdent(ti.Name), guard,
		ti.Name, newPK, newDoc,
	)
	for _, c := range ti.NonPKCols {
		fmt.Fprintf(&ins, `
			insert into crr_staging (kind, tbl_name, pk, col_id, value, document)
			values ('update', '%s', %s, '%s', new.%s, %s);`,
			ti.Name, newPK, c, quoteIdent(c), newDoc,
		)
	}
	ins.WriteString("\nend;")

	var upd strings.Builder
	fmt.Fprintf(&upd, `
		create trigger if not exists %s after update on %s
		when %s
		begin`,
		quoteIdent("crr_"+ti.Name+"_update"), quoteIdent(ti.Name), guard,
	)
	for _, c := range ti.NonPKCols {
		fmt.Fprintf(&upd, `
			insert into crr_staging (kind, tbl_name, pk, col_id, value, document)
			select 'update', '%s', %s, '%s', new.%s, %s
			where new.%s is not old.%s;`,
			ti.Name, newPK, c, quoteIdent(c), newDoc,
			quoteIdent(c), quoteIdent(c),
		)
	}
	upd.WriteString("\nend;")

	del := fmt.Sprintf(`
		create trigger if not exists %s after delete on %s
		when %s
		begin
			insert into crr_staging (kind, tbl_name, pk, col_id, value, document)
			values ('delete', '%s', %s, null, null, %s);
		end;`,
		quoteIdent("crr_"+ti.Name+"_delete"), quoteIdent(ti.Name), guard,
		ti.Name, oldPK, oldDoc,
	)

	for _, stmt := range []string{ins.String(), upd.String(), del} {
		if _, err := e.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// pkExpr builds the stringified primary-key tuple for a trigger row
// reference, multi-column keys joined with '|'.
func pkExpr(pks []string, ref string) string {
	parts := make([]string, len(pks))
	for i, p := range pks {
		parts[i] = ref + "." + quoteIdent(p)
	}
	return strings.Join(parts, " || '|' || ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
