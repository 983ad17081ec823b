package crr

import (
	"testing"

	"teilen.sh/core/hlc"
)

func strptr(s string) *string { return &s }

func stamp(pt int64, lt uint32) string {
	return hlc.Time{PT: pt, LT: lt}.Encode()
}

// mkChange builds a remote change as another site would emit it.
func mkChange(site string, kind Kind, pk string, col, value *string, createdAt string) Change {
	return Change{
		ID:        site + "-" + createdAt + "-" + deref(col),
		Kind:      kind,
		Table:     "todos",
		PK:        pk,
		Col:       col,
		Value:     value,
		CreatedAt: createdAt,
		SiteID:    site,
		Document:  DefaultDocument,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cellValue(t *testing.T, e *Engine, pk, col string) *string {
	t.Helper()
	ti, err := e.table("todos")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	v, err := readCell(e.db, ti, pk, col)
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	return v
}

func TestApplyInsertMaterializesRow(t *testing.T) {
	e := testEngine(t)

	batch := []Change{
		mkChange("site-a", KindInsert, "1", nil, nil, stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("name"), strptr("Buy milk"), stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("finished"), strptr("0"), stamp(100, 0)),
	}

	if _, err := e.ApplyChanges(t.Context(), batch); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if v := cellValue(t, e, "1", "name"); v == nil || *v != "Buy milk" {
		t.Errorf("name = %v", v)
	}
}

func TestApplyLWW(t *testing.T) {
	e := testEngine(t)

	base := []Change{
		mkChange("site-a", KindInsert, "1", nil, nil, stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("name"), strptr("Buy milk"), stamp(100, 0)),
	}
	if _, err := e.ApplyChanges(t.Context(), base); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	tests := []struct {
		name   string
		change Change
		want   string
	}{
		{
			name:   "later timestamp wins",
			change: mkChange("site-b", KindUpdate, "1", strptr("name"), strptr("Buy coffee"), stamp(200, 0)),
			want:   "Buy coffee",
		},
		{
			name:   "earlier timestamp loses",
			change: mkChange("site-c", KindUpdate, "1", strptr("name"), strptr("Buy tea"), stamp(150, 0)),
			want:   "Buy coffee",
		},
		{
			name:   "equal timestamp, lower site loses",
			change: mkChange("site-a", KindUpdate, "1", strptr("name"), strptr("Buy juice"), stamp(200, 0)),
			want:   "Buy coffee",
		},
		{
			name:   "equal timestamp, greater site wins",
			change: mkChange("site-z", KindUpdate, "1", strptr("name"), strptr("Buy water"), stamp(200, 0)),
			want:   "Buy water",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.ApplyChanges(t.Context(), []Change{tt.change}); err != nil {
				t.Fatalf("apply failed: %v", err)
			}
			if v := cellValue(t, e, "1", "name"); v == nil || *v != tt.want {
				t.Errorf("name = %v, want %q", deref(v), tt.want)
			}
		})
	}
}

func TestApplyIdempotent(t *testing.T) {
	e := testEngine(t)

	batch := []Change{
		mkChange("site-a", KindInsert, "1", nil, nil, stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("name"), strptr("Buy milk"), stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("finished"), strptr("1"), stamp(110, 0)),
	}

	if _, err := e.ApplyChanges(t.Context(), batch); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	countRows := func() (todos, changes int) {
		e.DB().QueryRow(`select count(*) from todos`).Scan(&todos)
		e.DB().QueryRow(`select count(*) from crr_changes`).Scan(&changes)
		return
	}
	todos1, changes1 := countRows()

	if _, err := e.ApplyChanges(t.Context(), batch); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	todos2, changes2 := countRows()

	if todos1 != todos2 || changes1 != changes2 {
		t.Errorf("second application changed state: rows %d->%d, changes %d->%d",
			todos1, todos2, changes1, changes2)
	}
}

func TestDeleteTombstone(t *testing.T) {
	e := testEngine(t)

	setup := []Change{
		mkChange("site-a", KindInsert, "1", nil, nil, stamp(100, 0)),
		mkChange("site-a", KindUpdate, "1", strptr("name"), strptr("Buy milk"), stamp(100, 0)),
		mkChange("site-a", KindDelete, "1", nil, nil, stamp(200, 0)),
	}
	if _, err := e.ApplyChanges(t.Context(), setup); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var n int
	e.DB().QueryRow(`select count(*) from todos where id = '1'`).Scan(&n)
	if n != 0 {
		t.Fatal("row survived its tombstone")
	}

	// an insert at an earlier timestamp stays suppressed
	stale := []Change{
		mkChange("site-b", KindInsert, "1", nil, nil, stamp(150, 0)),
		mkChange("site-b", KindUpdate, "1", strptr("name"), strptr("Old news"), stamp(150, 0)),
	}
	if _, err := e.ApplyChanges(t.Context(), stale); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	e.DB().QueryRow(`select count(*) from todos where id = '1'`).Scan(&n)
	if n != 0 {
		t.Fatal("tombstoned row resurrected by an earlier insert")
	}

	// a strictly later insert resurrects
	fresh := []Change{
		mkChange("site-b", KindInsert, "1", nil, nil, stamp(300, 0)),
		mkChange("site-b", KindUpdate, "1", strptr("name"), strptr("Back again"), stamp(300, 0)),
	}
	if _, err := e.ApplyChanges(t.Context(), fresh); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if v := cellValue(t, e, "1", "name"); v == nil || *v != "Back again" {
		t.Errorf("resurrected row has name %v", deref(v))
	}
}

// manualEngine upgrades todos with name in manual conflict mode.
func manualEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	_, err = e.DB().Exec(`
		create table todos (
			id text primary key,
			name text,
			finished integer not null default 0,
			position text
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	if err := e.UpgradeTableToCRR("todos", WithManualColumns("name")); err != nil {
		t.Fatalf("failed to upgrade todos: %v", err)
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	return e
}

func TestManualConflict(t *testing.T) {
	e := manualEngine(t)

	// our local write
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	exec(t, e, `update todos set name = 'Buy 2 jugs of milk' where id = '1'`)

	// a concurrent remote write with a later timestamp
	far := stamp(1<<41, 0)
	remote := mkChange("site-remote", KindUpdate, "1", strptr("name"), strptr("Buy coffee"), far)

	conflicts, err := e.ApplyChanges(t.Context(), []Change{remote})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if len(c.Columns) != 1 || c.Columns[0] != "name" {
		t.Errorf("conflict columns = %v", c.Columns)
	}
	if deref(c.Ours["name"]) != "Buy 2 jugs of milk" {
		t.Errorf("ours = %v", c.Ours)
	}
	if deref(c.Theirs["name"]) != "Buy coffee" {
		t.Errorf("theirs = %v", c.Theirs)
	}

	// the manual cell was not overwritten
	if v := cellValue(t, e, "1", "name"); deref(v) != "Buy 2 jugs of milk" {
		t.Errorf("manual cell overwritten to %v", deref(v))
	}

	open, err := e.GetConflicts("todos")
	if err != nil {
		t.Fatalf("get conflicts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}
}

func TestResolveConflict(t *testing.T) {
	tests := []struct {
		name       string
		resolution Resolution
		values     map[string]string
		want       string
	}{
		{"keep ours", ResolutionOurs, nil, "Buy 2 jugs of milk"},
		{"take theirs", ResolutionTheirs, nil, "Buy coffee"},
		{"choose value", ResolutionValue, map[string]string{"name": "Buy oat milk"}, "Buy oat milk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := manualEngine(t)
			exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
			exec(t, e, `update todos set name = 'Buy 2 jugs of milk' where id = '1'`)

			far := stamp(1<<41, 0)
			remote := mkChange("site-remote", KindUpdate, "1", strptr("name"), strptr("Buy coffee"), far)
			if _, err := e.ApplyChanges(t.Context(), []Change{remote}); err != nil {
				t.Fatalf("apply failed: %v", err)
			}

			err := e.ResolveConflict(t.Context(), "todos", "1", DefaultDocument, tt.resolution, tt.values)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}

			if v := cellValue(t, e, "1", "name"); deref(v) != tt.want {
				t.Errorf("name = %q, want %q", deref(v), tt.want)
			}

			open, err := e.GetConflicts("todos")
			if err != nil {
				t.Fatalf("get conflicts: %v", err)
			}
			if len(open) != 0 {
				t.Errorf("conflict still open after resolution")
			}

			// the resolution beats the remote timestamp on every peer
			surviving, err := survivingCell(e.db, "todos", "1", "name")
			if err != nil {
				t.Fatalf("surviving cell: %v", err)
			}
			if surviving.CreatedAt <= far {
				t.Error("resolution timestamp does not supersede the remote write")
			}
		})
	}
}
