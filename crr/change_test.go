package crr

import (
	"context"
	"testing"
)

// testEngine opens an in-memory replica with an upgraded todos table.
func testEngine(t *testing.T) *Engine {
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

	if err := e.UpgradeTableToCRR("todos"); err != nil {
		t.Fatalf("failed to upgrade todos: %v", err)
	}
	if err := e.UpgradeColumnToFractionalIndex("todos", "position", ""); err != nil {
		t.Fatalf("failed to upgrade position column: %v", err)
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	return e
}

func exec(t *testing.T, e *Engine, query string, args ...any) {
	t.Helper()
	if _, err := e.ExecTrackChanges(context.Background(), "", query, args...); err != nil {
		t.Fatalf("tracked exec failed: %v\n%s", err, query)
	}
}

func pendingChanges(t *testing.T, e *Engine) []Change {
	t.Helper()
	changes, err := e.UncommittedChanges(DefaultDocument)
	if err != nil {
		t.Fatalf("failed to list changes: %v", err)
	}
	return changes
}

func findCell(changes []Change, pk, col string) *Change {
	for i, c := range changes {
		if c.Kind == KindUpdate && c.PK == pk && c.Col != nil && *c.Col == col {
			return &changes[i]
		}
	}
	return nil
}

func TestInsertGeneratesChanges(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name, finished, position) values ('1', 'Buy milk', 0, '|append')`)

	changes := pendingChanges(t, e)

	var inserts, updates int
	stamp := ""
	for _, c := range changes {
		switch c.Kind {
		case KindInsert:
			inserts++
			if c.Col != nil || c.Value != nil {
				t.Errorf("insert change carries a cell: %+v", c)
			}
		case KindUpdate:
			updates++
		}
		if stamp == "" {
			stamp = c.CreatedAt
		} else if c.CreatedAt != stamp {
			t.Errorf("changes of one statement carry different stamps: %s vs %s", stamp, c.CreatedAt)
		}
		if c.SiteID != e.SiteID() {
			t.Errorf("change has foreign site id %s", c.SiteID)
		}
		if c.Document != DefaultDocument {
			t.Errorf("change assigned to document %s", c.Document)
		}
	}
	if inserts != 1 {
		t.Errorf("expected 1 insert change, got %d", inserts)
	}
	if updates != 3 {
		t.Errorf("expected 3 cell changes, got %d", updates)
	}

	pos := findCell(changes, "1", "position")
	if pos == nil || pos.Value == nil {
		t.Fatal("no position cell change")
	}
	if *pos.Value == "|append" {
		t.Error("append marker was not substituted at emission")
	}
}

func TestUpdateEmitsOnlyChangedColumns(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	before := pendingChanges(t, e)

	exec(t, e, `update todos set name = 'Buy coffee', finished = 0 where id = '1'`)
	after := pendingChanges(t, e)

	// finished was already 0: only the name cell changed
	if len(after) != len(before) {
		t.Fatalf("expected change count to stay at %d, got %d", len(before), len(after))
	}

	name := findCell(after, "1", "name")
	if name == nil || name.Value == nil || *name.Value != "Buy coffee" {
		t.Fatalf("name cell not updated: %+v", name)
	}

	prevFinished := findCell(before, "1", "finished")
	curFinished := findCell(after, "1", "finished")
	if curFinished.CreatedAt != prevFinished.CreatedAt {
		t.Error("self-equal write refreshed the cell timestamp")
	}
}

func TestSelfEqualUpdateDoesNotRefresh(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	before := findCell(pendingChanges(t, e), "1", "name")

	exec(t, e, `update todos set name = 'Buy milk' where id = '1'`)
	after := findCell(pendingChanges(t, e), "1", "name")

	if after.CreatedAt != before.CreatedAt {
		t.Errorf("self-equal update advanced created_at: %s -> %s", before.CreatedAt, after.CreatedAt)
	}
	if after.ID != before.ID {
		t.Errorf("self-equal update replaced the change record")
	}
}

func TestSupersedePendingUpdate(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)

	first := findCell(pendingChanges(t, e), "1", "name")

	exec(t, e, `update todos set name = 'Buy 2 jugs of milk' where id = '1'`)
	exec(t, e, `update todos set name = 'Buy coffee' where id = '1'`)

	changes := pendingChanges(t, e)
	var nameCells int
	for _, c := range changes {
		if c.Kind == KindUpdate && c.PK == "1" && c.Col != nil && *c.Col == "name" {
			nameCells++
		}
	}
	if nameCells != 1 {
		t.Fatalf("expected 1 surviving name cell change, got %d", nameCells)
	}

	last := findCell(changes, "1", "name")
	if *last.Value != "Buy coffee" {
		t.Errorf("surviving value = %q", *last.Value)
	}
	if last.CreatedAt <= first.CreatedAt {
		t.Error("superseding update did not adopt a later timestamp")
	}
	if last.ID != first.ID {
		t.Error("superseding update did not inherit the record identity")
	}
}

func TestDeleteGeneratesTombstone(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	exec(t, e, `delete from todos where id = '1'`)

	var deletes int
	for _, c := range pendingChanges(t, e) {
		if c.Kind == KindDelete {
			deletes++
			if c.PK != "1" {
				t.Errorf("tombstone for wrong pk %q", c.PK)
			}
		}
	}
	if deletes != 1 {
		t.Errorf("expected 1 delete change, got %d", deletes)
	}
}

func TestUntrackedExecEmitsNothing(t *testing.T) {
	e := testEngine(t)
	if _, err := e.DB().Exec(`insert into todos (id, name) values ('1', 'Buy milk')`); err != nil {
		t.Fatalf("untracked exec failed: %v", err)
	}
	if changes := pendingChanges(t, e); len(changes) != 0 {
		t.Errorf("untracked statement produced %d changes", len(changes))
	}
}

func TestDocumentAssignment(t *testing.T) {
	e := testEngine(t)
	if _, err := e.ExecTrackChanges(context.Background(), "board-1",
		`insert into todos (id, name) values ('1', 'Buy milk')`); err != nil {
		t.Fatalf("tracked exec failed: %v", err)
	}

	changes, err := e.UncommittedChanges("board-1")
	if err != nil {
		t.Fatalf("failed to list changes: %v", err)
	}
	if len(changes) == 0 {
		t.Fatal("no changes recorded under ambient document")
	}

	if _, err := e.GetDocument("board-1"); err != nil {
		t.Errorf("document was not auto-created: %v", err)
	}
}

func TestStrictlyMonotonicStamps(t *testing.T) {
	e := testEngine(t)

	prev := ""
	for i := range 20 {
		exec(t, e, `insert into todos (id, name) values (?, 'x')`, itoa(i))
		changes := pendingChanges(t, e)
		stamp := changes[len(changes)-1].CreatedAt
		if stamp <= prev && prev != "" {
			t.Fatalf("statement stamps not strictly increasing: %s then %s", prev, stamp)
		}
		prev = stamp
	}
}

func itoa(i int) string {
	return string(rune('a' + i))
}
