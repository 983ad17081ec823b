package crr

import (
	"errors"
	"strings"
	"testing"
)

func mustCommit(t *testing.T, e *Engine, message string) *Commit {
	t.Helper()
	c, err := e.Commit(t.Context(), message, "")
	if err != nil {
		t.Fatalf("commit %q failed: %v", message, err)
	}
	return c
}

func TestCommitBundlesPendingChanges(t *testing.T) {
	e := testEngine(t)
	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)

	c := mustCommit(t, e, "initial")

	if pending := pendingChanges(t, e); len(pending) != 0 {
		t.Errorf("%d changes left pending after commit", len(pending))
	}

	bundled, err := e.ChangesForCommits([]string{c.ID})
	if err != nil {
		t.Fatalf("changes for commit: %v", err)
	}
	if len(bundled) == 0 {
		t.Fatal("commit has no content")
	}

	head, err := e.Head(DefaultDocument)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head == nil || *head != c.ID {
		t.Errorf("head = %v, want %s", head, c.ID)
	}
	if len(c.Parents) != 0 {
		t.Errorf("first commit has parents %v", c.Parents)
	}
	if c.AuthorSite != e.SiteID() {
		t.Errorf("author = %s", c.AuthorSite)
	}
}

func TestCommitChain(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	c1 := mustCommit(t, e, "one")

	exec(t, e, `insert into todos (id, name) values ('2', 'Buy coffee')`)
	c2 := mustCommit(t, e, "two")

	if len(c2.Parents) != 1 || c2.Parents[0] != c1.ID {
		t.Errorf("second commit parents = %v, want [%s]", c2.Parents, c1.ID)
	}

	ok, err := e.IsAncestor(c1.ID, c2.ID)
	if err != nil || !ok {
		t.Errorf("c1 should be ancestor of c2 (err=%v)", err)
	}
	ok, err = e.IsAncestor(c2.ID, c1.ID)
	if err != nil || ok {
		t.Errorf("c2 must not be ancestor of c1 (err=%v)", err)
	}
}

func TestNothingToCommit(t *testing.T) {
	e := testEngine(t)
	if _, err := e.Commit(t.Context(), "empty", ""); !errors.Is(err, ErrNothingToCommit) {
		t.Errorf("expected ErrNothingToCommit, got %v", err)
	}
}

func TestLCA(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id) values ('1')`)
	base := mustCommit(t, e, "base")

	exec(t, e, `insert into todos (id) values ('2')`)
	left := mustCommit(t, e, "left")

	// branch off base
	if err := e.Checkout(t.Context(), base.ID); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	exec(t, e, `insert into todos (id) values ('3')`)
	right := mustCommit(t, e, "right")

	lca, err := e.LCA(left.ID, right.ID)
	if err != nil {
		t.Fatalf("lca: %v", err)
	}
	if lca != base.ID {
		t.Errorf("lca = %.8s, want %.8s", lca, base.ID)
	}
}

func TestCheckoutRestoresState(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id, name, finished) values ('1', 'Buy milk', 0)`)
	c1 := mustCommit(t, e, "initial")

	exec(t, e, `update todos set name = 'Buy Coffee', finished = 1 where id = '1'`)
	c2 := mustCommit(t, e, "update")

	if err := e.Checkout(t.Context(), c1.ID); err != nil {
		t.Fatalf("checkout c1: %v", err)
	}
	if v := cellValue(t, e, "1", "name"); deref(v) != "Buy milk" {
		t.Errorf("after checkout(c1) name = %q", deref(v))
	}
	if v := cellValue(t, e, "1", "finished"); deref(v) != "0" {
		t.Errorf("after checkout(c1) finished = %q", deref(v))
	}

	if err := e.Checkout(t.Context(), c2.ID); err != nil {
		t.Fatalf("checkout c2: %v", err)
	}
	if v := cellValue(t, e, "1", "name"); deref(v) != "Buy Coffee" {
		t.Errorf("after checkout(c2) name = %q", deref(v))
	}
	if v := cellValue(t, e, "1", "finished"); deref(v) != "1" {
		t.Errorf("after checkout(c2) finished = %q", deref(v))
	}

	head, err := e.Head(DefaultDocument)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head == nil || *head != c2.ID {
		t.Errorf("head = %v, want %s", head, c2.ID)
	}
}

func TestCheckoutUnknownCommit(t *testing.T) {
	e := testEngine(t)
	if err := e.Checkout(t.Context(), "no-such-commit"); !errors.Is(err, ErrUnknownCommit) {
		t.Errorf("expected ErrUnknownCommit, got %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	c1 := mustCommit(t, e, "one")

	exec(t, e, `update todos set name = 'Buy coffee' where id = '1'`)
	exec(t, e, `insert into todos (id, name) values ('2', 'Walk dog')`)
	c2 := mustCommit(t, e, "two")

	snap1, err := e.GetDocumentSnapshot(c1.ID)
	if err != nil {
		t.Fatalf("snapshot c1: %v", err)
	}
	if deref(snap1["todos"]["1"]["name"]) != "Buy milk" {
		t.Errorf("snapshot(c1) name = %v", snap1["todos"]["1"]["name"])
	}
	if _, ok := snap1["todos"]["2"]; ok {
		t.Error("snapshot(c1) contains a row from a later commit")
	}

	snap2, err := e.GetDocumentSnapshot(c2.ID)
	if err != nil {
		t.Fatalf("snapshot c2: %v", err)
	}
	if deref(snap2["todos"]["1"]["name"]) != "Buy coffee" {
		t.Errorf("snapshot(c2) name = %v", snap2["todos"]["1"]["name"])
	}
	if _, ok := snap2["todos"]["2"]; !ok {
		t.Error("snapshot(c2) is missing row 2")
	}
}

func TestSnapshotDeletedRow(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id, name) values ('1', 'Buy milk')`)
	mustCommit(t, e, "one")

	exec(t, e, `delete from todos where id = '1'`)
	c2 := mustCommit(t, e, "two")

	snap, err := e.GetDocumentSnapshot(c2.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := snap["todos"]["1"]; ok {
		t.Error("snapshot contains a deleted row")
	}
}

func TestPrintCommitGraph(t *testing.T) {
	e := testEngine(t)

	exec(t, e, `insert into todos (id) values ('1')`)
	mustCommit(t, e, "one")
	exec(t, e, `insert into todos (id) values ('2')`)
	c2 := mustCommit(t, e, "two")

	var sb strings.Builder
	if err := e.PrintCommitGraph(&sb, DefaultDocument); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := sb.String()
	if !strings.Contains(out, "one") || !strings.Contains(out, "two") {
		t.Errorf("graph output missing commits:\n%s", out)
	}
	if !strings.Contains(out, "@ "+c2.ID[:8]) {
		t.Errorf("graph output does not mark the head:\n%s", out)
	}
}
