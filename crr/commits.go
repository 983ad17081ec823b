package crr

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"teilen.sh/core/hlc"
)

// Commit is a node in a document's history DAG. A commit's content is
// the set of changes whose CommitID equals its id; it is never mutated
// after emission.
type Commit struct {
	ID         string   `json:"id"`
	Document   string   `json:"document"`
	Message    string   `json:"message"`
	AuthorSite string   `json:"authorSite"`
	CreatedAt  string   `json:"createdAt"` // encoded hlc
	Parents    []string `json:"parents"`   // 1 or 2; empty for the root
}

func commitParents(p1, p2 *string) []string {
	var parents []string
	if p1 != nil {
		parents = append(parents, *p1)
	}
	if p2 != nil {
		parents = append(parents, *p2)
	}
	return parents
}

func scanCommit(rows *sql.Rows) (Commit, error) {
	var (
		c      Commit
		p1, p2 *string
	)
	err := rows.Scan(&c.ID, &c.Document, &c.Message, &c.AuthorSite, &c.CreatedAt, &p1, &p2)
	c.Parents = commitParents(p1, p2)
	return c, err
}

const commitCols = `id, document, message, author_site, created_at, parent1, parent2`

// Commit bundles the document's pending changes into a new commit
// extending the current head.
func (e *Engine) Commit(ctx context.Context, message, docID string) (*Commit, error) {
	if docID == "" {
		docID = DefaultDocument
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := ensureDocument(tx, docID); err != nil {
		return nil, err
	}

	var pending int
	err = tx.QueryRow(
		`select count(*) from crr_changes where document = ? and commit_id is null`,
		docID,
	).Scan(&pending)
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		return nil, ErrNothingToCommit
	}

	var head *string
	if err := tx.QueryRow(`select head from crr_documents where id = ?`, docID).Scan(&head); err != nil {
		return nil, err
	}

	c := Commit{
		ID:         uuid.NewString(),
		Document:   docID,
		Message:    message,
		AuthorSite: e.siteID,
		CreatedAt:  e.clock.Send().Encode(),
	}
	if head != nil {
		c.Parents = []string{*head}
	}

	if err := insertCommit(tx, c); err != nil {
		return nil, err
	}

	_, err = tx.Exec(
		`update crr_changes set commit_id = ? where document = ? and commit_id is null`,
		c.ID, docID,
	)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`update crr_documents set head = ? where id = ?`, c.ID, docID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func insertCommit(x Execer, c Commit) error {
	var p1, p2 *string
	if len(c.Parents) > 0 {
		p1 = &c.Parents[0]
	}
	if len(c.Parents) > 1 {
		p2 = &c.Parents[1]
	}
	if len(c.Parents) > 2 {
		return fmt.Errorf("commit %s has %d parents", c.ID, len(c.Parents))
	}
	_, err := x.Exec(
		`insert into crr_commits (`+commitCols+`) values (?, ?, ?, ?, ?, ?, ?)
		on conflict (id) do nothing`,
		c.ID, c.Document, c.Message, c.AuthorSite, c.CreatedAt, p1, p2,
	)
	return err
}

// StoreCommits persists remote commit nodes verbatim. Existing ids are
// left untouched: commits are immutable. Their timestamps are merged
// into the site clock, so commits made here afterwards stamp after them.
func (e *Engine) StoreCommits(commits []Commit) error {
	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var maxSeen hlc.Time
	for _, c := range commits {
		if err := insertCommit(tx, c); err != nil {
			return err
		}
		if t, err := hlc.Decode(c.CreatedAt); err == nil && t.After(maxSeen) {
			maxSeen = t
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.clock.Receive(maxSeen)
	return nil
}

// Head returns the document's tip commit id, nil before the first
// commit.
func (e *Engine) Head(docID string) (*string, error) {
	var head *string
	err := e.db.QueryRow(`select head from crr_documents where id = ?`, docID).Scan(&head)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownDocument
	}
	if err != nil {
		return nil, err
	}
	return head, nil
}

// SetHead moves the document's tip.
func (e *Engine) SetHead(docID, commitID string) error {
	if _, err := e.GetCommit(commitID); err != nil {
		return err
	}
	_, err := e.db.Exec(`update crr_documents set head = ? where id = ?`, commitID, docID)
	return err
}

// GetCommit loads a single commit.
func (e *Engine) GetCommit(id string) (*Commit, error) {
	return getCommit(e.db, id)
}

func getCommit(x Execer, id string) (*Commit, error) {
	rows, err := x.Query(`select `+commitCols+` from crr_commits where id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, id)
	}
	c, err := scanCommit(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Commits lists every commit of a document, oldest first.
func (e *Engine) Commits(docID string) ([]Commit, error) {
	rows, err := e.db.Query(
		`select `+commitCols+` from crr_commits where document = ? order by created_at asc, id`,
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// graph is the in-memory parent adjacency of one document's commits.
type graph map[string]Commit

func loadGraph(x Execer, docID string) (graph, error) {
	rows, err := x.Query(`select `+commitCols+` from crr_commits where document = ?`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := make(graph)
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		g[c.ID] = c
	}
	return g, rows.Err()
}

// add overlays commits not yet persisted, for reachability checks on
// the union of local history and an incoming batch.
func (g graph) add(commits []Commit) {
	for _, c := range commits {
		if _, ok := g[c.ID]; !ok {
			g[c.ID] = c
		}
	}
}

// ancestors walks the parent chains from id, inclusive.
func (g graph) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if c, ok := g[cur]; ok {
			queue = append(queue, c.Parents...)
		}
	}
	return seen
}

// isAncestor reports whether a is reachable from b along parent edges.
func (g graph) isAncestor(a, b string) bool {
	if a == b {
		return true
	}
	return g.ancestors(b)[a]
}

// lca finds the lowest common ancestor of a and b by reverse BFS:
// among the commits reachable from both, the one no other common
// ancestor descends from.
func (g graph) lca(a, b string) (string, bool) {
	common := make(map[string]bool)
	bAnc := g.ancestors(b)
	for id := range g.ancestors(a) {
		if bAnc[id] {
			common[id] = true
		}
	}
	if len(common) == 0 {
		return "", false
	}

	for id := range common {
		lowest := true
		for other := range common {
			if other != id && g.isAncestor(id, other) {
				lowest = false
				break
			}
		}
		if lowest {
			return id, true
		}
	}
	// a cycle would land here; the DAG invariant rules it out
	return "", false
}

// IsAncestor reports whether commit a is an ancestor of commit b
// within b's document.
func (e *Engine) IsAncestor(a, b string) (bool, error) {
	cb, err := e.GetCommit(b)
	if err != nil {
		return false, err
	}
	g, err := loadGraph(e.db, cb.Document)
	if err != nil {
		return false, err
	}
	return g.isAncestor(a, b), nil
}

// LCA returns the lowest common ancestor of two commits of the same
// document.
func (e *Engine) LCA(a, b string) (string, error) {
	ca, err := e.GetCommit(a)
	if err != nil {
		return "", err
	}
	if _, err := e.GetCommit(b); err != nil {
		return "", err
	}
	g, err := loadGraph(e.db, ca.Document)
	if err != nil {
		return "", err
	}
	id, ok := g.lca(a, b)
	if !ok {
		return "", fmt.Errorf("%w: no common ancestor of %s and %s", ErrUnknownCommit, a, b)
	}
	return id, nil
}

// CreateMergeCommit records a synthetic merge joining the local head
// and a remote tip, authored by this site, and advances the document
// head to it.
func (e *Engine) CreateMergeCommit(docID, localHead, remoteTip string) (*Commit, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c := Commit{
		ID:         uuid.NewString(),
		Document:   docID,
		Message:    fmt.Sprintf("Merge %.8s into %.8s", remoteTip, localHead),
		AuthorSite: e.siteID,
		CreatedAt:  e.clock.Send().Encode(),
		Parents:    []string{localHead, remoteTip},
	}
	if err := insertCommit(tx, c); err != nil {
		return nil, err
	}

	// pending changes on the merged document ride along as merge
	// content, conflict resolutions included
	_, err = tx.Exec(
		`update crr_changes set commit_id = ? where document = ? and commit_id is null`,
		c.ID, docID,
	)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`update crr_documents set head = ? where id = ?`, c.ID, docID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCommitGraph returns the document's commits with their parent
// adjacency, topologically ordered oldest first, for visualization.
func (e *Engine) GetCommitGraph(docID string) ([]Commit, error) {
	return e.Commits(docID)
}

// PrintCommitGraph renders the document's DAG as ASCII art, newest
// commit first.
func (e *Engine) PrintCommitGraph(w io.Writer, docID string) error {
	commits, err := e.Commits(docID)
	if err != nil {
		return err
	}
	head, err := e.Head(docID)
	if err != nil {
		return err
	}

	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].CreatedAt > commits[j].CreatedAt
	})

	for _, c := range commits {
		marker := "*"
		if head != nil && c.ID == *head {
			marker = "@"
		}
		fmt.Fprintf(w, "%s %.8s %s", marker, c.ID, c.Message)
		if len(c.Parents) == 2 {
			short := make([]string, len(c.Parents))
			for i, p := range c.Parents {
				short[i] = fmt.Sprintf("%.8s", p)
			}
			fmt.Fprintf(w, " (merge of %s)", strings.Join(short, ", "))
		}
		fmt.Fprintf(w, " [%.8s]\n", c.AuthorSite)
		if len(c.Parents) > 0 {
			fmt.Fprintln(w, "|")
		}
	}
	return nil
}
