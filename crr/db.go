// Package crr turns an ordinary SQLite database into a conflict-free
// replicated store. User tables are upgraded in place: row triggers
// capture every tracked DML statement as per-cell change records,
// stamped with a hybrid logical clock, and the change log is exchanged
// between peers through commit-structured push/pull.
package crr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"teilen.sh/core/hlc"
	"teilen.sh/core/log"
	"teilen.sh/core/notifier"
)

// DefaultDocument is the document rows belong to when neither the row
// nor the statement names one.
const DefaultDocument = "main"

// Execer abstracts *sql.DB and *sql.Tx.
type Execer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Engine is one replica of the store. All mutations funnel through it;
// it serializes writers and owns the site identity and clock.
type Engine struct {
	db     *sql.DB
	l      *slog.Logger
	n      notifier.Notifier
	clock  *hlc.Clock
	siteID string

	tables map[string]*tableInfo
}

type EngineOpt func(*Engine)

func WithLogger(l *slog.Logger) EngineOpt {
	return func(e *Engine) {
		e.l = l
	}
}

// Open opens (or creates) the database at path and installs the
// bookkeeping tables. The site identity is created on first open and
// never changes afterwards.
func Open(path string, opts ...EngineOpt) (*Engine, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	dsnOpts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	}

	db, err := sql.Open("sqlite3", path+"?"+strings.Join(dsnOpts, "&"))
	if err != nil {
		return nil, err
	}

	// the capture flag and staging table are connection-visible state;
	// a pool of connections would let a trigger fire on a connection
	// whose flag was never set
	db.SetMaxOpenConns(1)

	return OpenDB(db, opts...)
}

// OpenDB wraps an already-open handle. The handle must be restricted
// to a single connection.
func OpenDB(db *sql.DB, opts ...EngineOpt) (*Engine, error) {
	e := &Engine{
		db:     db,
		l:      log.New("crr"),
		n:      notifier.New(),
		clock:  hlc.NewClock(),
		tables: make(map[string]*tableInfo),
	}
	for _, o := range opts {
		o(e)
	}

	if err := e.install(); err != nil {
		return nil, fmt.Errorf("failed to install bookkeeping tables: %w", err)
	}

	if err := e.loadSite(); err != nil {
		return nil, fmt.Errorf("failed to establish site identity: %w", err)
	}

	if err := e.loadClock(); err != nil {
		return nil, fmt.Errorf("failed to restore clock: %w", err)
	}

	if err := e.loadTableInfo(); err != nil {
		return nil, fmt.Errorf("failed to load crr column metadata: %w", err)
	}

	return e, nil
}

func (e *Engine) install() error {
	_, err := e.db.Exec(`
		create table if not exists crr_client (
			id integer primary key check (id = 1),
			site_id text not null
		);

		create table if not exists crr_documents (
			id text primary key,
			head text,
			last_pulled_at integer not null default 0,
			last_pushed_commit text,
			last_pulled_commit text
		);

		create table if not exists crr_columns (
			tbl_name text not null,
			col_id text not null,
			mode text not null default 'lww' check (mode in ('lww', 'manual')),
			fract_index integer not null default 0,
			parent_col text,
			alphabet text not null default 'base10',
			primary key (tbl_name, col_id)
		);

		create table if not exists crr_changes (
			id text primary key,
			kind text not null check (kind in ('insert', 'update', 'delete')),
			tbl_name text not null,
			pk text not null,
			col_id text,
			value,
			created_at text not null,
			applied_at integer not null,
			site_id text not null,
			document text not null,
			commit_id text
		);

		-- the supersede rule: at most one pending update per cell
		create unique index if not exists idx_crr_changes_pending_cell
			on crr_changes (tbl_name, pk, col_id)
			where kind = 'update' and commit_id is null;

		create index if not exists idx_crr_changes_cell
			on crr_changes (tbl_name, pk, col_id, created_at);
		create index if not exists idx_crr_changes_commit
			on crr_changes (commit_id);
		create index if not exists idx_crr_changes_document
			on crr_changes (document, created_at);

		create table if not exists crr_commits (
			id text primary key,
			document text not null,
			message text not null,
			author_site text not null,
			created_at text not null,
			parent1 text,
			parent2 text
		);

		create table if not exists crr_conflicts (
			tbl_name text not null,
			pk text not null,
			document text not null,
			cols text not null,    -- json array of column names
			ours text not null,    -- json object, column -> our value
			theirs text not null,  -- json object, column -> their value
			resolved integer not null default 0,
			created_at text not null,
			primary key (tbl_name, pk, document)
		);

		create table if not exists crr_staging (
			seq integer primary key autoincrement,
			kind text not null,
			tbl_name text not null,
			pk text not null,
			col_id text,
			value,
			document text
		);

		create table if not exists crr_settings (
			k text primary key,
			v integer not null
		);
		insert into crr_settings (k, v) values ('capture', 0)
			on conflict (k) do nothing;
	`)
	return err
}

func (e *Engine) loadSite() error {
	err := e.db.QueryRow(`select site_id from crr_client where id = 1`).Scan(&e.siteID)
	if err == sql.ErrNoRows {
		e.siteID = uuid.NewString()
		_, err = e.db.Exec(`insert into crr_client (id, site_id) values (1, ?)`, e.siteID)
	}
	return err
}

// loadClock seeds the clock with the greatest timestamp this site ever
// issued, so restarts never re-issue an old stamp.
func (e *Engine) loadClock() error {
	var last sql.NullString
	err := e.db.QueryRow(
		`select max(created_at) from crr_changes where site_id = ?`,
		e.siteID,
	).Scan(&last)
	if err != nil {
		return err
	}
	if last.Valid {
		t, err := hlc.Decode(last.String)
		if err != nil {
			return err
		}
		e.clock.SetLast(t)
	}
	return nil
}

// SiteID returns this replica's stable identity.
func (e *Engine) SiteID() string {
	return e.siteID
}

// Clock exposes the site clock, mainly so transports can merge remote
// timestamps they observe.
func (e *Engine) Clock() *hlc.Clock {
	return e.clock
}

// Notifier delivers table-change events after every successful tracked
// statement and change application.
func (e *Engine) Notifier() *notifier.Notifier {
	return &e.n
}

// DB exposes the underlying handle for untracked reads.
func (e *Engine) DB() *sql.DB {
	return e.db
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// EnsureDocument creates the document row if this is the first
// reference to it and returns its id.
func (e *Engine) EnsureDocument(docID string) (string, error) {
	if docID == "" {
		docID = DefaultDocument
	}
	err := ensureDocument(e.db, docID)
	return docID, err
}

func ensureDocument(x Execer, docID string) error {
	_, err := x.Exec(
		`insert into crr_documents (id) values (?) on conflict (id) do nothing`,
		docID,
	)
	return err
}

// Document is one commit-graph partition of rows.
type Document struct {
	ID               string
	Head             *string
	LastPulledAt     int64
	LastPushedCommit *string
	LastPulledCommit *string
}

func (e *Engine) GetDocument(docID string) (*Document, error) {
	var d Document
	err := e.db.QueryRow(
		`select id, head, last_pulled_at, last_pushed_commit, last_pulled_commit
		from crr_documents where id = ?`,
		docID,
	).Scan(&d.ID, &d.Head, &d.LastPulledAt, &d.LastPushedCommit, &d.LastPulledCommit)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownDocument
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (e *Engine) Documents() ([]Document, error) {
	rows, err := e.db.Query(
		`select id, head, last_pulled_at, last_pushed_commit, last_pulled_commit
		from crr_documents order by id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Head, &d.LastPulledAt, &d.LastPushedCommit, &d.LastPulledCommit); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (e *Engine) setCapture(x Execer, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := x.Exec(`update crr_settings set v = ? where k = 'capture'`, v)
	return err
}
