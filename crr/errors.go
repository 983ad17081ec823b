package crr

import "errors"

var (
	// ErrSchemaNotUpgraded is returned when an operation that needs a
	// table's replication metadata (applying changes, checkout, conflict
	// resolution) meets a table that was never upgraded to a replicated
	// relation.
	ErrSchemaNotUpgraded = errors.New("table is not upgraded to crr")

	// ErrUnknownCommit is returned when a checkout or graph walk names
	// a commit this replica does not have.
	ErrUnknownCommit = errors.New("unknown commit")

	// ErrUnknownDocument is returned for lookups of a document that was
	// never referenced.
	ErrUnknownDocument = errors.New("unknown document")

	// ErrNothingToCommit is returned by Commit when the document has no
	// pending changes.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrConflictPending is returned when an operation requires all
	// manual conflicts on the affected rows to be resolved first.
	ErrConflictPending = errors.New("unresolved conflicts pending")

	// ErrFinalized guards column metadata against mutation after
	// Finalize.
	ErrFinalized = errors.New("crr metadata is finalized")
)
