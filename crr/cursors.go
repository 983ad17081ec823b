package crr

// SetLastPushed records the tip confirmed by a push response. Only
// advanced on confirmed ok, never on transport failure.
func (e *Engine) SetLastPushed(docID, commitID string) error {
	_, err := e.db.Exec(
		`update crr_documents set last_pushed_commit = ? where id = ?`,
		commitID, docID,
	)
	return err
}

// SetLastPulledAt records the server clock of a pull that carried no
// new commits.
func (e *Engine) SetLastPulledAt(docID string, pulledAt int64) error {
	_, err := e.db.Exec(
		`update crr_documents set last_pulled_at = ? where id = ?`,
		pulledAt, docID,
	)
	return err
}

// SetLastPulled records the remote tip and server clock of a completed
// pull.
func (e *Engine) SetLastPulled(docID, commitID string, pulledAt int64) error {
	_, err := e.db.Exec(
		`update crr_documents set last_pulled_commit = ?, last_pulled_at = ? where id = ?`,
		commitID, pulledAt, docID,
	)
	return err
}
