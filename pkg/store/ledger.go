package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// LedgerCount returns the recorded action count for (identity, date).
// date is formatted YYYY-MM-DD.
func (s *Store) LedgerCount(identityID, date string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT action_count FROM usage_ledger WHERE identity_id = ? AND date = ?`,
		identityID, date).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading ledger for %s/%s: %w", identityID, date, err)
	}
	return count, nil
}

// LedgerIncrement records one action for (identity, date), refusing to
// exceed cap. The read and the increment share a transaction so two
// workers can never push the ledger past the cap together.
func (s *Store) LedgerIncrement(identityID, date string, cap int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRow(`SELECT action_count FROM usage_ledger WHERE identity_id = ? AND date = ?`,
		identityID, date).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if count >= cap {
		return ErrDailyCapReached
	}

	if _, err := tx.Exec(`
		INSERT INTO usage_ledger (identity_id, date, action_count) VALUES (?, ?, 1)
		ON CONFLICT (identity_id, date) DO UPDATE SET action_count = action_count + 1`,
		identityID, date); err != nil {
		return fmt.Errorf("incrementing ledger: %w", err)
	}

	return tx.Commit()
}
