package store

import (
	"database/sql"
	"fmt"
	"time"

	"tgcollect/pkg/models"
)

// UpsertIdentity registers an identity row. An existing row is left
// untouched so re-running with the same configuration never resets
// health state. The session credential is deliberately not persisted:
// at rest it lives only in the encrypted session store.
func (s *Store) UpsertIdentity(id models.Identity) error {
	status := id.Status
	if status == "" {
		status = models.IdentityActive
	}
	_, err := s.db.Exec(`
		INSERT INTO identities (id, status, daily_action_count, last_action_at, assigned_proxy_id, cooling_until)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id.ID, status, id.DailyActionCount,
		nullableTime(id.LastActionAt), nullableString(id.AssignedProxyID), nullableTime(id.CoolingUntil),
	)
	if err != nil {
		return fmt.Errorf("upserting identity %s: %w", id.ID, err)
	}
	return nil
}

// ListIdentities returns all identities ordered by id. Credential is
// always empty; callers fill it from the session store or config.
func (s *Store) ListIdentities() ([]models.Identity, error) {
	rows, err := s.db.Query(`
		SELECT id, status, daily_action_count, last_action_at, assigned_proxy_id, cooling_until
		FROM identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		var ident models.Identity
		var lastAction, proxyID, coolingUntil sql.NullString
		if err := rows.Scan(&ident.ID, &ident.Status,
			&ident.DailyActionCount, &lastAction, &proxyID, &coolingUntil); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		ident.LastActionAt = parseTime(lastAction)
		ident.AssignedProxyID = proxyID.String
		ident.CoolingUntil = parseTime(coolingUntil)
		out = append(out, ident)
	}
	return out, rows.Err()
}

// SetIdentityStatus transitions an identity's status. coolingUntil is
// only meaningful for the cooling status; pass the zero time otherwise.
func (s *Store) SetIdentityStatus(id string, status models.IdentityStatus, coolingUntil time.Time) error {
	res, err := s.db.Exec(`UPDATE identities SET status = ?, cooling_until = ? WHERE id = ?`,
		status, nullableTime(coolingUntil), id)
	if err != nil {
		return fmt.Errorf("setting identity status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchIdentityAction records the wall-clock time of an identity's last action.
func (s *Store) TouchIdentityAction(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE identities SET last_action_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching identity %s: %w", id, err)
	}
	return nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
