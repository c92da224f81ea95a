package store

import (
	"database/sql"
	"fmt"
	"time"

	"tgcollect/pkg/models"
)

// UpsertProxy inserts or updates a proxy row, preserving health state of
// existing rows so restarts don't resurrect dead endpoints.
func (s *Store) UpsertProxy(p models.ProxyEndpoint) error {
	health := p.Health
	if health == "" {
		health = models.ProxyHealthy
	}
	protocol := p.Protocol
	if protocol == "" {
		protocol = "socks5"
	}
	_, err := s.db.Exec(`
		INSERT INTO proxies (id, address, protocol, health, last_checked_at, failure_streak)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET address = excluded.address`,
		p.ID, p.Address, protocol, health, nullableTime(p.LastCheckedAt), p.FailureStreak,
	)
	if err != nil {
		return fmt.Errorf("upserting proxy %s: %w", p.ID, err)
	}
	return nil
}

// ListProxies returns all proxy endpoints, dead ones included (audit).
func (s *Store) ListProxies() ([]models.ProxyEndpoint, error) {
	rows, err := s.db.Query(`
		SELECT id, address, protocol, health, last_checked_at, failure_streak
		FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing proxies: %w", err)
	}
	defer rows.Close()

	var out []models.ProxyEndpoint
	for rows.Next() {
		var p models.ProxyEndpoint
		var checked sql.NullString
		if err := rows.Scan(&p.ID, &p.Address, &p.Protocol, &p.Health, &checked, &p.FailureStreak); err != nil {
			return nil, fmt.Errorf("scanning proxy row: %w", err)
		}
		p.LastCheckedAt = parseTime(checked)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProxyHealth persists a proxy's health transition.
func (s *Store) SetProxyHealth(id string, health models.ProxyHealth, failureStreak int, checkedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE proxies SET health = ?, failure_streak = ?, last_checked_at = ? WHERE id = ?`,
		health, failureStreak, nullableTime(checkedAt), id)
	if err != nil {
		return fmt.Errorf("setting proxy health: %w", err)
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
