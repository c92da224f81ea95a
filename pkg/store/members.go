package store

import (
	"bytes"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/models"
)

// IngestPage commits one fetched page: the member upserts, the job's
// cursor advance, and its committed counters are applied in a single
// transaction so a crash can never leave records without a matching
// cursor or vice versa. pageIndex must be exactly one past the job's
// committed_pages; anything else is a persistence conflict, which means
// the scheduler's ordering broke.
func (s *Store) IngestPage(jobID string, pageIndex int, nextCursor string, records []models.MemberRecord) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	var committedPages int
	err = tx.QueryRow(`SELECT committed_pages FROM jobs WHERE id = ?`, jobID).Scan(&committedPages)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading job progress: %w", err)
	}
	if pageIndex != committedPages+1 {
		return 0, enginerr.New(enginerr.ErrorTypePersistenceConflict,
			fmt.Sprintf("job %s: page %d committed out of order (have %d pages)", jobID, pageIndex, committedPages))
	}

	// committed_count tracks unique rows, so members already known from
	// earlier pages (or repeated within this one) do not inflate it.
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.PlatformUserID != "" {
			seen[rec.PlatformUserID] = true
		}
	}
	newCount := len(seen)
	if newCount > 0 {
		placeholders := make([]string, 0, len(seen))
		args := make([]interface{}, 0, len(seen))
		for id := range seen {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		var existing int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM members WHERE platform_user_id IN (`+strings.Join(placeholders, ", ")+`)`,
			args...,
		).Scan(&existing); err != nil {
			return 0, fmt.Errorf("counting known members: %w", err)
		}
		newCount -= existing
	}

	for _, rec := range records {
		if rec.PlatformUserID == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO members (platform_user_id, username, phone, display_name, source_job_id, identity_id, scraped_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (platform_user_id) DO UPDATE SET
				username = excluded.username,
				phone = COALESCE(excluded.phone, members.phone),
				display_name = excluded.display_name,
				scraped_at = excluded.scraped_at`,
			rec.PlatformUserID, nullableString(rec.Username), nullableString(rec.Phone),
			rec.DisplayName, rec.SourceJobID, rec.IdentityID,
			rec.ScrapedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return 0, fmt.Errorf("upserting member %s: %w", rec.PlatformUserID, err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE jobs SET cursor = ?, committed_pages = ?, committed_count = committed_count + ?, updated_at = ?
		WHERE id = ?`,
		nextCursor, pageIndex, newCount, time.Now().UTC().Format(time.RFC3339), jobID,
	); err != nil {
		return 0, fmt.Errorf("advancing job cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing ingest: %w", err)
	}
	return newCount, nil
}

// MemberCount returns the number of unique member records, optionally
// restricted to one source job.
func (s *Store) MemberCount(jobID string) (int, error) {
	var count int
	var err error
	if jobID == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM members`).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM members WHERE source_job_id = ?`, jobID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return count, nil
}

// ListMembers returns member records, optionally restricted to one job,
// ordered by scrape time.
func (s *Store) ListMembers(jobID string) ([]models.MemberRecord, error) {
	query := `SELECT platform_user_id, username, phone, display_name, source_job_id, identity_id, scraped_at FROM members`
	var args []interface{}
	if jobID != "" {
		query += " WHERE source_job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY scraped_at, platform_user_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []models.MemberRecord
	for rows.Next() {
		var rec models.MemberRecord
		var username, phone sql.NullString
		var scrapedAt string
		if err := rows.Scan(&rec.PlatformUserID, &username, &phone, &rec.DisplayName,
			&rec.SourceJobID, &rec.IdentityID, &scrapedAt); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		rec.Username = username.String
		rec.Phone = phone.String
		rec.ScrapedAt, _ = time.Parse(time.RFC3339, scrapedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExportJSON serializes member records (all, or one job's) as JSON.
func (s *Store) ExportJSON(jobID string) ([]byte, error) {
	members, err := s.ListMembers(jobID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []models.MemberRecord{}
	}
	return json.MarshalIndent(members, "", "  ")
}

// ExportCSV serializes member records (all, or one job's) as CSV.
func (s *Store) ExportCSV(jobID string) ([]byte, error) {
	members, err := s.ListMembers(jobID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"platform_user_id", "username", "phone", "display_name", "source_job_id", "scraped_at"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, m := range members {
		row := []string{m.PlatformUserID, m.Username, m.Phone, m.DisplayName, m.SourceJobID,
			m.ScrapedAt.UTC().Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}
