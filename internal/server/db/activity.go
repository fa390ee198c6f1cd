package db

import (
	"database/sql"
	"fmt"
	"time"
)

// TouchActivity records an activity report: it creates the row on first
// contact and always advances last_activity_at. last_ping_at is untouched.
func (s *Store) TouchActivity(codespaceName, githubUser string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO codespace_activity (codespace_name, github_user, last_activity_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(codespace_name) DO UPDATE SET
		   github_user = excluded.github_user,
		   last_activity_at = excluded.last_activity_at`,
		codespaceName, githubUser, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// SetLastPing advances last_ping_at, only called after a successful ping.
func (s *Store) SetLastPing(codespaceName string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE codespace_activity SET last_ping_at = ? WHERE codespace_name = ?`,
		at.UTC(), codespaceName,
	)
	if err != nil {
		return fmt.Errorf("set last ping: %w", err)
	}
	return nil
}

// ListActivity returns all tracked codespaces.
func (s *Store) ListActivity() ([]*ActivityRow, error) {
	rows, err := s.db.Query(
		`SELECT codespace_name, github_user, last_activity_at, last_ping_at
		 FROM codespace_activity`,
	)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*ActivityRow
	for rows.Next() {
		row := &ActivityRow{}
		var lastPing sql.NullTime
		if err := rows.Scan(&row.CodespaceName, &row.GitHubUser, &row.LastActivityAt, &lastPing); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		row.LastPingAt = timePtr(lastPing)
		out = append(out, row)
	}
	return out, rows.Err()
}

// PurgeInactive removes rows whose last activity precedes the cutoff and
// returns how many codespaces remain tracked.
func (s *Store) PurgeInactive(cutoff time.Time) (remaining int, err error) {
	if _, err := s.db.Exec(
		`DELETE FROM codespace_activity WHERE last_activity_at < ?`, cutoff.UTC(),
	); err != nil {
		return 0, fmt.Errorf("purge inactive: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM codespace_activity`).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count activity: %w", err)
	}
	return remaining, nil
}

// DeleteActivity removes tracking for one codespace.
func (s *Store) DeleteActivity(codespaceName string) error {
	_, err := s.db.Exec(`DELETE FROM codespace_activity WHERE codespace_name = ?`, codespaceName)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	return nil
}
