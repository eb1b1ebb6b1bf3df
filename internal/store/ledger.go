package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Terminal statuses recorded in the ledger.
const (
	StatusDone  = "done"
	StatusError = "error"
)

// Entry is one request that reached Done or Failed.
type Entry struct {
	SessionID  string
	MessageID  string
	Status     string
	ResponseID string
	UpdatedAt  time.Time
}

// MarkTerminal records that a request finished. Recording the same request
// again overwrites the row.
func (s *Store) MarkTerminal(e Entry) error {
	if e.Status != StatusDone && e.Status != StatusError {
		return fmt.Errorf("mark terminal: invalid status %q", e.Status)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now()
	}
	_, err := s.db.Exec(`INSERT INTO ledger (session_id, message_id, status, response_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			status = excluded.status,
			response_id = excluded.response_id,
			updated_at = excluded.updated_at`,
		e.SessionID, e.MessageID, e.Status, e.ResponseID, e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}

// Terminal returns the ledger entry for a request, or nil if it never finished.
func (s *Store) Terminal(sessionID, messageID string) (*Entry, error) {
	e := &Entry{}
	var ms int64
	err := s.db.QueryRow(`SELECT session_id, message_id, status, response_id, updated_at
		FROM ledger WHERE session_id = ? AND message_id = ?`, sessionID, messageID).
		Scan(&e.SessionID, &e.MessageID, &e.Status, &e.ResponseID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("terminal: %w", err)
	}
	e.UpdatedAt = time.UnixMilli(ms)
	return e, nil
}

// ForgetSession drops every ledger row and log entry for a session.
func (s *Store) ForgetSession(sessionID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM ledger WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("forget session: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM job_log WHERE session_id = ?", sessionID); err != nil {
		return 0, fmt.Errorf("forget session log: %w", err)
	}
	return res.RowsAffected()
}

// Prune drops ledger rows last updated before cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM ledger WHERE updated_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM job_log WHERE timestamp < ?", cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns how many requests finished per terminal status.
func (s *Store) Counts() (done, failed int, err error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM ledger GROUP BY status")
	if err != nil {
		return 0, 0, fmt.Errorf("count ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case StatusDone:
			done = n
		case StatusError:
			failed = n
		}
	}
	return done, failed, rows.Err()
}
