package store

import (
	"fmt"
	"time"
)

// LogEntry is one step in a job's life: dispatched, done, failed. Detail
// never carries prompt or response text.
type LogEntry struct {
	ID        int64
	SessionID string
	MessageID string
	Timestamp time.Time
	Event     string
	Detail    *string
}

func (s *Store) AppendLog(sessionID, messageID, event string, detail *string) error {
	_, err := s.db.Exec("INSERT INTO job_log (session_id, message_id, event, detail, timestamp) VALUES (?, ?, ?, ?, ?)",
		sessionID, messageID, event, detail, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogByMessage(sessionID, messageID string) ([]*LogEntry, error) {
	return s.queryLog(`SELECT id, session_id, message_id, timestamp, event, detail
		FROM job_log WHERE session_id = ? AND message_id = ? ORDER BY id`, sessionID, messageID)
}

// RecentLog returns the newest n entries, newest first.
func (s *Store) RecentLog(n int) ([]*LogEntry, error) {
	return s.queryLog(`SELECT id, session_id, message_id, timestamp, event, detail
		FROM job_log ORDER BY id DESC LIMIT ?`, n)
}

func (s *Store) queryLog(query string, args ...any) ([]*LogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()
	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var ms int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &ms, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
