package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avoran/chathub/backend/model"

	_ "modernc.org/sqlite"
)

var (
	ErrCallNotFound = errors.New("call record not found")
)

// Store is the durable mirror for chat messages and call records. It is
// consulted only for read-back and audit; the in-memory state is always
// authoritative for live routing.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			message     TEXT NOT NULL,
			timestamp   DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id   INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			call_uuid   TEXT NOT NULL UNIQUE,
			status      TEXT NOT NULL,
			started_at  DATETIME,
			ended_at    DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage persists one chat message and fills in its row ID and
// timestamp.
func (s *Store) SaveMessage(ctx context.Context, msg *model.Message) error {
	msg.Timestamp = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, message, timestamp) VALUES (?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, msg.Message, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("message row id: %w", err)
	}
	return nil
}

// SaveCall persists a new call record.
func (s *Store) SaveCall(ctx context.Context, rec *model.CallRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (caller_id, receiver_id, call_uuid, status, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CallerID, rec.CalleeID, rec.UUID, rec.Status, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("call row id: %w", err)
	}
	return nil
}

// UpdateCallStatus updates the status of a persisted call and optionally
// stamps its start or end time.
func (s *Store) UpdateCallStatus(ctx context.Context, callUUID, status string, startedAt, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET
			status = ?,
			started_at = COALESCE(?, started_at),
			ended_at = COALESCE(?, ended_at)
		 WHERE call_uuid = ?`,
		status, startedAt, endedAt, callUUID,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n == 0 {
		return ErrCallNotFound
	}
	return nil
}

// QueryMessages returns the full history between two users, both
// directions, oldest first.
func (s *Store) QueryMessages(ctx context.Context, user1, user2 int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, message, timestamp FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY timestamp ASC`,
		user1, user2, user2, user1,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		if err = rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Message, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out, nil
}

// QueryRecentCalls returns up to limit call records, newest first.
func (s *Store) QueryRecentCalls(ctx context.Context, limit int) ([]model.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, receiver_id, call_uuid, status, started_at, ended_at FROM calls
		 ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	out := make([]model.CallRecord, 0)
	for rows.Next() {
		var rec model.CallRecord
		if err = rows.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &rec.UUID,
			&rec.Status, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	return out, nil
}
