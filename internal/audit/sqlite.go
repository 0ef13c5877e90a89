package audit

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the persistence interface for audit events.
type Store interface {
	// Append adds an event. Events are never updated or deleted.
	Append(ev Event) error
	// List returns events matching the filter, newest first.
	List(filter Filter) ([]Event, error)
	// Count returns the number of events matching the filter.
	Count(filter Filter) (int, error)
}

// Filter constrains event queries.
type Filter struct {
	Type      EventType // empty matches all
	ChannelID string    // exact match
	ActorID   string    // exact match
	Limit     int       // 0 = no limit
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the event database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit store: open: %w", err)
	}

	// WAL so API reads don't block event appends
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			timestamp    TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			guild_id     TEXT NOT NULL DEFAULT '',
			channel_id   TEXT NOT NULL DEFAULT '',
			channel_name TEXT NOT NULL DEFAULT '',
			actor_id     TEXT NOT NULL,
			actor_name   TEXT NOT NULL,
			fields       TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_id);
	`)
	if err != nil {
		return fmt.Errorf("audit store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ev Event) error {
	if ev.ID == "" {
		ev.ID = generateID()
	}
	fields, _ := json.Marshal(ev.Fields)

	_, err := s.db.Exec(`
		INSERT INTO events (id, timestamp, event_type, guild_id, channel_id, channel_name, actor_id, actor_name, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.Timestamp.Format(time.RFC3339), string(ev.Type), ev.GuildID,
		ev.ChannelID, ev.ChannelName, ev.ActorID, ev.ActorName, string(fields))
	if err != nil {
		return fmt.Errorf("audit store: append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(filter Filter) ([]Event, error) {
	query := `SELECT id, timestamp, event_type, guild_id, channel_id, channel_name, actor_id, actor_name, fields FROM events WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, filter.ChannelID)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit store: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts, typ, fieldsJSON string
		if err := rows.Scan(&ev.ID, &ts, &typ, &ev.GuildID, &ev.ChannelID, &ev.ChannelName,
			&ev.ActorID, &ev.ActorName, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("audit store: list scan: %w", err)
		}
		ev.Type = EventType(typ)
		ev.Timestamp, _ = time.Parse(time.RFC3339, ts)
		json.Unmarshal([]byte(fieldsJSON), &ev.Fields)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) Count(filter Filter) (int, error) {
	query := "SELECT COUNT(*) FROM events WHERE 1=1"
	var args []any

	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.ChannelID != "" {
		query += " AND channel_id = ?"
		args = append(args, filter.ChannelID)
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit store: count: %w", err)
	}
	return count, nil
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// generateID creates a short random hex ID.
func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
