package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"nxmramm/core/types"
)

// ErrPathRequired is returned when the journal path is missing.
var ErrPathRequired = errors.New("rammd journal path must be configured")

const defaultListLimit = 50

const maxListLimit = 500

// Storage is the rammd journal: an append-only record of committed swaps and
// emitted events.
type Storage struct {
	db *sql.DB
}

// SwapRecord is one committed swap.
type SwapRecord struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Direction string    `json:"direction"`
	AmountIn  string    `json:"amountIn"`
	AmountOut string    `json:"amountOut"`
	Injected  string    `json:"injected,omitempty"`
	Extracted string    `json:"extracted,omitempty"`
	Timestamp uint64    `json:"timestamp"`
	Recorded  time.Time `json:"recordedAt"`
}

// EventRecord is one journaled event.
type EventRecord struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Recorded   time.Time         `json:"recordedAt"`
}

// Open initialises the journal using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

// RecordSwap appends a committed swap.
func (s *Storage) RecordSwap(ctx context.Context, rec SwapRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("swap id required")
	}
	recorded := rec.Recorded
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO swaps(id, user, direction, amount_in, amount_out, injected, extracted, timestamp, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, strings.ToLower(rec.User), rec.Direction, rec.AmountIn, rec.AmountOut, rec.Injected, rec.Extracted, int64(rec.Timestamp), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

// RecentSwaps returns the newest swaps first.
func (s *Storage) RecentSwaps(ctx context.Context, limit int) ([]SwapRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user, direction, amount_in, amount_out, injected, extracted, timestamp, recorded_at
        FROM swaps
        ORDER BY seq DESC
        LIMIT ?
    `, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	return scanSwaps(rows)
}

// SwapsByUser returns the newest swaps submitted by user.
func (s *Storage) SwapsByUser(ctx context.Context, user string, limit int) ([]SwapRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user, direction, amount_in, amount_out, injected, extracted, timestamp, recorded_at
        FROM swaps
        WHERE user = ?
        ORDER BY seq DESC
        LIMIT ?
    `, strings.ToLower(strings.TrimSpace(user)), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	return scanSwaps(rows)
}

func scanSwaps(rows *sql.Rows) ([]SwapRecord, error) {
	defer rows.Close()
	var out []SwapRecord
	for rows.Next() {
		var rec SwapRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.User, &rec.Direction, &rec.AmountIn, &rec.AmountOut, &rec.Injected, &rec.Extracted, &ts, &rec.Recorded); err != nil {
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		rec.Timestamp = uint64(ts)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swaps: %w", err)
	}
	return out, nil
}

// RecordEvent appends an emitted event.
func (s *Storage) RecordEvent(ctx context.Context, evt *types.Event) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return fmt.Errorf("event type required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO events(type, attributes, recorded_at)
        VALUES(?, ?, ?)
    `, evt.Type, string(encoded), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest journaled events first, optionally
// restricted to one type.
func (s *Storage) RecentEvents(ctx context.Context, eventType string, limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, type, attributes, recorded_at
        FROM events
        WHERE (? = '' OR type = ?)
        ORDER BY id DESC
        LIMIT ?
    `, eventType, eventType, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var encoded string
		if err := rows.Scan(&rec.ID, &rec.Type, &encoded, &rec.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

const schema = `
CREATE TABLE IF NOT EXISTS swaps (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    user TEXT NOT NULL,
    direction TEXT NOT NULL,
    amount_in TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    injected TEXT NOT NULL DEFAULT '',
    extracted TEXT NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swaps_user ON swaps(user, seq);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
`
