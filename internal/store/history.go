package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"keeper/internal/logger"

	_ "modernc.org/sqlite"
)

// Event types recorded in the history log.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventCancelled = "cancelled"
	EventExecution = "execution"
)

// HistoryRecord is one immutable audit row. Rows are never mutated or deleted;
// the position reconciler consumes them out-of-band.
type HistoryRecord struct {
	ID         int64  `json:"id"`
	Timestamp  int64  `json:"ts"`
	IntentID   string `json:"intent_id"`
	PositionID string `json:"position_id"`
	Event      string `json:"event"`
	Venue      string `json:"venue,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Error      string `json:"error,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

// ReliabilityStats aggregates execution outcomes from the history log.
type ReliabilityStats struct {
	TotalExecutions      int     `json:"total_executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	FailedExecutions     int     `json:"failed_executions"`
	ReliabilityPct       float64 `json:"reliability_pct"`
}

// HistoryLog is the append-only side of the intent store, kept in its own
// sqlite database so audit writes never contend with state updates.
type HistoryLog struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func OpenHistoryLog(path string) (*HistoryLog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history log: path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	h := &HistoryLog{db: db, path: path}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *HistoryLog) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts INTEGER NOT NULL,
    intent_id TEXT NOT NULL,
    position_id TEXT NOT NULL,
    event TEXT NOT NULL,
    venue TEXT NOT NULL DEFAULT '',
    signature TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_intent ON history(intent_id);
CREATE INDEX IF NOT EXISTS idx_history_event ON history(event);
`
	_, err := h.db.Exec(schema)
	return err
}

// Append writes one record. Payload values are JSON-encoded.
func (h *HistoryLog) Append(ctx context.Context, rec HistoryRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO history (ts, intent_id, position_id, event, venue, signature, error, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.IntentID, rec.PositionID, rec.Event, rec.Venue, rec.Signature, rec.Error, rec.Payload)
	if err != nil {
		return fmt.Errorf("history log append failed: %w", err)
	}
	return nil
}

// AppendJSON marshals payload and appends it under the given event.
func (h *HistoryLog) AppendJSON(ctx context.Context, rec HistoryRecord, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Warnf("history payload marshal failed for intent %s: %v", rec.IntentID, err)
		} else {
			rec.Payload = string(raw)
		}
	}
	return h.Append(ctx, rec)
}

// ListByIntent returns the newest-first audit trail for one intent.
func (h *HistoryLog) ListByIntent(ctx context.Context, intentID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, ts, intent_id, position_id, event, venue, signature, error, payload
		 FROM history WHERE intent_id = ? ORDER BY id DESC LIMIT ?`, intentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// ListRecent returns the newest-first tail of the whole log.
func (h *HistoryLog) ListRecent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, ts, intent_id, position_id, event, venue, signature, error, payload
		 FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// Reliability computes execution reliability from the log.
func (h *HistoryLog) Reliability(ctx context.Context) (ReliabilityStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stats ReliabilityStats
	row := h.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN error = '' THEN 1 ELSE 0 END), 0)
		 FROM history WHERE event = ?`, EventExecution)
	if err := row.Scan(&stats.TotalExecutions, &stats.SuccessfulExecutions); err != nil {
		return stats, err
	}
	stats.FailedExecutions = stats.TotalExecutions - stats.SuccessfulExecutions
	if stats.TotalExecutions > 0 {
		stats.ReliabilityPct = float64(stats.SuccessfulExecutions) / float64(stats.TotalExecutions) * 100
	}
	return stats, nil
}

func (h *HistoryLog) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func scanHistory(rows *sql.Rows) ([]HistoryRecord, error) {
	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.IntentID, &rec.PositionID,
			&rec.Event, &rec.Venue, &rec.Signature, &rec.Error, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
