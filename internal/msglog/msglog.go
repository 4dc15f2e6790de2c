// Package msglog keeps a copy of every message this instance sent so that it can be
// replayed later, to a peer that lost data or to an instance registered after the fact.
package msglog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// Schema creates the message log table.
const Schema = `
CREATE TABLE IF NOT EXISTS message_log (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source TEXT NOT NULL,
	date_ns INTEGER NOT NULL,
	receivers TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	body BLOB,
	logged_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_log_date ON message_log(date_ns);
CREATE INDEX IF NOT EXISTS idx_message_log_type ON message_log(type);
`

// Entry is a logged message.
type Entry struct {
	ID        string
	Type      string
	Source    string
	Date      time.Time
	Receivers []string
	Metadata  map[string][]string
	Body      []byte
}

// Query selects logged messages. Zero fields do not filter.
type Query struct {
	Types  []string
	Source string
	Since  time.Time // inclusive
	Until  time.Time // inclusive
	IDs    []string
	Limit  int
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Log is the SQLite-backed message log.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New wraps an open database that already carries Schema.
func New(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{
		db:     db,
		logger: logger.With().Str("component", "msglog").Logger(),
	}
}

// Record logs e. Recording the same id twice keeps the first copy.
func (l *Log) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		return errors.New("message without id")
	}
	receivers, err := json.Marshal(nonNil(e.Receivers))
	if err != nil {
		return fmt.Errorf("encode receivers: %w", err)
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string][]string{}
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var body []byte
	if len(e.Body) > 0 {
		body = encoder.EncodeAll(e.Body, nil)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO message_log (id, type, source, date_ns, receivers, metadata, body, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Type, e.Source, e.Date.UnixNano(), string(receivers), string(md), body, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("log message %s: %w", e.ID, err)
	}
	return nil
}

// Find returns the messages matching q, oldest first.
func (l *Log) Find(ctx context.Context, q Query) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if !q.Since.IsZero() {
		where = append(where, "date_ns >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "date_ns <= ?")
		args = append(args, q.Until.UnixNano())
	}
	if len(q.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}

	query := `SELECT id, type, source, date_ns, receivers, metadata, body FROM message_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date_ns, id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			e         Entry
			dateNs    int64
			receivers string
			md        string
			body      []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &dateNs, &receivers, &md, &body); err != nil {
			return nil, fmt.Errorf("scan logged message: %w", err)
		}
		e.Date = time.Unix(0, dateNs).UTC()
		if err := json.Unmarshal([]byte(receivers), &e.Receivers); err != nil {
			return nil, fmt.Errorf("decode receivers of %s: %w", e.ID, err)
		}
		if len(e.Receivers) == 0 {
			e.Receivers = nil
		}
		if err := json.Unmarshal([]byte(md), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
		}
		if len(body) > 0 {
			if e.Body, err = decoder.DecodeAll(body, nil); err != nil {
				l.logger.Error().Err(err).Str("id", e.ID).Msg("corrupt logged payload")
				return nil, fmt.Errorf("decode body of %s: %w", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Prune deletes messages dated before t and returns how many were removed.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM message_log WHERE date_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune message log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info().Int64("messages", n).Time("before", before).Msg("pruned message log")
	}
	return n, nil
}

// Count returns the number of logged messages.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count message log: %w", err)
	}
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
