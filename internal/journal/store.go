// Package journal keeps a local SQLite record of relay outcomes for
// operators. It is an audit trail, not message storage: bodies are never
// written.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"warelay/internal/relay"
)

// Entry is one journal row.
type Entry struct {
	ID            int64
	MessageID     string
	From          string
	BusinessPhone string
	BotID         string
	Stage         string
	Status        string
	Kind          string
	Error         string
	TextSegments  int
	ImageSegments int
	ErrorSegments int
	ImagesSent    int
	ImagesFailed  int
	ReadMarked    bool
	Duration      time.Duration
	CreatedAt     time.Time
}

// EntryFromOutcome maps a relay outcome to a row.
func EntryFromOutcome(o relay.Outcome) Entry {
	return Entry{
		MessageID:     o.MessageID,
		From:          o.From,
		BusinessPhone: o.BusinessPhone,
		BotID:         o.BotID,
		Stage:         o.Stage.String(),
		Status:        o.Status,
		Kind:          o.Kind(),
		Error:         o.ErrString(),
		TextSegments:  o.TextSegments,
		ImageSegments: o.ImageSegments,
		ErrorSegments: o.ErrorSegments,
		ImagesSent:    o.Delivery.ImagesSent,
		ImagesFailed:  o.Delivery.ImagesFailed,
		ReadMarked:    o.Delivery.ReadMarked,
		Duration:      o.Duration,
		CreatedAt:     o.Started,
	}
}

// Store is the SQLite journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts one entry.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relays (message_id, sender, business_phone, bot_id, stage, status, kind, error,
			text_segments, image_segments, error_segments, images_sent, images_failed, read_marked,
			duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.From, e.BusinessPhone, e.BotID, e.Stage, e.Status, e.Kind, e.Error,
		e.TextSegments, e.ImageSegments, e.ErrorSegments, e.ImagesSent, e.ImagesFailed, e.ReadMarked,
		e.Duration.Milliseconds(), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record relay %s: %w", e.MessageID, err)
	}
	return nil
}

// Observe records the outcome; failures are logged, never returned.
func (s *Store) Observe(ctx context.Context, o relay.Outcome) {
	if err := s.Record(ctx, EntryFromOutcome(o)); err != nil {
		s.logger.Warn("journal write failed", "message_id", o.MessageID, "err", err)
	}
}

// Filter narrows Recent.
type Filter struct {
	Limit int
	Kind  string // empty matches every kind
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	query := `SELECT id, message_id, sender, business_phone, bot_id, stage, status, kind, error,
			text_segments, image_segments, error_segments, images_sent, images_failed, read_marked,
			duration_ms, created_at
		 FROM relays`
	args := []any{}
	if f.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			createdMS  int64
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.From, &e.BusinessPhone, &e.BotID, &e.Stage,
			&e.Status, &e.Kind, &e.Error, &e.TextSegments, &e.ImageSegments, &e.ErrorSegments,
			&e.ImagesSent, &e.ImagesFailed, &e.ReadMarked, &durationMS, &createdMS); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdMS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relays WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("journal pruned", "removed", n)
	}
	return n, nil
}

// Counts returns the number of entries per kind.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM relays GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count journal: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}
