package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/script"
)

// SessionRecord is the persisted summary of one performance, including the
// identities of the two scripted speakers.
type SessionRecord struct {
	SessionID     string
	Topic         string
	ModeratorID   string
	CommentatorID string
	Outcome       string
	RecordingPath string
	Lines         int
	CreatedAt     time.Time
}

// Store wraps the SQLite-backed session archive. In ephemeral retention
// mode every call is a no-op and nothing touches disk.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the session store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    topic TEXT,
    moderator_id TEXT,
    commentator_id TEXT,
    outcome TEXT,
    recording_path TEXT,
    line_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS lines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    line_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    emotion TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_lines_session_position ON lines(session_id, position);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession writes the session summary and its full script in one
// transaction. Lines for the session are replaced, so a re-save after a
// retried teardown is safe.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord, lines []script.Line) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, topic, moderator_id, commentator_id, outcome, recording_path, line_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   outcome=excluded.outcome, recording_path=excluded.recording_path, line_count=excluded.line_count`,
		rec.SessionID, rec.Topic, rec.ModeratorID, rec.CommentatorID, rec.Outcome, rec.RecordingPath, len(lines), rec.CreatedAt)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM lines WHERE session_id = ?`, rec.SessionID); err != nil {
		return err
	}
	for i, line := range lines {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO lines(session_id, line_id, position, role, text, emotion, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, line.ID, i, string(line.Role), line.Text, line.Emotion, line.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// GetSession retrieves a stored session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return SessionRecord{}, sql.ErrNoRows
	}
	var rec SessionRecord
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, topic, moderator_id, commentator_id, outcome, recording_path, line_count, created_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.Topic, &rec.ModeratorID, &rec.CommentatorID, &rec.Outcome, &rec.RecordingPath, &rec.Lines, &created)
	if err != nil {
		return SessionRecord{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		rec.CreatedAt = ts
	}
	return rec, nil
}

// Transcript renders the stored script of a session as "ROLE: text" lines.
func (s *Store) Transcript(ctx context.Context, sessionID string) (string, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, text FROM lines WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var role, text string
		if err := rows.Scan(&role, &text); err != nil {
			return "", err
		}
		parts = append(parts, strings.ToUpper(role)+": "+text)
	}
	return strings.Join(parts, "\n"), rows.Err()
}

// Prune drops the oldest sessions beyond the configured cap.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if s.cfg.MaxSessions <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
		SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxSessions)
	return err
}
