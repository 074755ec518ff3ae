package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"conductor-ai/internal/domain"
)

// SQLiteJournal implements domain.TaskJournal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

var _ domain.TaskJournal = (*SQLiteJournal)(nil)

// timeLayout is fixed width, so stored timestamps sort and compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// WAL mode for concurrent status reads while tasks finish.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			parent_id     TEXT NOT NULL DEFAULT '',
			actor_id      TEXT NOT NULL,
			conversation  TEXT NOT NULL,
			role          TEXT NOT NULL,
			depth         INTEGER NOT NULL DEFAULT 0,
			state         TEXT NOT NULL,
			provider      TEXT NOT NULL DEFAULT '',
			model         TEXT NOT NULL DEFAULT '',
			attempts      TEXT NOT NULL DEFAULT '[]',
			error_code    TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at    TEXT NOT NULL,
			ended_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tasks_conversation
			ON tasks (actor_id, conversation, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts rec, replacing any earlier record with the same ID.
func (j *SQLiteJournal) Record(ctx context.Context, rec domain.TaskRecord) error {
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks
			(id, parent_id, actor_id, conversation, role, depth, state, provider, model,
			 attempts, error_code, error_message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParentID, rec.Key.ActorID, rec.Key.ConversationID, rec.Key.Role, rec.Depth,
		string(rec.State), rec.Provider, rec.Model, string(attempts),
		string(rec.ErrorCode), rec.ErrorMessage,
		rec.StartedAt.UTC().Format(timeLayout), rec.EndedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", rec.ID, err)
	}
	return nil
}

const selectTask = `SELECT id, parent_id, actor_id, conversation, role, depth, state, provider, model,
	attempts, error_code, error_message, started_at, ended_at FROM tasks`

// Get returns the record for id, or ErrTaskNotFound.
func (j *SQLiteJournal) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	rec, err := scanTask(j.db.QueryRowContext(ctx, selectTask+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLiteJournal.Get", domain.ErrTaskNotFound, id)
	}
	return rec, err
}

// ListByConversation returns the newest records of one conversation, newest
// first. limit <= 0 means 50.
func (j *SQLiteJournal) ListByConversation(ctx context.Context, actorID, conversationID string, limit int) ([]domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		selectTask+" WHERE actor_id = ? AND conversation = ? ORDER BY started_at DESC, id DESC LIMIT ?",
		actorID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Prune deletes records that ended before cutoff and returns how many.
func (j *SQLiteJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM tasks WHERE ended_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var state, code, attempts, started, ended string
	if err := row.Scan(&rec.ID, &rec.ParentID, &rec.Key.ActorID, &rec.Key.ConversationID, &rec.Key.Role,
		&rec.Depth, &state, &rec.Provider, &rec.Model, &attempts, &code, &rec.ErrorMessage,
		&started, &ended); err != nil {
		return nil, err
	}
	rec.State = domain.TaskState(state)
	rec.ErrorCode = domain.ErrorCode(code)
	if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	rec.StartedAt, _ = time.Parse(timeLayout, started)
	rec.EndedAt, _ = time.Parse(timeLayout, ended)
	return &rec, nil
}
