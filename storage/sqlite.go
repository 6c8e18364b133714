package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskboard/domain"
)

// SQLite is a single-file task store. Writes signal the store's hub.
type SQLite struct {
	db  *sql.DB
	hub *Hub
	now func() time.Time
}

// OpenSQLite opens or creates the database at dbPath and bootstraps the schema.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, hub: NewHub(), now: time.Now}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Hub returns the hub signalled on writes.
func (s *SQLite) Hub() *Hub { return s.hub }

func (s *SQLite) ensureSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	priority TEXT NOT NULL DEFAULT 'medium',
	due_date TEXT DEFAULT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	category TEXT NOT NULL DEFAULT '',
	created_at INTEGER DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS tasks_user_id ON tasks (user_id);`
	_, err := s.db.Exec(ddl)
	return err
}

const selectTaskColumns = `SELECT id, user_id, title, completed, priority, due_date, description, tags, category, created_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var completed int
	var due sql.NullString
	var tags string
	var created sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Title, &completed, &rec.Priority, &due, &rec.Description, &tags, &rec.Category, &created); err != nil {
		return domain.Record{}, err
	}
	rec.Completed = completed == 1
	if due.Valid {
		rec.DueDate = due.String
	}
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &rec.Tags)
	}
	if created.Valid {
		rec.CreatedAt = domain.TimestampOf(time.Unix(0, created.Int64))
	}
	return rec, nil
}

func (s *SQLite) FetchTasks(ctx context.Context, userID string) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectTaskColumns+` WHERE user_id = ?;`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLite) Subscribe(ctx context.Context, userID string) <-chan domain.Snapshot {
	return Subscribe(ctx, s, s.hub, userID)
}

func (s *SQLite) AddTask(ctx context.Context, userID string, task domain.NewTask) (string, error) {
	id := uuid.NewString()
	rec := task.Record(id, userID, domain.TimestampOf(s.now()))
	if err := writeRecord(ctx, s.db, rec, true); err != nil {
		return "", err
	}
	s.hub.Notify(userID)
	return id, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, userID, taskID string, patch domain.TaskPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectTaskColumns+` WHERE user_id = ? AND id = ?;`, userID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := writeRecord(ctx, tx, rec.Apply(patch), false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.hub.Notify(userID)
	return nil
}

func (s *SQLite) DeleteTask(ctx context.Context, userID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = ? AND id = ?;`, userID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.hub.Notify(userID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeRecord(ctx context.Context, db execer, rec domain.Record, insert bool) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	due := sql.NullString{String: rec.DueDate, Valid: rec.DueDate != ""}
	created := sql.NullInt64{}
	if ts, ok := rec.CreatedAt.Time(); ok {
		created = sql.NullInt64{Int64: ts.UnixNano(), Valid: true}
	}
	completed := 0
	if rec.Completed {
		completed = 1
	}

	if insert {
		_, err = db.ExecContext(ctx, `INSERT INTO tasks (id, user_id, title, completed, priority, due_date, description, tags, category, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			rec.ID, rec.UserID, rec.Title, completed, rec.Priority, due, rec.Description, string(tagsJSON), rec.Category, created)
	} else {
		_, err = db.ExecContext(ctx, `UPDATE tasks SET title = ?, completed = ?, priority = ?, due_date = ?, description = ?, tags = ?, category = ? WHERE user_id = ? AND id = ?;`,
			rec.Title, completed, rec.Priority, due, rec.Description, string(tagsJSON), rec.Category, rec.UserID, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("write task %s: %w", rec.ID, err)
	}
	return nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	u := url.URL{
		Scheme: "file",
		Path:   path,
	}
	q := u.Query()
	q.Set("mode", "rwc")
	q.Set("_pragma", "busy_timeout(5000)")
	u.RawQuery = q.Encode()
	return u.String()
}
