package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	stream     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	entry_id   TEXT,
	type       TEXT    NOT NULL,
	payload    TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (stream, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_entries_entry_id
	ON journal_entries (stream, entry_id)
	WHERE entry_id IS NOT NULL;
`

// SQLiteStore 把日志持久化到 SQLite（纯 Go 驱动，无需 cgo）。
type SQLiteStore struct {
	db *sql.DB
	// SQLite 单写者：串行化 Append，避免 seq 分配竞争。
	mu sync.Mutex
}

// OpenSQLiteStore 打开（或创建）数据库并确保表结构存在。
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: missing sqlite path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// 每个连接都是独立的内存库，必须固定为单连接。
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema 创建日志表（幂等）。
func (s *SQLiteStore) EnsureSchema() error {
	if _, err := s.db.Exec(journalSchema); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, stream string, entry *Entry) (seq int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if entry.ID != "" {
		err = tx.QueryRowContext(ctx,
			`SELECT seq FROM journal_entries WHERE stream = ? AND entry_id = ?`,
			stream, entry.ID,
		).Scan(&seq)
		switch {
		case err == nil:
			return seq, tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return 0, err
		}
	}

	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM journal_entries WHERE stream = ?`,
		stream,
	).Scan(&seq); err != nil {
		return 0, err
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries (stream, seq, entry_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		stream,
		seq,
		nullString(entry.ID),
		entry.Type,
		nullString(string(entry.Payload)),
		createdAt.UnixMilli(),
	); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLiteStore) List(ctx context.Context, stream string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry_id, type, payload, created_at
		FROM journal_entries
		WHERE stream = ?
		ORDER BY seq
	`, stream)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			entryID   sql.NullString
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.Seq, &entryID, &entry.Type, &payload, &createdAt); err != nil {
			return nil, err
		}
		entry.Stream = stream
		entry.ID = entryID.String
		if payload.Valid {
			entry.Payload = []byte(payload.String)
		}
		entry.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
