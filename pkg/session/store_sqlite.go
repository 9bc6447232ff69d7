package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sessionColumns = `id, env_type, resolution, tag, mount_path, kiosk,
	control_port, debug_port, vnc_port, container_name, created_at`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	env_type       TEXT NOT NULL,
	resolution     TEXT NOT NULL,
	tag            TEXT NOT NULL DEFAULT '',
	mount_path     TEXT NOT NULL DEFAULT '',
	kiosk          INTEGER NOT NULL DEFAULT 0,
	control_port   INTEGER NOT NULL,
	debug_port     INTEGER NOT NULL DEFAULT 0,
	vnc_port       INTEGER NOT NULL DEFAULT 0,
	container_name TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_tag ON sessions(tag);

CREATE TABLE IF NOT EXISTS closed_sessions (
	id             TEXT PRIMARY KEY,
	env_type       TEXT NOT NULL,
	resolution     TEXT NOT NULL,
	tag            TEXT NOT NULL DEFAULT '',
	mount_path     TEXT NOT NULL DEFAULT '',
	kiosk          INTEGER NOT NULL DEFAULT 0,
	control_port   INTEGER NOT NULL,
	debug_port     INTEGER NOT NULL DEFAULT 0,
	vnc_port       INTEGER NOT NULL DEFAULT 0,
	container_name TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	closed_at      INTEGER NOT NULL,
	recording_path TEXT NOT NULL DEFAULT ''
);
`

// SQLiteStore keeps sessions in a SQLite database. Archive runs in a single
// transaction, so it stays atomic across processes sharing the file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// Immediate transactions take the write lock up front so concurrent
	// archivers queue on busy_timeout instead of failing to upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, extra ...any) (*Session, error) {
	var (
		s       Session
		envType string
		kiosk   int
		created int64
	)
	dest := []any{&s.ID, &envType, &s.Resolution, &s.Tag, &s.MountPath, &kiosk,
		&s.ControlPort, &s.DebugPort, &s.VNCPort, &s.ContainerName, &created}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	s.EnvType = EnvType(envType)
	s.Kiosk = kiosk != 0
	s.CreatedAt = time.Unix(0, created).UTC()
	return &s, nil
}

func sessionArgs(s *Session) []any {
	kiosk := 0
	if s.Kiosk {
		kiosk = 1
	}
	return []any{s.ID, string(s.EnvType), s.Resolution, s.Tag, s.MountPath, kiosk,
		s.ControlPort, s.DebugPort, s.VNCPort, s.ContainerName, s.CreatedAt.UnixNano()}
}

func isPrimaryKeyConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionArgs(sess)...)
	if err != nil {
		if isPrimaryKeyConflict(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, sess.ID)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateTag(ctx context.Context, id, tag string) (*Session, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET tag = ? WHERE id = ?`, tag, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update tag: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Archive inserts the closed record then deletes the active row inside one
// transaction.
func (s *SQLiteStore) Archive(ctx context.Context, closed *ClosedSession) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	args := append(sessionArgs(&closed.Session), closed.ClosedAt.UnixNano(), closed.RecordingPath)
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO closed_sessions (`+sessionColumns+`, closed_at, recording_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		if isPrimaryKeyConflict(err) {
			// Someone archived it first.
			return ErrNotFound
		}
		return fmt.Errorf("failed to insert closed session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, closed.ID)
	if err != nil {
		return fmt.Errorf("failed to delete active session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete active session: %w", err)
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

const closedColumns = sessionColumns + `, closed_at, recording_path`

func scanClosed(row rowScanner) (*ClosedSession, error) {
	var (
		closedAt int64
		path     string
	)
	sess, err := scanSession(row, &closedAt, &path)
	if err != nil {
		return nil, err
	}
	return &ClosedSession{
		Session:       *sess,
		ClosedAt:      time.Unix(0, closedAt).UTC(),
		RecordingPath: path,
	}, nil
}

func (s *SQLiteStore) GetClosed(ctx context.Context, id string) (*ClosedSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+closedColumns+` FROM closed_sessions WHERE id = ?`, id)
	closed, err := scanClosed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read closed session: %w", err)
	}
	return closed, nil
}

func (s *SQLiteStore) ListClosed(ctx context.Context) ([]*ClosedSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+closedColumns+` FROM closed_sessions ORDER BY closed_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed sessions: %w", err)
	}
	defer rows.Close()

	closed := []*ClosedSession{}
	for rows.Next() {
		c, err := scanClosed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed session: %w", err)
		}
		closed = append(closed, c)
	}
	return closed, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
