package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Zereker/clush"
)

// SQLite stores users and messages in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ DataStore = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/clush.db".
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if dbPath == "" {
		dbPath = "./data/clush.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		password TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_messages (
		id TEXT PRIMARY KEY,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		date_time DATETIME NOT NULL,
		content TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_messages_from ON user_messages(from_id, date_time);
	CREATE INDEX IF NOT EXISTS idx_user_messages_to ON user_messages(to_id, date_time);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "init sqlite schema")
}

// SQLite integers are signed; ids are stored as their two's complement
// bit pattern and converted back on read.

func (s *SQLite) FindUserByID(ctx context.Context, id uint64) (*clush.User, error) {
	var password string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM users WHERE id = ?`, int64(id)).Scan(&password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find user")
	}
	return &clush.User{ID: id, PasswordHash: password}, nil
}

func (s *SQLite) SaveUserMessage(ctx context.Context, msg clush.StoredMessage) error {
	msg = prepare(msg)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_messages (id, from_id, to_id, date_time, content)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, int64(msg.FromID), int64(msg.ToID), msg.Timestamp.UTC(), msg.Content)
	return errors.Wrap(err, "save user message")
}

func (s *SQLite) CreateUser(ctx context.Context, user clush.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, password) VALUES (?, ?)`, int64(user.ID), user.PasswordHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return errors.Wrap(err, "create user")
	}
	return nil
}

// ListMessages returns up to limit of the most recent messages sent to or
// by userID, oldest first.
func (s *SQLite) ListMessages(ctx context.Context, userID uint64, limit int) ([]clush.StoredMessage, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, date_time, content FROM (
			SELECT id, from_id, to_id, date_time, content FROM user_messages
			WHERE from_id = ? OR to_id = ?
			ORDER BY date_time DESC, id DESC
			LIMIT ?
		) ORDER BY date_time ASC, id ASC
	`, int64(userID), int64(userID), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []clush.StoredMessage
	for rows.Next() {
		var (
			msg      clush.StoredMessage
			from, to int64
			ts       time.Time
		)
		if err := rows.Scan(&msg.ID, &from, &to, &ts, &msg.Content); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.FromID, msg.ToID, msg.Timestamp = uint64(from), uint64(to), ts.UTC()
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "list messages")
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
