package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/Zereker/clush"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint failure.
const uniqueViolation = "23505"

// Postgres handles PostgreSQL database operations.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ DataStore = (*Postgres)(nil)

// NewPostgres creates a new PostgreSQL store with a connection pool and
// makes sure the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			password TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS user_messages (
			id TEXT PRIMARY KEY,
			from_id BIGINT NOT NULL,
			to_id BIGINT NOT NULL,
			date_time TIMESTAMPTZ NOT NULL,
			content TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_user_messages_from ON user_messages(from_id, date_time);
		CREATE INDEX IF NOT EXISTS idx_user_messages_to ON user_messages(to_id, date_time);
	`)
	return errors.Wrap(err, "migrate postgres")
}

// BIGINT is signed; ids are stored as their two's complement bit pattern.

func (s *Postgres) FindUserByID(ctx context.Context, id uint64) (*clush.User, error) {
	var password string
	err := s.pool.QueryRow(ctx, `SELECT password FROM users WHERE id = $1`, int64(id)).Scan(&password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find user")
	}
	return &clush.User{ID: id, PasswordHash: password}, nil
}

func (s *Postgres) SaveUserMessage(ctx context.Context, msg clush.StoredMessage) error {
	msg = prepare(msg)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_messages (id, from_id, to_id, date_time, content)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, int64(msg.FromID), int64(msg.ToID), msg.Timestamp, msg.Content)
	return errors.Wrap(err, "save user message")
}

func (s *Postgres) CreateUser(ctx context.Context, user clush.User) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, password) VALUES ($1, $2)`, int64(user.ID), user.PasswordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return errors.Wrap(err, "create user")
	}
	return nil
}

// ListMessages returns up to limit of the most recent messages sent to or
// by userID, oldest first.
func (s *Postgres) ListMessages(ctx context.Context, userID uint64, limit int) ([]clush.StoredMessage, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, date_time, content FROM (
			SELECT id, from_id, to_id, date_time, content FROM user_messages
			WHERE from_id = $1 OR to_id = $1
			ORDER BY date_time DESC, id DESC
			LIMIT $2
		) recent ORDER BY date_time ASC, id ASC
	`, int64(userID), lim)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var out []clush.StoredMessage
	for rows.Next() {
		var (
			msg      clush.StoredMessage
			from, to int64
		)
		if err := rows.Scan(&msg.ID, &from, &to, &msg.Timestamp, &msg.Content); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.FromID, msg.ToID = uint64(from), uint64(to)
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "list messages")
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
