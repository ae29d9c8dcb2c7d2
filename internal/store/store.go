// Package store provides the persistence backends of the server: an
// in-memory store, SQLite and PostgreSQL stores, and a Redis cache for
// user lookups.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/Zereker/clush"
)

// ErrUserExists is returned by CreateUser when the id is taken.
var ErrUserExists = errors.New("user already exists")

// DataStore is a clush.Store that can also manage users and be health-checked.
// Memory, SQLite and Postgres implement it.
type DataStore interface {
	clush.Store

	CreateUser(ctx context.Context, user clush.User) error
	ListMessages(ctx context.Context, userID uint64, limit int) ([]clush.StoredMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend from a database URL:
//
//	""                          in-memory store
//	postgres://, postgresql://  PostgreSQL
//	sqlite://path, file:path    SQLite
func Open(ctx context.Context, databaseURL string) (DataStore, error) {
	switch {
	case databaseURL == "":
		return NewMemory(), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "file:"):
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "file:"))
	default:
		return nil, errors.Errorf("unsupported database url %q", databaseURL)
	}
}

// prepare fills in the id and timestamp of a message about to be stored.
func prepare(msg clush.StoredMessage) clush.StoredMessage {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg
}
