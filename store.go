package clush

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrStorageUnavailable wraps failures of the Store collaborator.
var ErrStorageUnavailable = errors.New("storage unavailable")

// User is the part of a user record the server needs to authenticate a login.
type User struct {
	ID           uint64
	PasswordHash string
}

// StoredMessage is a user message as written to storage.
type StoredMessage struct {
	// ID is assigned by the store when empty.
	ID        string
	FromID    uint64
	ToID      uint64
	Timestamp time.Time
	Content   string
}

// Store is the persistence collaborator of the server.
//
// Implementations must be safe for concurrent use; every connection calls
// them from its own goroutine.
type Store interface {
	// FindUserByID returns the user with the given id, or nil and no error
	// when no such user exists.
	FindUserByID(ctx context.Context, id uint64) (*User, error)
	// SaveUserMessage appends one message.
	SaveUserMessage(ctx context.Context, msg StoredMessage) error
}
