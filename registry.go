package clush

import (
	"sync"
	"time"
)

// Session is the handle the registry keeps for an authenticated connection.
// It never exposes the socket: frames handed to Write are queued and
// written by the connection's own goroutine.
type Session interface {
	// UserID returns the authenticated user id.
	UserID() uint64
	// Write queues f without blocking, returning ErrBufferFull when the
	// outbound queue is full.
	Write(f Frame) error
	// WriteTimeout queues f, waiting up to timeout for queue space.
	WriteTimeout(f Frame, timeout time.Duration) error
	// Close tears the connection down.
	Close() error
}

// Registry maps user ids to their live sessions.
//
// All methods are safe for concurrent use and take effect immediately:
// a Get that starts after Put returns observes the new entry.
type Registry interface {
	// Put binds id to s and returns the session it replaced, if any.
	Put(id uint64, s Session) (prev Session)
	// Get returns the session bound to id.
	Get(id uint64) (Session, bool)
	// Remove unbinds id. Removing an absent id is a no-op.
	Remove(id uint64)
	// RemoveIf unbinds id only while it is still bound to s.
	RemoveIf(id uint64, s Session) bool
	// Len returns the number of bound ids.
	Len() int
}

const registryShards = 32

type registryShard struct {
	sync.RWMutex
	sessions map[uint64]Session
}

// ShardedRegistry is a Registry split over lock-protected shards so that
// unrelated users do not contend on one lock.
type ShardedRegistry struct {
	shards [registryShards]registryShard
}

var _ Registry = (*ShardedRegistry)(nil)

// NewRegistry returns an empty ShardedRegistry.
func NewRegistry() *ShardedRegistry {
	r := &ShardedRegistry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[uint64]Session)
	}
	return r
}

func (r *ShardedRegistry) shard(id uint64) *registryShard {
	return &r.shards[id%registryShards]
}

func (r *ShardedRegistry) Put(id uint64, s Session) Session {
	sh := r.shard(id)
	sh.Lock()
	defer sh.Unlock()

	prev := sh.sessions[id]
	sh.sessions[id] = s
	return prev
}

func (r *ShardedRegistry) Get(id uint64) (Session, bool) {
	sh := r.shard(id)
	sh.RLock()
	defer sh.RUnlock()

	s, ok := sh.sessions[id]
	return s, ok
}

func (r *ShardedRegistry) Remove(id uint64) {
	sh := r.shard(id)
	sh.Lock()
	defer sh.Unlock()

	delete(sh.sessions, id)
}

func (r *ShardedRegistry) RemoveIf(id uint64, s Session) bool {
	sh := r.shard(id)
	sh.Lock()
	defer sh.Unlock()

	if cur, ok := sh.sessions[id]; !ok || cur != s {
		return false
	}
	delete(sh.sessions, id)
	return true
}

func (r *ShardedRegistry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.RLock()
		n += len(sh.sessions)
		sh.RUnlock()
	}
	return n
}
