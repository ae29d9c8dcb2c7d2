package clush

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession is a Session with a bounded outbound queue.
type mockSession struct {
	id     uint64
	frames chan Frame
	closed atomic.Bool
}

func newMockSession(id uint64, size int) *mockSession {
	return &mockSession{id: id, frames: make(chan Frame, size)}
}

func (s *mockSession) UserID() uint64 { return s.id }

func (s *mockSession) Write(f Frame) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrBufferFull
	}
}

func (s *mockSession) WriteTimeout(f Frame, timeout time.Duration) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case s.frames <- f:
		return nil
	case <-time.After(timeout):
		return ErrBufferFull
	}
}

func (s *mockSession) Close() error {
	s.closed.Store(true)
	return nil
}

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry()
	a := newMockSession(1, 1)

	_, ok := r.Get(1)
	assert.False(t, ok)

	assert.Nil(t, r.Put(1, a))

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, r.Len())

	r.Remove(1)
	_, ok = r.Get(1)
	assert.False(t, ok)

	// idempotent
	r.Remove(1)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_PutReturnsPrevious(t *testing.T) {
	r := NewRegistry()
	a := newMockSession(1, 1)
	b := newMockSession(1, 1)

	r.Put(1, a)
	prev := r.Put(1, b)
	assert.Same(t, a, prev)

	got, _ := r.Get(1)
	assert.Same(t, b, got)
}

func TestRegistry_RemoveIf(t *testing.T) {
	r := NewRegistry()
	a := newMockSession(1, 1)
	b := newMockSession(1, 1)

	r.Put(1, a)
	r.Put(1, b)

	// The displaced session must not unregister its successor.
	assert.False(t, r.RemoveIf(1, a))
	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, r.RemoveIf(1, b))
	assert.False(t, r.RemoveIf(1, b))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentPutSameID(t *testing.T) {
	for round := 0; round < 100; round++ {
		r := NewRegistry()
		a := newMockSession(7, 1)
		b := newMockSession(7, 1)

		var start, wg sync.WaitGroup
		start.Add(1)
		for _, s := range []*mockSession{a, b} {
			wg.Add(1)
			go func(s *mockSession) {
				defer wg.Done()
				start.Wait()
				r.Put(7, s)
			}(s)
		}
		start.Done()
		wg.Wait()

		assert.Equal(t, 1, r.Len())
		got, ok := r.Get(7)
		require.True(t, ok)
		assert.True(t, got == Session(a) || got == Session(b))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := uint64(0); i < 64; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			s := newMockSession(id, 1)
			for j := 0; j < 100; j++ {
				r.Put(id, s)
				got, ok := r.Get(id)
				if !ok || got != Session(s) {
					t.Errorf("id %d: Get after Put returned %v, %v", id, got, ok)
					return
				}
				if j%2 == 0 {
					r.RemoveIf(id, s)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64, r.Len())
}
