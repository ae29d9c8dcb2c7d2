package clush

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, registry Registry, opts ...RouterOption) (*Router, *Metrics) {
	t.Helper()
	m := NewMetrics("test", prometheus.NewRegistry())
	opts = append([]RouterOption{RouterLoggerOption(DiscardLogger()), RouterMetricsOption(m)}, opts...)
	return NewRouter(registry, opts...), m
}

func runRouter(t *testing.T, r *Router) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRouter_DeliversToRecipientOnly(t *testing.T) {
	registry := NewRegistry()
	a := newMockSession(1, 4)
	b := newMockSession(2, 4)
	registry.Put(1, a)
	registry.Put(2, b)

	router, m := newTestRouter(t, registry)
	runRouter(t, router)

	f := NewFrame(KindUserMessage, 2, 1, []byte("to a"))
	require.NoError(t, router.Submit(context.Background(), f))

	select {
	case got := <-a.frames:
		requireFrameEqual(t, f, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered to recipient")
	}

	assert.Never(t, func() bool { return len(b.frames) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routed.WithLabelValues(routeDelivered)))
}

func TestRouter_OfflineRecipientDropped(t *testing.T) {
	registry := NewRegistry()
	a := newMockSession(1, 4)
	registry.Put(1, a)

	router, m := newTestRouter(t, registry)
	runRouter(t, router)

	require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 1, 99, []byte("nobody"))))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.routed.WithLabelValues(routeOffline)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.frames)
}

func TestRouter_FullRecipientQueueDropped(t *testing.T) {
	registry := NewRegistry()
	slow := newMockSession(1, 1)
	registry.Put(1, slow)

	router, m := newTestRouter(t, registry)
	runRouter(t, router)

	for i := 0; i < 3; i++ {
		require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 2, 1, []byte{byte(i)})))
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.routed.WithLabelValues(routeQueueFull)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := <-slow.frames
	assert.Equal(t, []byte{0}, got.Payload)
}

func TestRouter_DeliverTimeoutWaitsForRoom(t *testing.T) {
	registry := NewRegistry()
	slow := newMockSession(1, 1)
	registry.Put(1, slow)

	router, _ := newTestRouter(t, registry, RouterDeliverTimeoutOption(2*time.Second))
	runRouter(t, router)

	require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 2, 1, []byte("one"))))
	require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 2, 1, []byte("two"))))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-slow.frames:
			assert.Equal(t, want, string(got.Payload))
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %q not delivered", want)
		}
	}
}

func TestRouter_PreservesPerSenderOrder(t *testing.T) {
	registry := NewRegistry()
	a := newMockSession(1, 100)
	registry.Put(1, a)

	router, _ := newTestRouter(t, registry)
	runRouter(t, router)

	for i := 0; i < 100; i++ {
		require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 2, 1, []byte{byte(i)})))
	}

	for i := 0; i < 100; i++ {
		select {
		case got := <-a.frames:
			require.Equal(t, byte(i), got.Payload[0])
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
}

func TestRouter_SubmitBlocksUntilContextDone(t *testing.T) {
	router, _ := newTestRouter(t, NewRegistry(), RouterQueueSizeOption(1))

	require.NoError(t, router.Submit(context.Background(), NewFrame(KindUserMessage, 1, 2, nil)))
	assert.Equal(t, 1, router.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := router.Submit(ctx, NewFrame(KindUserMessage, 1, 2, nil))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRouter_SubmitAfterStop(t *testing.T) {
	router, _ := newTestRouter(t, NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, router.Run(ctx), context.Canceled)

	err := router.Submit(context.Background(), NewFrame(KindUserMessage, 1, 2, nil))
	assert.Equal(t, ErrRouterClosed, err)
}
