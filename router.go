package clush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrRouterClosed is returned by Submit once the router has stopped.
var ErrRouterClosed = errors.New("router closed")

// ErrDeliveryQueueFull reports that a recipient's outbound queue had no room.
// It is the same value as ErrBufferFull.
var ErrDeliveryQueueFull = ErrBufferFull

// Dispatcher accepts frames for delivery to other connections.
type Dispatcher interface {
	// Submit queues f for routing, blocking until it is queued or ctx is done.
	Submit(ctx context.Context, f Frame) error
}

// Router moves frames from the connection that read them to the
// connection of the recipient. A single goroutine (Run) drains the queue
// that every connection submits to.
type Router struct {
	registry       Registry
	logger         Logger
	metrics        *Metrics
	deliverTimeout time.Duration

	queue   chan Frame
	done    chan struct{}
	stopped sync.Once
}

var _ Dispatcher = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterQueueSizeOption sets the capacity of the shared routing queue.
func RouterQueueSizeOption(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.queue = make(chan Frame, size)
		}
	}
}

// RouterDeliverTimeoutOption sets how long the router waits for room in a
// recipient's outbound queue. Zero drops the frame at once when the queue
// is full.
func RouterDeliverTimeoutOption(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.deliverTimeout = timeout
	}
}

// RouterLoggerOption sets the logger for the router.
func RouterLoggerOption(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterMetricsOption sets the metrics the router records into.
func RouterMetricsOption(m *Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

const defaultRouterQueueSize = 1024

// NewRouter creates a router delivering to sessions found in registry.
func NewRouter(registry Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   slog.Default(),
		queue:    make(chan Frame, defaultRouterQueueSize),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Submit queues f for routing. Ownership of f passes to the router.
func (r *Router) Submit(ctx context.Context, f Frame) error {
	select {
	case <-r.done:
		return ErrRouterClosed
	default:
	}

	select {
	case r.queue <- f:
		return nil
	case <-r.done:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run routes queued frames until ctx is canceled. Frames still queued
// when ctx ends are discarded.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started", "queue_size", cap(r.queue))
	defer r.stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopped", "pending", len(r.queue))
			return ctx.Err()
		case f := <-r.queue:
			r.route(f)
		}
	}
}

func (r *Router) stop() {
	r.stopped.Do(func() { close(r.done) })
}

// route delivers f to the session of f.To, dropping it when the recipient
// is offline or not draining its queue.
func (r *Router) route(f Frame) {
	s, ok := r.registry.Get(f.To)
	if !ok {
		r.metrics.route(routeOffline)
		r.logger.Debug("recipient offline, frame dropped", "frame", f.String())
		return
	}

	var err error
	if r.deliverTimeout > 0 {
		err = s.WriteTimeout(f, r.deliverTimeout)
	} else {
		err = s.Write(f)
	}

	switch {
	case err == nil:
		r.metrics.route(routeDelivered)
	case errors.Is(err, ErrDeliveryQueueFull):
		r.metrics.route(routeQueueFull)
		r.logger.Warn("recipient queue full, frame dropped", "frame", f.String())
	default:
		r.metrics.route(routeOffline)
		r.logger.Debug("delivery failed, frame dropped", "frame", f.String(), "error", err)
	}
}

// Pending returns the number of frames waiting to be routed.
func (r *Router) Pending() int {
	return len(r.queue)
}
