package clush

import (
	"context"
	"log/slog"
	"net"
	"sync"
)

// Hub ties the pieces of a server together: it owns the session registry
// and the router, and serves every accepted stream as a Conn.
// It implements Handler.
type Hub struct {
	store    Store
	registry Registry
	router   *Router
	logger   Logger
	metrics  *Metrics

	connOpts   []Option
	routerOpts []RouterOption

	// ctx is canceled when Run returns; connections are served under it.
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

var _ Handler = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// HubRegistryOption replaces the default ShardedRegistry.
func HubRegistryOption(r Registry) HubOption {
	return func(h *Hub) {
		h.registry = r
	}
}

// HubLoggerOption sets the logger shared by the hub, its router and its connections.
func HubLoggerOption(logger Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// HubMetricsOption sets the metrics shared by the router and the connections.
func HubMetricsOption(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// HubConnOptions adds options applied to every connection.
func HubConnOptions(opts ...Option) HubOption {
	return func(h *Hub) {
		h.connOpts = append(h.connOpts, opts...)
	}
}

// HubRouterOptions adds options applied to the router.
func HubRouterOptions(opts ...RouterOption) HubOption {
	return func(h *Hub) {
		h.routerOpts = append(h.routerOpts, opts...)
	}
}

// NewHub creates a hub backed by store.
func NewHub(store Store, opts ...HubOption) *Hub {
	h := &Hub{
		store:  store,
		logger: slog.Default(),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(h)
	}

	if h.registry == nil {
		h.registry = NewRegistry()
	}

	routerOpts := append([]RouterOption{
		RouterLoggerOption(h.logger),
		RouterMetricsOption(h.metrics),
	}, h.routerOpts...)
	h.router = NewRouter(h.registry, routerOpts...)

	return h
}

// Run routes messages until ctx is canceled, then waits for the
// connections it is serving to finish.
func (h *Hub) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()

	err := h.router.Run(ctx)

	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()
	return err
}

// Handle serves conn until it closes. Connections handed over after Run
// has returned are closed at once.
func (h *Hub) Handle(conn net.Conn) {
	h.mu.Lock()
	ctx := h.ctx
	if ctx.Err() != nil {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	opts := append([]Option{
		StoreOption(h.store),
		RegistryOption(h.registry),
		DispatcherOption(h.router),
		LoggerOption(h.logger),
		MetricsOption(h.metrics),
	}, h.connOpts...)

	c, err := NewConn(conn, opts...)
	if err != nil {
		h.logger.Error("create connection", "addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	_ = c.Run(ctx)
}

// Registry returns the hub's session registry.
func (h *Hub) Registry() Registry {
	return h.registry
}

// Router returns the hub's router.
func (h *Hub) Router() *Router {
	return h.router
}
