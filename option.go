package clush

import (
	"time"
)

// ErrorAction defines the action to take when a recoverable error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	store      Store
	registry   Registry
	dispatcher Dispatcher
	logger     Logger
	metrics    *Metrics

	// onError is called for errors the connection can survive, such as a
	// failed message write to storage.
	// Returns Disconnect to close the connection, Continue to keep serving.
	onError func(error) ErrorAction

	bufferSize    int           // size of the outbound frame queue
	maxReadLength int           // maximum declared payload size
	idleTimeout   time.Duration // read/write deadlines are idleTimeout * 2
	readerOpts    []ReaderOption
}

// Option is a function that configures connection options.
type Option func(*options)

// StoreOption returns an Option that sets the storage collaborator.
// It is required.
func StoreOption(store Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// RegistryOption returns an Option that sets the session registry the
// connection registers itself in after login. It is required.
func RegistryOption(registry Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// DispatcherOption returns an Option that sets where routed frames are
// submitted, normally a *Router. It is required.
func DispatcherOption(d Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// BufferSizeOption returns an Option that sets the size of the outbound
// frame queue. When it is full the router drops frames for this connection.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that sets the idle timeout.
// A connection that sends nothing, not even a keep-alive, for twice this
// duration is closed.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// Frames declaring a larger payload close the connection.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// ReaderOptions returns an Option that passes extra options to the frame reader.
func ReaderOptions(opts ...ReaderOption) Option {
	return func(o *options) {
		o.readerOpts = append(o.readerOpts, opts...)
	}
}

// OnErrorOption returns an Option that sets the recoverable error callback.
// Return Disconnect to close the connection, or Continue to keep serving.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that sets the metrics to record into.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
