// Package clush implements the server side of the clush instant-messaging
// protocol: binary frame encoding, stream reassembly, the per-connection
// login handshake and the routing of messages between live connections.
package clush

import (
	"context"
	"crypto/subtle"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidStore is returned when no store is provided.
	ErrInvalidStore = errors.New("invalid store")
	// ErrInvalidRegistry is returned when no session registry is provided.
	ErrInvalidRegistry = errors.New("invalid session registry")
	// ErrInvalidDispatcher is returned when no dispatcher is provided.
	ErrInvalidDispatcher = errors.New("invalid dispatcher")

	// ErrAuthenticationFailed is returned when the login names an unknown
	// user or carries the wrong credential.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrProtocolSequence is returned when a frame arrives that the
	// connection's state does not allow, such as a message before login.
	ErrProtocolSequence = errors.New("protocol sequence error")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// Acknowledgement payloads sent in reply to a login frame.
const (
	LoginSuccess = "success"
	LoginFailure = "failed"
)

// StorageFailureNotice is the payload of the frame a sender receives when
// its message could not be written to storage.
const StorageFailureNotice = "message not stored"

// ServerID is the from id of frames generated by the server itself.
const ServerID uint64 = 0

// State is the lifecycle state of a connection.
type State int32

const (
	StateAwaitingLogin State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Conn serves one client connection. It runs the login handshake, then
// reads frames and hands messages to the dispatcher while a second
// goroutine writes queued outbound frames to the socket.
//
// Only the connection's own write loop touches the socket for writing;
// other goroutines reach it through Write, WriteBlocking and WriteTimeout.
type Conn struct {
	rawConn net.Conn
	reader  *Reader
	logger  Logger

	opts options

	sendMsg chan Frame
	userID  atomic.Uint64
	state   atomic.Int32
	closed  atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Session = (*Conn)(nil)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound frame queue.
	defaultBufferSize = 64
	// defaultMaxPackageLength is the default maximum payload size (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultIdleTimeout is the default idle timeout.
	defaultIdleTimeout = 30 * time.Second
)

// NewConn creates a new connection wrapper around the given stream.
// The stream may already be wrapped in TLS.
// Returns an error if required options (store, registry, dispatcher) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.idleTimeout <= 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.store == nil {
		return ErrInvalidStore
	}

	if opts.registry == nil {
		return ErrInvalidRegistry
	}

	if opts.dispatcher == nil {
		return ErrInvalidDispatcher
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Continue }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	readerOpts := append([]ReaderOption{MaxFrameSizeOption(uint64(opts.maxReadLength))}, opts.readerOpts...)

	return &Conn{
		rawConn: c,
		reader:  NewReader(c, readerOpts...),
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan Frame, opts.bufferSize),
	}
}

// Run serves the connection until the client disconnects, a frame-level
// error occurs or ctx is canceled. It returns nil when the client closes
// the stream cleanly. The connection is always closed and removed from
// the registry when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.opts.metrics.connOpened()
	defer c.opts.metrics.connClosed()

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	// Canceling ctx closes the stream so that a blocked read returns.
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	uid, err := c.login(ctx)
	if err != nil {
		c.closeConn()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			c.logger.Info("connection closed before login", "addr", c.Addr())
			return nil
		}
		c.logger.Info("login rejected", "addr", c.Addr(), "error", err)
		return err
	}

	c.logger.Info("login succeeded", "addr", c.Addr(), "user_id", uid)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		// Unblock a pending read once either loop has finished.
		<-child.Done()
		c.closeConn()
		return nil
	})

	err = group.Wait()
	c.closeConn()
	c.unregister(uid)

	// Errors caused by Close or by the caller canceling ctx are not failures.
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "user_id", uid, "error", err)
		return err
	}

	c.logger.Info("connection closed", "addr", c.Addr(), "user_id", uid)
	return nil
}

// login runs the handshake: the first frame must be a login frame whose
// credential matches the stored password hash byte for byte.
func (c *Conn) login(ctx context.Context) (uint64, error) {
	c.setReadDeadline()

	f, err := c.reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, err
		}
		return 0, errors.Wrap(err, "read login frame")
	}
	c.opts.metrics.frameRead(f.Kind)

	if f.Kind != KindLogin {
		c.opts.metrics.login(false)
		return 0, errors.Wrapf(ErrProtocolSequence, "first frame is %s", f.Kind)
	}

	uid := f.From
	user, err := c.opts.store.FindUserByID(ctx, uid)
	if err != nil {
		c.opts.metrics.login(false)
		c.reject()
		return 0, errors.Wrapf(ErrStorageUnavailable, "find user %d: %v", uid, err)
	}

	if user == nil || subtle.ConstantTimeCompare([]byte(user.PasswordHash), f.Payload) != 1 {
		c.opts.metrics.login(false)
		c.reject()
		return 0, errors.Wrapf(ErrAuthenticationFailed, "user %d", uid)
	}

	c.userID.Store(uid)
	c.state.Store(int32(StateAuthenticated))
	c.opts.metrics.login(true)

	// The acknowledgement is queued before registration so that it is the
	// first frame the client receives.
	c.sendMsg <- NewFrame(KindLogin, ServerID, uid, []byte(LoginSuccess))

	if prev := c.opts.registry.Put(uid, c); prev != nil {
		if prev != Session(c) {
			c.logger.Info("session displaced by new login", "user_id", uid, "addr", c.Addr())
			_ = prev.Close()
		}
	} else {
		c.opts.metrics.sessionOpened()
	}

	return uid, nil
}

// reject writes the failure acknowledgement directly; the write loop is
// not running yet.
func (c *Conn) reject() {
	f := NewFrame(KindLogin, ServerID, 0, []byte(LoginFailure))
	if err := c.write(Encode(f)); err != nil {
		c.logger.Debug("write login failure", "addr", c.Addr(), "error", err)
	}
}

func (c *Conn) unregister(uid uint64) {
	if c.opts.registry.RemoveIf(uid, c) {
		c.opts.metrics.sessionClosed()
	}
}

// readLoop continuously reads frames and handles them in arrival order.
// A clean close by the client ends the loop with io.EOF.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.setReadDeadline()

			f, err := c.reader.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				}
				return err
			}
			c.opts.metrics.frameRead(f.Kind)

			if err = c.handle(ctx, f); err != nil {
				return err
			}
		}
	}
}

// handle dispatches one frame read from an authenticated client.
func (c *Conn) handle(ctx context.Context, f Frame) error {
	switch f.Kind {
	case KindUndefined:
		return nil
	case KindUserMessage:
		return c.handleUserMessage(ctx, f)
	case KindUserFile:
		f.From = c.UserID()
		return c.submit(ctx, f)
	case KindGroupMessage, KindGroupFile:
		c.logger.Debug("group frame ignored", "addr", c.Addr(), "frame", f.String())
		return nil
	case KindLogin:
		return errors.Wrap(ErrProtocolSequence, "login on authenticated connection")
	default:
		return nil
	}
}

// handleUserMessage stores the message and forwards it to the dispatcher.
// A storage failure is reported to the sender; the message is still
// forwarded for live delivery.
func (c *Conn) handleUserMessage(ctx context.Context, f Frame) error {
	uid := c.UserID()
	f.From = uid

	err := c.opts.store.SaveUserMessage(ctx, StoredMessage{
		FromID:    uid,
		ToID:      f.To,
		Timestamp: time.Now().UTC(),
		Content:   string(f.Payload),
	})
	c.opts.metrics.stored(err)

	if err != nil {
		err = errors.Wrapf(ErrStorageUnavailable, "save message: %v", err)
		c.logger.Warn("message not stored", "user_id", uid, "to", f.To, "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
		if werr := c.Write(NewFrame(KindUserMessage, ServerID, uid, []byte(StorageFailureNotice))); werr != nil {
			c.logger.Debug("storage notice not queued", "user_id", uid, "error", werr)
		}
	}

	return c.submit(ctx, f)
}

func (c *Conn) submit(ctx context.Context, f Frame) error {
	if err := c.opts.dispatcher.Submit(ctx, f); err != nil {
		return errors.Wrap(err, "submit frame")
	}
	return nil
}

// Close closes the connection. Run returns shortly after.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.state.Store(int32(StateClosed))

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// UserID returns the authenticated user id, or 0 before login.
func (c *Conn) UserID() uint64 {
	return c.userID.Load()
}

// ErrBufferFull is returned when the outbound queue is full and cannot
// accept more frames. The recipient is not draining its socket fast enough.
var ErrBufferFull = errors.New("send buffer full")

// Write queues a frame without blocking (fire-and-forget).
//
// Returns:
//   - nil: frame was queued (not yet sent)
//   - ErrBufferFull: outbound queue is full, frame was NOT queued
//   - ErrConnectionClosed: connection is closed
func (c *Conn) Write(f Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- f:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a frame, blocking until there is room or ctx is done.
func (c *Conn) WriteBlocking(ctx context.Context, f Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendMsg <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a frame, waiting up to timeout for room.
// Returns ErrBufferFull when the timeout expires first.
func (c *Conn) WriteTimeout(f Frame, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- f:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// writeLoop serializes queued frames onto the socket.
// Returns when the context is canceled or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.sendMsg:
			if err := c.write(Encode(f)); err != nil {
				return err
			}
		}
	}
}

// write sends data to the connection with a deadline.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.idleTimeout * 2))

	if _, err := c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		return errors.Wrap(err, "write frame")
	}

	return nil
}

func (c *Conn) setReadDeadline() {
	_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout * 2))
}

// closeConn marks the connection as closed and closes the underlying stream.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.state.Store(int32(StateClosed))
	c.rawConn.Close()
}
