package clush

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Client is a minimal protocol client. It is safe to call Send from
// several goroutines while one goroutine calls Receive.
type Client struct {
	conn   net.Conn
	reader *Reader

	mu sync.Mutex // serializes writes
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established stream.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, reader: NewReader(conn)}
}

// Login sends a login frame for id and waits for the acknowledgement.
// It returns ErrAuthenticationFailed when the server refuses the login.
func (c *Client) Login(id uint64, credential []byte) error {
	if err := c.Send(NewFrame(KindLogin, id, 0, credential)); err != nil {
		return err
	}

	ack, err := c.Receive()
	if err != nil {
		return errors.Wrap(err, "read login acknowledgement")
	}
	if ack.Kind != KindLogin || string(ack.Payload) != LoginSuccess || ack.To != id {
		return errors.Wrapf(ErrAuthenticationFailed, "server replied %q", ack.Payload)
	}
	return nil
}

// Send writes one frame.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(Encode(f)); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// SendText sends a user message to another user.
func (c *Client) SendText(from, to uint64, text string) error {
	return c.Send(NewFrame(KindUserMessage, from, to, []byte(text)))
}

// KeepAlive sends an empty keep-alive frame.
func (c *Client) KeepAlive() error {
	return c.Send(NewFrame(KindUndefined, 0, 0, nil))
}

// Receive blocks until the next frame arrives.
func (c *Client) Receive() (Frame, error) {
	return c.reader.Next()
}

// ReceiveTimeout is Receive with a read deadline. Reader errors are
// sticky, so the client is unusable after a timeout.
func (c *Client) ReceiveTimeout(timeout time.Duration) (Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	return c.reader.Next()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
