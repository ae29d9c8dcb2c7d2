package clush

import (
	"io"

	"github.com/pkg/errors"
)

// defaultReadChunk is the size of a single read from the underlying stream.
const defaultReadChunk = 4096

// Reader reassembles frames from a byte stream regardless of how the
// stream is segmented: one read may carry part of a frame, exactly one
// frame, or several frames and the start of the next.
//
// A Reader is bound to one connection and is not safe for concurrent use.
// Once Next returns an error every further call returns the same error.
type Reader struct {
	r       io.Reader
	chunk   []byte
	buf     []byte // received but not yet consumed bytes
	maxSize uint64
	strict  bool

	header    Header
	hasHeader bool

	readErr error // error reported by the underlying reader, pending
	err     error // sticky error returned by Next
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// MaxFrameSizeOption limits the declared payload size a Reader accepts.
func MaxFrameSizeOption(size uint64) ReaderOption {
	return func(r *Reader) {
		r.maxSize = size
	}
}

// StrictHeaderOption makes the Reader require that a frame header arrives
// in a single read. A read that starts a frame but delivers fewer than
// HeaderSize bytes while the stream stays open yields ErrMalformedHeader.
func StrictHeaderOption(strict bool) ReaderOption {
	return func(r *Reader) {
		r.strict = strict
	}
}

// ReadChunkOption sets the size of each underlying read.
func ReadChunkOption(size int) ReaderOption {
	return func(r *Reader) {
		if size > 0 {
			r.chunk = make([]byte, size)
		}
	}
}

// NewReader returns a Reader consuming r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	fr := &Reader{
		r:       r,
		chunk:   make([]byte, defaultReadChunk),
		maxSize: defaultMaxPackageLength,
	}

	for _, opt := range opts {
		opt(fr)
	}

	return fr
}

// Next returns the next complete frame.
//
// It returns io.EOF when the stream closes cleanly between frames,
// ErrIncompleteFrame when it closes inside a header and ErrDataMismatch
// when it closes before the payload reaches its declared size. Other
// errors from the underlying reader are returned wrapped.
func (r *Reader) Next() (Frame, error) {
	if r.err != nil {
		return Frame{}, r.err
	}

	for {
		frame, ok, err := r.parse()
		if err != nil {
			r.err = err
			return Frame{}, err
		}
		if ok {
			return frame, nil
		}

		if r.readErr != nil {
			r.err = r.closeError()
			return Frame{}, r.err
		}

		if err := r.fill(); err != nil {
			r.err = err
			return Frame{}, err
		}
	}
}

// parse tries to cut one frame out of the buffered bytes.
func (r *Reader) parse() (Frame, bool, error) {
	if !r.hasHeader {
		if len(r.buf) < HeaderSize {
			return Frame{}, false, nil
		}

		h, err := DecodeHeader(r.buf)
		if err != nil {
			return Frame{}, false, err
		}
		if h.Size > r.maxSize {
			return Frame{}, false, errors.Wrapf(ErrMessageTooLarge, "declared %d bytes, limit %d", h.Size, r.maxSize)
		}

		r.header = h
		r.hasHeader = true
		r.buf = r.buf[HeaderSize:]
	}

	if uint64(len(r.buf)) < r.header.Size {
		return Frame{}, false, nil
	}

	size := int(r.header.Size)
	payload := make([]byte, size)
	copy(payload, r.buf[:size])

	frame := Frame{
		Kind:    r.header.Kind,
		From:    r.header.From,
		To:      r.header.To,
		Size:    r.header.Size,
		Payload: payload,
	}

	r.buf = r.buf[size:]
	if len(r.buf) == 0 {
		r.buf = r.buf[:0:0]
	}
	r.hasHeader = false
	r.header = Header{}

	return frame, true, nil
}

// fill performs one read from the underlying stream.
func (r *Reader) fill() error {
	n, err := r.r.Read(r.chunk)

	if r.strict && n > 0 && err == nil && !r.hasHeader && len(r.buf) == 0 && n < HeaderSize {
		return errors.Wrapf(ErrMalformedHeader, "header arrived as %d bytes", n)
	}

	if n > 0 {
		r.buf = append(r.buf, r.chunk[:n]...)
	}

	switch {
	case err != nil:
		r.readErr = err
	case n == 0:
		// A zero-byte read is treated as the peer closing the stream.
		r.readErr = io.EOF
	}

	return nil
}

// closeError classifies the pending read error against the partial frame state.
func (r *Reader) closeError() error {
	if !errors.Is(r.readErr, io.EOF) {
		return errors.Wrap(r.readErr, "read frame")
	}

	switch {
	case r.hasHeader:
		return errors.Wrapf(ErrDataMismatch, "received %d of %d payload bytes", len(r.buf), r.header.Size)
	case len(r.buf) > 0:
		return errors.Wrapf(ErrIncompleteFrame, "received %d of %d header bytes", len(r.buf), HeaderSize)
	default:
		return io.EOF
	}
}
