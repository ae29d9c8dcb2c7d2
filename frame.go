package clush

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed length of a frame header on the wire:
// 4 bytes kind + 8 bytes from id + 8 bytes to id + 8 bytes payload size.
const HeaderSize = 28

// Kind identifies the type of a frame.
type Kind uint32

// Wire values of the frame kinds. Zero is reserved for keep-alive probes
// and for codes this server does not understand.
const (
	KindUndefined    Kind = 0
	KindUserMessage  Kind = 1
	KindGroupMessage Kind = 2
	KindUserFile     Kind = 3
	KindGroupFile    Kind = 4
	KindLogin        Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindUserMessage:
		return "user_message"
	case KindGroupMessage:
		return "group_message"
	case KindUserFile:
		return "user_file"
	case KindGroupFile:
		return "group_file"
	case KindLogin:
		return "login"
	default:
		return "undefined"
	}
}

// kindFromWire maps a raw kind code to a Kind. Unknown codes become KindUndefined.
func kindFromWire(v uint32) Kind {
	switch k := Kind(v); k {
	case KindUserMessage, KindGroupMessage, KindUserFile, KindGroupFile, KindLogin:
		return k
	default:
		return KindUndefined
	}
}

// Frame errors.
var (
	// ErrMalformedHeader is returned when header bytes are missing or arrive
	// in a way the reader does not accept.
	ErrMalformedHeader = errors.New("malformed frame header")
	// ErrIncompleteFrame is returned when the stream closes inside a header.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrDataMismatch is returned when the stream closes before the payload
	// reaches its declared size.
	ErrDataMismatch = errors.New("frame data mismatch")
	// ErrMessageTooLarge is returned when a frame declares a payload larger
	// than the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
)

// Header is the decoded fixed-size part of a frame.
type Header struct {
	Kind Kind
	From uint64
	To   uint64
	Size uint64
}

// Frame is one complete protocol message.
//
// For login frames From carries the claimed user id and Payload the
// credential. For directed messages To is the recipient or group id.
type Frame struct {
	Kind    Kind
	From    uint64
	To      uint64
	Size    uint64
	Payload []byte
}

// NewFrame builds a frame whose declared size matches its payload.
func NewFrame(kind Kind, from, to uint64, payload []byte) Frame {
	return Frame{
		Kind:    kind,
		From:    from,
		To:      to,
		Size:    uint64(len(payload)),
		Payload: payload,
	}
}

// Header returns the frame header as it will be encoded.
func (f Frame) Header() Header {
	return Header{Kind: f.Kind, From: f.From, To: f.To, Size: uint64(len(f.Payload))}
}

func (f Frame) String() string {
	return fmt.Sprintf("%s from=%d to=%d size=%d", f.Kind, f.From, f.To, len(f.Payload))
}

// Encode serializes the frame. The size field is always the payload length.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	putHeader(buf, f.Header())
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Kind))
	binary.BigEndian.PutUint64(buf[4:12], h.From)
	binary.BigEndian.PutUint64(buf[12:20], h.To)
	binary.BigEndian.PutUint64(buf[20:28], h.Size)
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "need %d bytes, got %d", HeaderSize, len(b))
	}

	return Header{
		Kind: kindFromWire(binary.BigEndian.Uint32(b[0:4])),
		From: binary.BigEndian.Uint64(b[4:12]),
		To:   binary.BigEndian.Uint64(b[12:20]),
		Size: binary.BigEndian.Uint64(b[20:28]),
	}, nil
}

// Decode parses a single complete frame from b. It is the inverse of Encode
// and fails unless b holds exactly one frame.
func Decode(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}

	rest := b[HeaderSize:]
	if uint64(len(rest)) != h.Size {
		return Frame{}, errors.Wrapf(ErrDataMismatch, "declared %d bytes, got %d", h.Size, len(rest))
	}

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return Frame{Kind: h.Kind, From: h.From, To: h.To, Size: h.Size, Payload: payload}, nil
}
