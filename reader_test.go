package clush

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns its chunks one per Read, then io.EOF.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.chunks[0])
	if n == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
	} else {
		r.chunks[0] = r.chunks[0][n:]
	}
	return n, nil
}

func readAll(t *testing.T, r *Reader) ([]Frame, error) {
	t.Helper()

	var frames []Frame
	for {
		f, err := r.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestReader_SingleRead(t *testing.T) {
	f := NewFrame(KindUserMessage, 42, 7, []byte("hi"))
	r := NewReader(&chunkReader{chunks: [][]byte{Encode(f)}})

	got, err := r.Next()
	require.NoError(t, err)
	requireFrameEqual(t, f, got)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_EmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_SplitAtEveryBoundary(t *testing.T) {
	f := NewFrame(KindUserMessage, 42, 7, []byte("hello, world"))
	encoded := Encode(f)

	for i := 1; i < len(encoded); i++ {
		r := NewReader(&chunkReader{chunks: [][]byte{encoded[:i], encoded[i:]}})

		got, err := r.Next()
		require.NoError(t, err, "split at %d", i)
		requireFrameEqual(t, f, got)
	}
}

func TestReader_OneBytePerRead(t *testing.T) {
	f := NewFrame(KindUserFile, 1, 2, bytes.Repeat([]byte{0xAB}, 100))
	encoded := Encode(f)

	chunks := make([][]byte, len(encoded))
	for i := range encoded {
		chunks[i] = encoded[i : i+1]
	}

	got, err := NewReader(&chunkReader{chunks: chunks}).Next()
	require.NoError(t, err)
	requireFrameEqual(t, f, got)
}

func TestReader_SmallReadChunk(t *testing.T) {
	f := NewFrame(KindUserMessage, 1, 2, bytes.Repeat([]byte("x"), 1000))

	got, err := NewReader(bytes.NewReader(Encode(f)), ReadChunkOption(7)).Next()
	require.NoError(t, err)
	requireFrameEqual(t, f, got)
}

func TestReader_ManyFramesPerRead(t *testing.T) {
	frames := []Frame{
		NewFrame(KindUserMessage, 1, 2, []byte("first")),
		NewFrame(KindUndefined, 0, 0, nil),
		NewFrame(KindGroupMessage, 1, 900, []byte("group")),
		NewFrame(KindUserMessage, 1, 2, []byte("last")),
	}

	var stream []byte
	for _, f := range frames {
		stream = append(stream, Encode(f)...)
	}

	// The first read holds two frames and part of the third header.
	cut := len(Encode(frames[0])) + len(Encode(frames[1])) + 10
	r := NewReader(&chunkReader{chunks: [][]byte{stream[:cut], stream[cut:]}})

	got, err := readAll(t, r)
	assert.Equal(t, io.EOF, err)
	require.Len(t, got, len(frames))
	for i := range frames {
		requireFrameEqual(t, frames[i], got[i])
	}
}

func TestReader_Truncation(t *testing.T) {
	f := NewFrame(KindUserMessage, 42, 7, []byte("truncated payload"))
	encoded := Encode(f)

	for cut := 1; cut < len(encoded); cut++ {
		r := NewReader(&chunkReader{chunks: [][]byte{encoded[:cut]}})

		_, err := r.Next()
		require.Error(t, err, "cut at %d", cut)

		if cut < HeaderSize {
			assert.True(t, errors.Is(err, ErrIncompleteFrame), "cut at %d: %v", cut, err)
		} else {
			assert.True(t, errors.Is(err, ErrDataMismatch), "cut at %d: %v", cut, err)
		}
	}
}

func TestReader_ZeroByteReadIsClose(t *testing.T) {
	f := NewFrame(KindUserMessage, 1, 2, []byte("abc"))
	encoded := Encode(f)

	r := NewReader(readerFunc(func(p []byte) (int, error) {
		if len(encoded) == 0 {
			return 0, nil
		}
		n := copy(p, encoded[:HeaderSize+1])
		encoded = nil
		return n, nil
	}))

	_, err := r.Next()
	assert.True(t, errors.Is(err, ErrDataMismatch), "got %v", err)
}

func TestReader_StrictHeader(t *testing.T) {
	encoded := Encode(NewFrame(KindUserMessage, 1, 2, []byte("abc")))

	r := NewReader(&chunkReader{chunks: [][]byte{encoded[:10], encoded[10:]}}, StrictHeaderOption(true))
	_, err := r.Next()
	assert.True(t, errors.Is(err, ErrMalformedHeader), "got %v", err)

	// A whole header in one read is accepted even if the payload trails.
	r = NewReader(&chunkReader{chunks: [][]byte{encoded[:HeaderSize], encoded[HeaderSize:]}}, StrictHeaderOption(true))
	_, err = r.Next()
	assert.NoError(t, err)
}

func TestReader_MessageTooLarge(t *testing.T) {
	encoded := Encode(NewFrame(KindUserMessage, 1, 2, make([]byte, 65)))

	_, err := NewReader(bytes.NewReader(encoded), MaxFrameSizeOption(64)).Next()
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
}

func TestReader_HugeDeclaredSize(t *testing.T) {
	encoded := Encode(NewFrame(KindUserMessage, 1, 2, nil))
	for i := 20; i < 28; i++ {
		encoded[i] = 0xFF
	}

	_, err := NewReader(bytes.NewReader(encoded)).Next()
	assert.True(t, errors.Is(err, ErrMessageTooLarge), "got %v", err)
}

func TestReader_StickyError(t *testing.T) {
	boom := errors.New("boom")
	r := NewReader(readerFunc(func(p []byte) (int, error) { return 0, boom }))

	_, err1 := r.Next()
	_, err2 := r.Next()
	assert.True(t, errors.Is(err1, boom))
	assert.Equal(t, err1, err2)
}

func TestReader_FrameCompletedBeforeError(t *testing.T) {
	f := NewFrame(KindUserMessage, 1, 2, []byte("last words"))
	encoded := Encode(f)
	boom := errors.New("connection reset")

	sent := false
	r := NewReader(readerFunc(func(p []byte) (int, error) {
		if sent {
			return 0, boom
		}
		sent = true
		return copy(p, encoded), boom
	}))

	got, err := r.Next()
	require.NoError(t, err)
	requireFrameEqual(t, f, got)

	_, err = r.Next()
	assert.True(t, errors.Is(err, boom))
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
