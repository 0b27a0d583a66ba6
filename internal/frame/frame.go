// Package frame implements the length-prefixed message framing spoken with
// the backend worker.
//
// frame = length(32, big-endian) + payload(length)
//
// There is no terminator, checksum or version byte; the length always equals
// the exact byte length of the payload that follows.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultMaxSize bounds inbound frames when no explicit limit is configured.
const DefaultMaxSize = 16 << 20

const headerSize = 4

var (
	// ErrProtocol reports a malformed frame or one exceeding the size bound.
	ErrProtocol = errors.New("frame protocol error")
	// ErrIO reports a failed or incomplete read or write on the stream.
	ErrIO = errors.New("frame io error")
)

type flusher interface {
	Flush() error
}

// Write sends payload as one frame. A short write is a hard failure; there is
// no partial-frame resume.
func Write(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: payload of %d bytes does not fit a 32-bit length", ErrProtocol, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	n, err := w.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrIO, err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrIO, err)
		}
	}
	return nil
}

// Read receives one frame. Frames declaring more than maxSize bytes are
// rejected with ErrProtocol before any payload allocation. A non-positive
// maxSize selects DefaultMaxSize.
func Read(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	var head [headerSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: read length: %w", ErrIO, err)
	}
	size := binary.BigEndian.Uint32(head[:])
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", ErrProtocol, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: read payload: %w", ErrIO, err)
	}
	return payload, nil
}

// Codec binds a maximum inbound frame size.
type Codec struct {
	MaxSize int
}

// WriteFrame writes payload as one frame.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error { return Write(w, payload) }

// ReadFrame reads one frame bounded by c.MaxSize.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) { return Read(r, c.MaxSize) }
