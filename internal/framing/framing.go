// Package framing delimits the single request and single reply exchanged on a gateway connection.
package framing

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/G-Research/taskrelay/internal/common/relayerrors"
	"github.com/G-Research/taskrelay/internal/configuration"
)

const lengthPrefixSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame too large")

type Framer interface {
	// ReadFrame returns the next frame body. An empty body with a nil error means the peer sent nothing.
	ReadFrame(r *bufio.Reader) ([]byte, error)
	WriteFrame(w io.Writer, body []byte) error
}

// New returns the Framer for mode, one of length-prefixed, newline or single-read.
func New(mode string, maxFrameBytes int, readBufferSize int) (Framer, error) {
	switch mode {
	case configuration.FramingLengthPrefixed, "":
		return &LengthPrefixed{MaxFrameBytes: maxFrameBytes}, nil
	case configuration.FramingNewline:
		return &Newline{MaxFrameBytes: maxFrameBytes}, nil
	case configuration.FramingSingleRead:
		return &SingleRead{BufferSize: readBufferSize}, nil
	default:
		return nil, errors.WithStack(&relayerrors.ErrInvalidArgument{
			Name:    "framing",
			Value:   mode,
			Message: "must be one of length-prefixed, newline, single-read",
		})
	}
}

// LengthPrefixed frames are a 4-byte little-endian body length followed by the body.
type LengthPrefixed struct {
	MaxFrameBytes int
}

func (f *LengthPrefixed) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenbuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if f.MaxFrameBytes > 0 && uint64(n) > uint64(f.MaxFrameBytes) {
		return nil, errors.WithStack(ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func (f *LengthPrefixed) WriteFrame(w io.Writer, body []byte) error {
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	_, err := w.Write(frame)
	return errors.WithStack(err)
}

// Newline frames end at the first '\n' or at EOF. A trailing "\r" is dropped.
type Newline struct {
	MaxFrameBytes int
}

func (f *Newline) ReadFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if f.MaxFrameBytes > 0 && len(line) > f.MaxFrameBytes+1 {
			return nil, errors.WithStack(ErrFrameTooLarge)
		}
		if err == nil || err == io.EOF {
			break
		}
		if err != bufio.ErrBufferFull {
			return nil, errors.WithStack(err)
		}
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if f.MaxFrameBytes > 0 && len(line) > f.MaxFrameBytes {
		return nil, errors.WithStack(ErrFrameTooLarge)
	}
	return line, nil
}

func (f *Newline) WriteFrame(w io.Writer, body []byte) error {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, body...)
	frame = append(frame, '\n')
	_, err := w.Write(frame)
	return errors.WithStack(err)
}

// SingleRead treats whatever one read returns as the whole request. Requests larger than BufferSize are
// truncated and requests split across TCP segments are cut short; use it only where clients depend on it.
type SingleRead struct {
	BufferSize int
}

func (f *SingleRead) ReadFrame(r *bufio.Reader) ([]byte, error) {
	size := f.BufferSize
	if size <= 0 {
		size = 4096
	}
	buf := make([]byte, size)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || err == io.EOF {
		return nil, nil
	}
	return nil, errors.WithStack(err)
}

func (f *SingleRead) WriteFrame(w io.Writer, body []byte) error {
	_, err := w.Write(body)
	return errors.WithStack(err)
}
