// Package frame implements MiniBit's shared length-prefixed JSON framing:
// [4-byte big-endian length N][N bytes UTF-8 JSON]. Both the peer-to-peer
// wire protocol (internal/wire) and the tracker protocol (internal/tracker)
// are built on this single primitive, per the specification's requirement
// that both use identical framing.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// MaxSize bounds a single frame, guarding against a corrupted or hostile
// length prefix forcing an unbounded allocation.
const MaxSize = 8 << 20 // 8 MiB

// ErrTooLarge is returned by Read when the declared length exceeds MaxSize.
var ErrTooLarge = errors.New("frame: exceeds maximum size")

// Write marshals v to JSON and writes it framed to w.
func Write(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "frame: marshal")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "frame: write length prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "frame: write body")
	}
	return nil
}

// Read reads one length-prefixed frame from r and returns its raw JSON
// body.
func Read(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, errors.New("frame: zero-length frame")
	}
	if length > MaxSize {
		return nil, ErrTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "frame: read body")
	}
	return body, nil
}

// ReadInto reads one frame and unmarshals its JSON body into v.
func ReadInto(r io.Reader, v any) error {
	body, err := Read(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "frame: invalid JSON")
	}
	return nil
}
