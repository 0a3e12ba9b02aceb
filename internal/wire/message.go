// Package wire implements MiniBit's peer-to-peer messages, framed by
// internal/frame as a 4-byte big-endian length prefix followed by a UTF-8
// JSON object. The tracker protocol uses the same framing with its own
// message types (see internal/tracker).
package wire

import (
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/minibit/minibit/internal/frame"
	"github.com/pkg/errors"
)

// Message types, per the wire protocol table.
const (
	TypeHandshake    = "handshake"
	TypeHave         = "have"
	TypeRequestBlock = "request_block"
	TypeBlockData    = "block_data"
	TypeChoke        = "choke"
	TypeUnchoke      = "unchoke"
)

// MaxMessageSize bounds a single framed message, guarding against a
// corrupted or hostile length prefix forcing an unbounded allocation.
const MaxMessageSize = frame.MaxSize

// ErrMessageTooLarge is returned by ReadMessage when the declared length
// exceeds MaxMessageSize.
var ErrMessageTooLarge = frame.ErrTooLarge

// ErrMissingType is returned when a decoded JSON object has no "type"
// field.
var ErrMissingType = errors.New("wire: message missing type field")

// Message is the envelope for every frame exchanged between peers. Not
// every field is populated for every type; see the per-type constructors
// below.
type Message struct {
	Type string `json:"type"`

	// PeerID identifies the sender. Present on handshake.
	PeerID string `json:"peer_id,omitempty"`

	// Blocks is the full advertised block set. Present on have.
	Blocks []string `json:"blocks,omitempty"`

	// BlockID names a single block. Present on request_block and
	// block_data.
	BlockID string `json:"block_id,omitempty"`

	// Data is a lowercase hex encoding of a block's bytes. Present on
	// block_data.
	Data string `json:"data,omitempty"`
}

// NewHandshake builds the mandatory first frame of a connection.
func NewHandshake(peerID string) *Message {
	return &Message{Type: TypeHandshake, PeerID: peerID}
}

// NewHave builds a full (not incremental) advertisement of owned blocks.
func NewHave(blocks []string) *Message {
	return &Message{Type: TypeHave, Blocks: blocks}
}

// NewRequestBlock asks the receiver for one block.
func NewRequestBlock(blockID string) *Message {
	return &Message{Type: TypeRequestBlock, BlockID: blockID}
}

// NewBlockData delivers one block's bytes, hex-encoded.
func NewBlockData(blockID string, data []byte) *Message {
	return &Message{
		Type:    TypeBlockData,
		BlockID: blockID,
		Data:    hex.EncodeToString(data),
	}
}

// NewChoke tells the receiver that further request_block frames from it
// will be refused.
func NewChoke() *Message { return &Message{Type: TypeChoke} }

// NewUnchoke tells the receiver that request_block frames from it will now
// be served.
func NewUnchoke() *Message { return &Message{Type: TypeUnchoke} }

// DecodeBlockData hex-decodes a block_data message's payload.
func (m *Message) DecodeBlockData() ([]byte, error) {
	b, err := hex.DecodeString(m.Data)
	if err != nil {
		return nil, errors.Wrap(err, "wire: invalid hex in block_data")
	}
	return b, nil
}

// WriteMessage frames m as [4-byte big-endian length][JSON body] and writes
// it to w. A nil Message is invalid; MiniBit has no keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		return errors.New("wire: cannot write nil message")
	}
	if m.Type == "" {
		return ErrMissingType
	}

	return frame.Write(w, m)
}

// ReadMessage reads one framed message from r. It returns an error for I/O
// failures, an oversized length prefix, or a body that isn't a JSON object
// carrying a "type" field — all of which are, per the connection lifecycle
// rules, fatal to the connection.
func ReadMessage(r io.Reader) (*Message, error) {
	body, err := frame.Read(r)
	if err != nil {
		return nil, err
	}

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(err, "wire: invalid JSON")
	}
	if m.Type == "" {
		return nil, ErrMissingType
	}

	return &m, nil
}
