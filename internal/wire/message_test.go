package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	cases := []*Message{
		NewHandshake("Peer-abc123"),
		NewHave([]string{"movie.mp4_0", "movie.mp4_1"}),
		NewRequestBlock("movie.mp4_2"),
		NewBlockData("movie.mp4_2", []byte("some bytes")),
		NewChoke(),
		NewUnchoke(),
	}

	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, m))

		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestReadMessage_RejectsMissingType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{Type: "have"}))

	raw := buf.Bytes()
	// Overwrite the body with a JSON object lacking "type".
	var buf2 bytes.Buffer
	buf2.Write(raw[:4])
	buf2.WriteString(`{"blocks":[]}`)
	// fix up the length prefix for the replacement body
	body := []byte(`{"blocks":[]}`)
	buf2.Reset()
	buf2.Write(lengthPrefix(len(body)))
	buf2.Write(body)

	_, err := ReadMessage(&buf2)
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestReadMessage_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(lengthPrefix(MaxMessageSize + 1))

	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeBlockData(t *testing.T) {
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	m := NewBlockData("f_0", want)

	got, err := m.DecodeBlockData()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func lengthPrefix(n int) []byte {
	b := make([]byte, 4)
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
	return b
}
