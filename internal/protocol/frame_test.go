package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"id":"1","type":"ping"}`)
	wire := Encode(OpText, payload)

	c := NewCodec(0)
	c.Feed(wire)
	frames, err := c.Decode()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, OpText, frames[0].Opcode)
	require.Equal(t, payload, frames[0].Payload)
}

func TestMaskedFrameIsUnmasked(t *testing.T) {
	payload := []byte("hello")
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	masked := make([]byte, len(payload))
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	wire := []byte{0x80 | byte(OpBinary), 0x80 | byte(len(payload))}
	wire = append(wire, mask[:]...)
	wire = append(wire, masked...)

	c := NewCodec(0)
	c.Feed(wire)
	frames, err := c.Decode()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, payload, frames[0].Payload)
}

func TestLazyMultiFrameDecodeLeavesTrailingPartial(t *testing.T) {
	full := Encode(OpText, []byte("one"))
	partial := Encode(OpText, []byte("two"))[:3]

	c := NewCodec(0)
	c.Feed(full)
	c.Feed(partial)
	frames, err := c.Decode()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, []byte("one"), frames[0].Payload)
	require.Equal(t, 3, len(c.buf))
}

func TestHighBits64LenRejected(t *testing.T) {
	header := []byte{0x80 | byte(OpBinary), 127}
	lenBytes := make([]byte, 8)
	binary.BigEndian.PutUint32(lenBytes[0:4], 1) // high half non-zero
	binary.BigEndian.PutUint32(lenBytes[4:8], 0)
	wire := append(header, lenBytes...)

	c := NewCodec(0)
	c.Feed(wire)
	frames, err := c.Decode()
	require.ErrorIs(t, err, ErrProtocol)
	require.Empty(t, frames)
}

func TestOversizedPayloadRejectedWithoutAllocating(t *testing.T) {
	header := []byte{0x80 | byte(OpBinary), 127}
	lenBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBytes, DefaultMaxPayload+1)
	wire := append(header, lenBytes...)

	c := NewCodec(0)
	c.Feed(wire)
	frames, err := c.Decode()
	require.ErrorIs(t, err, ErrProtocol)
	require.Empty(t, frames)
}

func TestFragmentedFrameRejected(t *testing.T) {
	wire := []byte{byte(OpText), 0x03, 'a', 'b', 'c'} // fin bit not set
	c := NewCodec(0)
	c.Feed(wire)
	_, err := c.Decode()
	require.ErrorIs(t, err, ErrProtocol)
}

func TestIncompleteHeaderIsNotConsumed(t *testing.T) {
	c := NewCodec(0)
	c.Feed([]byte{0x80 | byte(OpText)})
	frames, err := c.Decode()
	require.NoError(t, err)
	require.Empty(t, frames)
}

func FuzzDecode(f *testing.F) {
	f.Add(Encode(OpText, []byte("seed")))
	f.Add([]byte{0x80, 0x7E, 0x00, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		c := NewCodec(0)
		c.Feed(data)
		// Must never panic, regardless of adversarial input.
		_, _ = c.Decode()
	})
}
