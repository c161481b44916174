package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Type: RequestOwnership, ID: 1, Payload: 3},
		{Type: SetNewValue, ID: 0xdeadbeef, Payload: 4096},
		{Type: BarrierUnblock, ID: 7},
	}
	for _, h := range cases {
		buf := Encode(h)
		require.Len(t, buf, HeaderSize)
		got, err := Decode(buf)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestWriteReadHeader(t *testing.T) {
	var buf bytes.Buffer
	h := NewValueHeader(42, 128)
	require.NoError(t, WriteHeader(&buf, h))

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.Equal(t, 128, got.SizePayload())
}

func TestReadHeaderShortRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})
	_, err := ReadHeader(&buf)
	require.Error(t, err)
}
