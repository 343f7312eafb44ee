package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, a *Assembler, chunks [][]byte) []byte {
	t.Helper()
	for i, c := range chunks {
		packet, err := a.Feed(c)
		require.NoError(t, err, "chunk %d", i)
		if packet != nil {
			require.Equal(t, len(chunks)-1, i, "packet completed early")
			return packet
		}
	}
	t.Fatal("packet never completed")
	return nil
}

func TestRoundTrip(t *testing.T) {
	var a Assembler
	for _, n := range []int{0, 1, 17, 18, 19, 36, 100, 255, 1024, 4096} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		chunks, err := Split(payload, DefaultMTU)
		require.NoError(t, err, "length %d", n)

		if n == 0 {
			packet, err := a.Feed(chunks[0])
			require.NoError(t, err)
			assert.NotNil(t, packet)
			assert.Empty(t, packet)
			continue
		}
		packet := feedAll(t, &a, chunks)
		assert.True(t, bytes.Equal(payload, packet), "length %d", n)
	}
}

func TestSplitShape(t *testing.T) {
	chunks, err := Split([]byte{0xAA, 0xBB, 0xCC}, DefaultMTU)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte{0x00, 0x01}, chunks[0])
	assert.Equal(t, []byte{0x01, 0x00, 0xAA, 0xBB, 0xCC}, chunks[1])
}

func TestSplitBounds(t *testing.T) {
	_, err := Split(make([]byte, MaxPacketSize+1), DefaultMTU)
	assert.ErrorIs(t, err, ErrTooLarge)

	// 4 usable bytes per chunk cannot describe 2000 bytes in 255 chunks.
	_, err = Split(make([]byte, 2000), 6)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Split([]byte{0x01}, 2)
	assert.Error(t, err)
}

func TestSequenceGap(t *testing.T) {
	payload := make([]byte, 60)
	chunks, err := Split(payload, DefaultMTU)
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	var a Assembler
	_, err = a.Feed(chunks[0])
	require.NoError(t, err)
	_, err = a.Feed(chunks[1])
	require.NoError(t, err)

	// Skip chunk 2.
	_, err = a.Feed(chunks[3])
	assert.ErrorIs(t, err, ErrGap)
	assert.False(t, a.Pending(), "assembler kept partial state after gap")
}

func TestDataBeforeHeader(t *testing.T) {
	var a Assembler
	_, err := a.Feed([]byte{0x01, 0x00, 0xDE, 0xAD})
	assert.ErrorIs(t, err, ErrGap)
}

func TestRuntChunk(t *testing.T) {
	var a Assembler
	_, err := a.Feed([]byte{0x01})
	assert.ErrorIs(t, err, ErrGap)
}
