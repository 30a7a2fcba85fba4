package comm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{kind: frameGather, seq: 42, payload: []byte("partial")}))
	require.NoError(t, writeFrame(&buf, frame{kind: frameGatherAck, seq: 42}))
	assert.Equal(t, 2*frameHeaderSize+len("partial"), buf.Len())

	payload, err := expect(&buf, frameGather, 42)
	require.NoError(t, err)
	assert.Equal(t, []byte("partial"), payload)

	payload, err = expect(&buf, frameGatherAck, 42)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestExpect_RejectsUnexpectedFrames(t *testing.T) {
	t.Run("wrong kind", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, frame{kind: frameHello}))
		_, err := expect(&buf, frameGather, 0)
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Contains(t, err.Error(), "expected gather frame, got hello")
	})

	t.Run("wrong sequence", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, frame{kind: frameGather, seq: 3}))
		_, err := expect(&buf, frameGather, 4)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("bad magic", func(t *testing.T) {
		raw := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint32(raw[0:4], 0xdeadbeef)
		_, err := readFrame(bytes.NewReader(raw))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, frame{kind: frameGather, seq: 1, payload: []byte("abcdef")}))
		truncated := buf.Bytes()[:buf.Len()-2]
		_, err := readFrame(bytes.NewReader(truncated))
		assert.Error(t, err)
	})
}
