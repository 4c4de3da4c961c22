package reassembly

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blindhelper/rcc-device/wire"
)

func chunkPayload(streamID string, idx, total int, data []byte, last bool) wire.AudioChunk {
	return wire.AudioChunk{
		ServerStreamID: streamID,
		ChunkIndex:     idx,
		TotalChunks:    total,
		IsLast:         last,
		Format:         "pcm16",
		SampleRate:     16000,
		Data:           base64.StdEncoding.EncodeToString(data),
	}
}

func TestHandleChunkFinalizesOnLastChunk(t *testing.T) {
	a := New(nil, 16000, 1, false, t.TempDir())

	a.HandleChunk(chunkPayload("s1", 0, 2, []byte{1, 2, 3, 4}, false))
	a.HandleChunk(chunkPayload("s1", 1, 2, []byte{5, 6}, true))

	a.mu.Lock()
	_, stillPending := a.streams["s1"]
	a.mu.Unlock()
	assert.False(t, stillPending)
}

func TestHandleChunkOutOfOrderStillReassembles(t *testing.T) {
	a := New(nil, 16000, 1, false, t.TempDir())

	a.HandleChunk(chunkPayload("s2", 1, 3, []byte{3, 4}, false))
	a.HandleChunk(chunkPayload("s2", 0, 3, []byte{1, 2}, false))
	a.HandleChunk(chunkPayload("s2", 2, 3, []byte{5, 6}, true))

	a.mu.Lock()
	_, pending := a.streams["s2"]
	a.mu.Unlock()
	assert.False(t, pending)
}

func TestSweepDropsStaleStream(t *testing.T) {
	a := New(nil, 16000, 1, false, t.TempDir())
	a.HandleChunk(chunkPayload("s3", 0, 3, []byte{1}, false))

	a.mu.Lock()
	a.streams["s3"].lastSeenAt = time.Now().Add(-streamTimeout - time.Second)
	a.mu.Unlock()

	a.sweep()

	a.mu.Lock()
	_, pending := a.streams["s3"]
	a.mu.Unlock()
	assert.False(t, pending)
}

func TestHandleChunkBadBase64Ignored(t *testing.T) {
	a := New(nil, 16000, 1, false, t.TempDir())
	bad := wire.AudioChunk{ServerStreamID: "s4", ChunkIndex: 0, TotalChunks: 1, IsLast: true, Data: "!!!not-base64"}
	a.HandleChunk(bad)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, pending := a.streams["s4"]
	assert.False(t, pending)
}

func TestBytesToInt16RoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x00, 0xFF, 0xFF}
	samples := bytesToInt16(raw)
	require.Len(t, samples, 2)
	assert.Equal(t, int16(1), samples[0])
	assert.Equal(t, int16(-1), samples[1])
}
