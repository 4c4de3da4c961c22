package vap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blindhelper/rcc-device/wire"
)

func loudBlock(n int) []int16 {
	b := make([]int16, n)
	for i := range b {
		if i%2 == 0 {
			b[i] = 20000
		} else {
			b[i] = -20000
		}
	}
	return b
}

func quietBlock(n int) []int16 {
	return make([]int16, n)
}

func TestProcessEmitsUtteranceAfterSilence(t *testing.T) {
	var mu sync.Mutex
	var chunks []wire.STTChunk

	cfg := Config{
		Topic:             "device/dev-1/stt",
		DeviceID:          "dev-1",
		SampleRate:        16000,
		SilenceThreshold:  0.1,
		SilenceDuration:   10 * time.Millisecond,
		MinSpeechDuration: 0,
	}
	p := &Pipeline{cfg: cfg, st: listening, publish: func(topic string, payload interface{}, qos int, retain bool) error {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, payload.(wire.STTChunk))
		return nil
	}}

	p.process(loudBlock(320))
	time.Sleep(15 * time.Millisecond)
	p.process(quietBlock(320))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].IsLast)
	assert.Equal(t, "dev-1", chunks[0].DeviceID)
}

func TestProcessDropsUtteranceShorterThanMinSpeechDuration(t *testing.T) {
	var published bool
	cfg := Config{
		SilenceThreshold:  0.1,
		SilenceDuration:   5 * time.Millisecond,
		MinSpeechDuration: time.Hour, // impossible to satisfy
	}
	p := &Pipeline{cfg: cfg, st: listening, publish: func(topic string, payload interface{}, qos int, retain bool) error {
		published = true
		return nil
	}}

	p.process(loudBlock(320))
	time.Sleep(10 * time.Millisecond)
	p.process(quietBlock(320))

	assert.False(t, published)
}

func TestPauseAndResumeTogglePausedFlag(t *testing.T) {
	published := false
	cfg := Config{SilenceThreshold: 0.1, SilenceDuration: time.Millisecond}
	p := &Pipeline{cfg: cfg, st: listening, publish: func(topic string, payload interface{}, qos int, retain bool) error {
		published = true
		return nil
	}}
	p.Pause()
	assert.Equal(t, int32(1), p.paused)
	p.Resume()
	assert.Equal(t, int32(0), p.paused)
	_ = published
}

func TestChunkEnvelopeCoversEveryByteExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	var chunks []wire.STTChunk
	cfg := Config{
		SilenceThreshold:  0.1,
		SilenceDuration:   5 * time.Millisecond,
		MinSpeechDuration: 0,
		SampleRate:        16000,
	}
	p := &Pipeline{cfg: cfg, st: listening, publish: func(topic string, payload interface{}, qos int, retain bool) error {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, payload.(wire.STTChunk))
		return nil
	}}

	// A long utterance spans several 8KiB chunks.
	p.process(loudBlock(20000))
	time.Sleep(10 * time.Millisecond)
	p.process(quietBlock(320))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, len(chunks), c.TotalChunks)
	}
	assert.True(t, chunks[len(chunks)-1].IsLast)
}
