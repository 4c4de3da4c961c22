// Package vap is the voice activity pipeline: an RMS-based endpointing
// state machine that turns continuous microphone capture into discrete
// utterances, chunked and published on the STT topic. Pause/Resume hand
// the microphone to the call coordinator for the duration of a WebRTC
// call.
package vap

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blindhelper/rcc-device/audio"
	"github.com/blindhelper/rcc-device/wire"
)

type state int

const (
	listening state = iota
	speaking
)

// chunkBytes is the fixed outbound chunk size.
const chunkBytes = 8 * 1024

// Publisher sends a chunk on the STT topic.
type Publisher func(topic string, payload interface{}, qos int, retain bool) error

// Config tunes the endpointing thresholds. MicIndex/Channels/BlockFrames
// are the audio.OpenCapture parameters the Pipeline needs to reopen its own
// capture handle on Resume.
type Config struct {
	Topic             string
	DeviceID          string
	MicIndex          int
	Channels          int
	BlockFrames       int
	SampleRate        int
	SilenceThreshold  float32
	SilenceDuration   time.Duration
	MinSpeechDuration time.Duration
}

// Pipeline runs the capture→endpoint→chunk→publish loop on its own
// goroutine, started by Run and stopped by Stop. Pause/Resume close and
// reopen the capture handle rather than merely gating the loop, so the
// microphone device is never held by both the Pipeline and an active call's
// webrtcpeer.Peer at once.
type Pipeline struct {
	cfg     Config
	publish Publisher

	paused int32 // atomic bool

	mu          sync.Mutex
	cap         *audio.Capture // nil while paused or not yet started
	st          state
	utterance   []int16
	speechStart time.Time
	lastVoiceAt time.Time

	stop chan struct{}
	done chan struct{}
}

// New constructs a Pipeline. Run opens the capture handle.
func New(cfg Config, publish Publisher) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		publish: publish,
		st:      listening,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run opens the microphone and drives the capture loop until Stop is called.
func (p *Pipeline) Run() error {
	cap, err := audio.OpenCapture(p.cfg.MicIndex, p.cfg.SampleRate, p.cfg.Channels, p.cfg.BlockFrames)
	if err != nil {
		return fmt.Errorf("vap: open microphone: %w", err)
	}
	p.mu.Lock()
	p.cap = cap
	p.mu.Unlock()
	go p.loop()
	return nil
}

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		cap := p.cap
		p.mu.Unlock()
		if cap == nil {
			// Paused (or Resume hasn't reopened the device yet): wait
			// rather than spin.
			select {
			case <-p.stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		block, err := cap.Read()
		if err != nil {
			if atomic.LoadInt32(&p.paused) == 1 {
				// Pause closed the stream out from under us; expected.
				continue
			}
			log.Printf("vap: capture read failed: %v", err)
			return
		}
		if atomic.LoadInt32(&p.paused) == 1 {
			continue
		}
		p.process(block)
	}
}

// process runs one block of int16 PCM through the endpointing state
// machine.
func (p *Pipeline) process(block []int16) {
	f := audio.FromInt16(block)
	rms := audio.RMS(f)
	now := time.Now()

	p.mu.Lock()
	switch p.st {
	case listening:
		if rms > p.cfg.SilenceThreshold {
			p.st = speaking
			p.speechStart = now
			p.lastVoiceAt = now
			p.utterance = append(p.utterance[:0], block...)
		}
	case speaking:
		p.utterance = append(p.utterance, block...)
		if rms > p.cfg.SilenceThreshold {
			p.lastVoiceAt = now
		}
		if now.Sub(p.lastVoiceAt) >= p.cfg.SilenceDuration {
			speechDur := now.Sub(p.speechStart)
			utter := append([]int16(nil), p.utterance...)
			p.st = listening
			p.utterance = nil
			p.mu.Unlock()

			if speechDur >= p.cfg.MinSpeechDuration {
				p.publishUtterance(utter)
			}
			return
		}
	}
	p.mu.Unlock()
}

// publishUtterance slices utter into chunkBytes-sized frames and publishes
// each on the STT topic with the streamId/chunkIndex/totalChunks/isLast
// envelope.
func (p *Pipeline) publishUtterance(utter []int16) {
	raw := int16ToBytes(utter)
	total := (len(raw) + chunkBytes - 1) / chunkBytes
	if total == 0 {
		return
	}
	ts := time.Now().UnixMilli()
	streamID := fmt.Sprintf("voice_%d", ts)

	for i := 0; i < total; i++ {
		start := i * chunkBytes
		end := start + chunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		chunk := wire.STTChunk{
			DeviceID:    p.cfg.DeviceID,
			StreamID:    streamID,
			ChunkIndex:  i,
			TotalChunks: total,
			IsLast:      i == total-1,
			Timestamp:   ts,
			Format:      "pcm16le",
			SampleRate:  p.cfg.SampleRate,
			Data:        base64.StdEncoding.EncodeToString(raw[start:end]),
		}
		if err := p.publish(p.cfg.Topic, chunk, 1, false); err != nil {
			log.Printf("vap: publish chunk %d/%d for %s failed: %v", i+1, total, streamID, err)
		}
	}
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Pause tears down the capture handle and hands the microphone to an
// active WebRTC call. It is safe to call even if Run was never started.
func (p *Pipeline) Pause() {
	atomic.StoreInt32(&p.paused, 1)
	p.mu.Lock()
	cap := p.cap
	p.cap = nil
	p.st = listening
	p.utterance = nil
	p.mu.Unlock()

	if cap != nil {
		if err := cap.Close(); err != nil {
			log.Printf("vap: close capture on pause: %v", err)
		}
	}
}

// Resume reopens the capture handle and re-enables endpointing after a call
// ends.
func (p *Pipeline) Resume() {
	atomic.StoreInt32(&p.paused, 0)
	cap, err := audio.OpenCapture(p.cfg.MicIndex, p.cfg.SampleRate, p.cfg.Channels, p.cfg.BlockFrames)
	if err != nil {
		log.Printf("vap: reopen capture on resume failed: %v", err)
		return
	}
	p.mu.Lock()
	p.cap = cap
	p.mu.Unlock()
}

// Stop ends the capture loop, joining with a 2s bound, and releases the
// capture handle.
func (p *Pipeline) Stop() error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		log.Printf("vap: stop timed out waiting for capture loop")
	}

	p.mu.Lock()
	cap := p.cap
	p.cap = nil
	p.mu.Unlock()
	if cap != nil {
		if err := cap.Close(); err != nil {
			log.Printf("vap: close capture on stop: %v", err)
		}
	}
	return nil
}

// Close implements registry.Closer.
func (p *Pipeline) Close() error { return p.Stop() }
