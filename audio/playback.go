package audio

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// maxQueuedFrames bounds the playback queue; once full, PlaybackStream drops
// the oldest queued frame to keep latency bounded.
const maxQueuedFrames = 64

// PlaybackStream is a continuously-running output stream fed by Enqueue: a
// pull-based PortAudio callback drains a queue instead of blocking on a
// push per frame, so any component may enqueue without owning the device.
type PlaybackStream struct {
	deviceIndex int
	sampleRate  int
	channels    int
	blockFrames int

	stream *portaudio.Stream
	mu     sync.Mutex
	queue  [][]int16
}

// NewPlaybackStream constructs an unopened stream.
func NewPlaybackStream(deviceIndex, sampleRate, channels, blockFrames int) *PlaybackStream {
	return &PlaybackStream{
		deviceIndex: deviceIndex,
		sampleRate:  sampleRate,
		channels:    channels,
		blockFrames: blockFrames,
	}
}

// Start opens and starts the output device.
func (p *PlaybackStream) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}
	dev, err := outputDevice(p.deviceIndex)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: p.channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(p.sampleRate),
		FramesPerBuffer: p.blockFrames,
	}
	stream, err := portaudio.OpenStream(params, p.pull)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("audio: start playback stream: %w", err)
	}
	p.stream = stream
	return nil
}

// outputDevice resolves an output device. deviceIndex < 0 prefers an
// enumerated device whose name contains "USB Audio Device", then the host
// default, the same lookup inputDevice applies on the capture side.
func outputDevice(deviceIndex int) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	if deviceIndex < 0 {
		for _, d := range devs {
			if d.MaxOutputChannels > 0 && strings.Contains(strings.ToLower(d.Name), "usb audio device") {
				return d, nil
			}
		}
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("audio: no default output device: %w", err)
		}
		return dev, nil
	}
	if deviceIndex >= len(devs) {
		return nil, fmt.Errorf("audio: invalid output device index %d", deviceIndex)
	}
	return devs[deviceIndex], nil
}

// pull is the PortAudio callback: it concatenates as many queued frames as
// needed to fill out, pushing any unused tail of a frame back onto the
// front of the queue, and pads with silence only once the queue is
// genuinely empty — an underrun pads with zeros, never with a stale or
// partial frame.
func (p *PlaybackStream) pull(out []int16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(out) && len(p.queue) > 0 {
		frame := p.queue[0]
		copied := copy(out[n:], frame)
		n += copied
		if copied < len(frame) {
			p.queue[0] = frame[copied:]
		} else {
			p.queue = p.queue[1:]
		}
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

// Enqueue submits one block of interleaved PCM for playback, resampling and
// remixing to the stream's configured rate/channels if needed. On a full
// queue the oldest frame is dropped; latency stays bounded.
func (p *PlaybackStream) Enqueue(samples []int16, srcRate, srcChannels int) {
	f := FromInt16(samples)
	f = Resample(f, srcRate, p.sampleRate)
	f = Remix(f, srcChannels, p.channels)
	frame := ToInt16(f)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= maxQueuedFrames {
		log.Printf("audio: playback queue full, dropping oldest frame")
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, frame)
}

// Stop closes the output stream.
func (p *PlaybackStream) Stop() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	portaudio.Terminate()
	return err
}

// Close implements registry.Closer.
func (p *PlaybackStream) Close() error { return p.Stop() }

// PlayFile plays a raw headerless little-endian int16 PCM file in one shot
// at deviceIndex, for pre-rendered prompts (warning tones, SOS
// confirmation).
func PlayFile(path string, deviceIndex, sampleRate, channels int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("audio: read %s: %w", path, err)
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return PlayPCM(samples, deviceIndex, sampleRate, channels)
}

// PlayPCM plays a full block of int16 PCM synchronously via a short-lived
// stream, for one-shot prompts rather than the continuous call-path stream.
func PlayPCM(samples []int16, deviceIndex, sampleRate, channels int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	dev, err := outputDevice(deviceIndex)
	if err != nil {
		return err
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: len(samples) / channels,
	}
	stream, err := portaudio.OpenStream(params, samples)
	if err != nil {
		return fmt.Errorf("audio: open one-shot stream: %w", err)
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		return fmt.Errorf("audio: start one-shot stream: %w", err)
	}
	if err := stream.Write(); err != nil {
		return fmt.Errorf("audio: write one-shot stream: %w", err)
	}
	return stream.Stop()
}
