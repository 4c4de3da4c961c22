// Package audio owns the device's one microphone and one speaker:
// exclusive capture handles, one-shot and continuous playback over
// PortAudio, and the DSP chain (dsp.go) applied to inbound speech before it
// reaches the speaker.
package audio

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Capture is an open microphone input stream, read one fixed-size block at
// a time.
type Capture struct {
	stream      *portaudio.Stream
	buf         []int16
	sampleRate  int
	channels    int
	blockFrames int
}

// Transient "device busy" handling: a USB audio device released by another
// stream can take a moment to become openable again.
const (
	busyRetries    = 3
	busyRetryDelay = 500 * time.Millisecond
)

// OpenCapture opens the input device at deviceIndex (-1 prefers a "USB
// Audio Device", then the host default) at sampleRate/channels, reading
// blockFrames samples per Read call, retrying a busy device up to
// busyRetries times.
func OpenCapture(deviceIndex, sampleRate, channels, blockFrames int) (*Capture, error) {
	var lastErr error
	for attempt := 0; attempt < busyRetries; attempt++ {
		c, err := openCaptureOnce(deviceIndex, sampleRate, channels, blockFrames)
		if err == nil {
			return c, nil
		}
		lastErr = err
		log.Printf("audio: open capture failed (attempt %d/%d): %v", attempt+1, busyRetries, err)
		time.Sleep(busyRetryDelay)
	}
	return nil, lastErr
}

func openCaptureOnce(deviceIndex, sampleRate, channels, blockFrames int) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}
	dev, err := inputDevice(deviceIndex)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	c := &Capture{
		buf:         make([]int16, blockFrames*channels),
		sampleRate:  sampleRate,
		channels:    channels,
		blockFrames: blockFrames,
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: blockFrames,
	}
	stream, err := portaudio.OpenStream(params, c.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: start capture stream: %w", err)
	}
	c.stream = stream
	return c, nil
}

// Read blocks until one block of blockFrames*channels int16 samples is
// available and returns a copy of it.
func (c *Capture) Read() ([]int16, error) {
	if err := c.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: capture read: %w", err)
	}
	out := make([]int16, len(c.buf))
	copy(out, c.buf)
	return out, nil
}

// Close stops and releases the capture stream.
func (c *Capture) Close() error {
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	portaudio.Terminate()
	return err
}

// inputDevice resolves an input device. deviceIndex < 0 prefers an
// enumerated device whose name contains "USB Audio Device", then the host
// default. A deviceIndex >= 0 is looked up positionally among
// input-capable devices.
func inputDevice(deviceIndex int) (*portaudio.DeviceInfo, error) {
	if deviceIndex < 0 {
		if devs, err := portaudio.Devices(); err == nil {
			for _, d := range devs {
				if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), "usb audio device") {
					return d, nil
				}
			}
		}
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("audio: no default input device: %w", err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	n := -1
	for _, d := range devs {
		if d.MaxInputChannels <= 0 {
			continue
		}
		n++
		if n == deviceIndex {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio: no input device at index %d", deviceIndex)
}

// FindDeviceByName returns the portaudio device index whose name contains
// substr (case-insensitive), used to auto-detect a "USB Audio Device"
// output.
func FindDeviceByName(substr string) (int, error) {
	if err := portaudio.Initialize(); err != nil {
		return -1, fmt.Errorf("audio: portaudio init: %w", err)
	}
	defer portaudio.Terminate()
	devs, err := portaudio.Devices()
	if err != nil {
		return -1, fmt.Errorf("audio: list devices: %w", err)
	}
	substr = strings.ToLower(substr)
	for i, d := range devs {
		if strings.Contains(strings.ToLower(d.Name), substr) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("audio: no device matching %q", substr)
}

// OpenOutputWithRetry resolves an output device by name, retrying up to
// attempts times with delay between attempts for a device transiently held
// by another process.
func OpenOutputWithRetry(name string, attempts int, delay time.Duration) (int, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		idx, err := FindDeviceByName(name)
		if err == nil {
			return idx, nil
		}
		lastErr = err
		log.Printf("audio: output device %q not ready (attempt %d/%d): %v", name, i+1, attempts, err)
		time.Sleep(delay)
	}
	return -1, lastErr
}
