// Package reassembly rebuilds server-pushed chunked audio streams keyed by
// serverStreamId, finalizing complete streams to playback and sweeping
// stale partial streams on a timeout.
package reassembly

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/blindhelper/rcc-device/audio"
	"github.com/blindhelper/rcc-device/wire"
)

// streamTimeout is how long a partial stream may sit without a new chunk
// before the sweep logs it as incomplete and finalizes it with whatever
// chunks arrived.
const streamTimeout = 15 * time.Second

const sweepInterval = time.Second

type partial struct {
	chunks     map[int][]byte
	total      int
	lastSeenAt time.Time
}

// Aggregator reassembles chunked audio streams and hands complete ones to
// a playback stream.
type Aggregator struct {
	pb         *audio.PlaybackStream
	sampleRate int
	channels   int
	debugWAV   bool
	debugDir   string

	mu      sync.Mutex
	streams map[string]*partial

	stop chan struct{}
	done chan struct{}
}

// New constructs an Aggregator delivering reassembled PCM to pb.
func New(pb *audio.PlaybackStream, sampleRate, channels int, debugWAV bool, debugDir string) *Aggregator {
	a := &Aggregator{
		pb:         pb,
		sampleRate: sampleRate,
		channels:   channels,
		debugWAV:   debugWAV,
		debugDir:   debugDir,
		streams:    make(map[string]*partial),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// HandleChunk ingests one server-pushed audio chunk, finalizing the stream
// once every chunk has arrived or the chunk marked IsLast shows up first.
func (a *Aggregator) HandleChunk(c wire.AudioChunk) {
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		log.Printf("reassembly: bad base64 in stream %s chunk %d: %v", c.ServerStreamID, c.ChunkIndex, err)
		return
	}

	a.mu.Lock()
	p, ok := a.streams[c.ServerStreamID]
	if !ok {
		p = &partial{chunks: make(map[int][]byte), total: c.TotalChunks}
		a.streams[c.ServerStreamID] = p
	}
	p.chunks[c.ChunkIndex] = data
	p.lastSeenAt = time.Now()
	// IsLast ends the stream regardless of whether every chunk arrived —
	// a lossy stream is finalized with whatever chunks showed up, never
	// held open waiting for an index that's never coming.
	complete := c.IsLast || len(p.chunks) == p.total
	if complete {
		delete(a.streams, c.ServerStreamID)
	}
	a.mu.Unlock()

	if complete {
		a.finalize(c.ServerStreamID, p)
	}
}

// finalize concatenates whatever chunks arrived, in order, skipping and
// logging any that are missing rather than discarding the whole stream.
func (a *Aggregator) finalize(streamID string, p *partial) {
	var raw []byte
	missing := 0
	for i := 0; i < p.total; i++ {
		chunk, ok := p.chunks[i]
		if !ok {
			missing++
			continue
		}
		raw = append(raw, chunk...)
	}
	if missing > 0 {
		log.Printf("reassembly: stream %s finalized with %d/%d chunks missing, playing what arrived", streamID, missing, p.total)
	}
	if len(raw) == 0 {
		return
	}

	if a.debugWAV {
		a.writeDebugWAV(streamID, raw)
	}

	samples := bytesToInt16(raw)
	if a.pb != nil {
		a.pb.Enqueue(samples, a.sampleRate, a.channels)
	}
}

// writeDebugWAV wraps the reassembled PCM in a minimal RIFF header so the
// dump opens directly in any audio tool.
func (a *Aggregator) writeDebugWAV(streamID string, raw []byte) {
	path := fmt.Sprintf("%s/%s.wav", a.debugDir, streamID)

	var hdr bytes.Buffer
	byteRate := a.sampleRate * a.channels * 2
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+len(raw)))
	hdr.WriteString("WAVEfmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))
	binary.Write(&hdr, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&hdr, binary.LittleEndian, uint16(a.channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(a.sampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))
	binary.Write(&hdr, binary.LittleEndian, uint16(a.channels*2))
	binary.Write(&hdr, binary.LittleEndian, uint16(16))
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(len(raw)))

	if err := os.WriteFile(path, append(hdr.Bytes(), raw...), 0o644); err != nil {
		log.Printf("reassembly: debug dump failed for %s: %v", streamID, err)
	}
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

func (a *Aggregator) sweepLoop() {
	defer close(a.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

type staleStream struct {
	id string
	p  *partial
}

// sweep drops streams that have gone quiet past streamTimeout, finalizing
// each with whatever chunks arrived instead of discarding them outright.
func (a *Aggregator) sweep() {
	now := time.Now()
	var stale []staleStream
	a.mu.Lock()
	for id, p := range a.streams {
		if now.Sub(p.lastSeenAt) >= streamTimeout {
			stale = append(stale, staleStream{id, p})
			delete(a.streams, id)
		}
	}
	a.mu.Unlock()

	for _, s := range stale {
		log.Printf("reassembly: stream %s timed out with %d/%d chunks, finalizing what arrived", s.id, len(s.p.chunks), s.p.total)
		a.finalize(s.id, s.p)
	}
}

// Close stops the sweep goroutine.
func (a *Aggregator) Close() error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
	return nil
}
