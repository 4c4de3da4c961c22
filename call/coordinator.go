// Package call mediates exclusive microphone ownership between the voice
// activity pipeline and an active WebRTC call, driving the
// idle/negotiating/active/tearing-down call state machine. It is the only
// component allowed to decide who holds the mic.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/blindhelper/rcc-device/webrtcpeer"
	"github.com/blindhelper/rcc-device/wire"
)

// State is the coordinator's call state.
type State int

const (
	Idle State = iota
	Negotiating
	Active
	TearingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Active:
		return "active"
	case TearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

// micGrace is how long the coordinator waits after pausing VAP before
// initializing the peer, giving the capture handle time to actually
// release the device.
const micGrace = 500 * time.Millisecond

// VAPController is the narrow interface the coordinator needs from the
// Voice Activity Pipeline to hand off mic ownership.
type VAPController interface {
	Pause()
	Resume()
}

// PeerFactory builds a fresh Peer for a new call. A new Peer is created
// per call rather than reused.
type PeerFactory func() *webrtcpeer.Peer

// Coordinator owns the call state machine. All state transitions run on
// its single worker goroutine.
type Coordinator struct {
	vap     VAPController
	newPeer PeerFactory

	work chan func()

	mu      sync.Mutex
	state   State
	peer    *webrtcpeer.Peer
	pending []wire.CandidatePayload
}

// New returns an idle Coordinator.
func New(vap VAPController, newPeer PeerFactory) *Coordinator {
	c := &Coordinator{
		vap:     vap,
		newPeer: newPeer,
		work:    make(chan func(), 16),
		state:   Idle,
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	for fn := range c.work {
		fn()
	}
}

func (c *Coordinator) submit(fn func()) {
	c.work <- fn
}

// State returns the current call state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleOffer begins a call in response to a remote offer (the operator or
// app calling the device). If a call is already active or negotiating, the
// offer is logged and dropped; the device carries one call at a time.
func (c *Coordinator) HandleOffer(ctx context.Context, offer wire.OfferPayload) {
	c.submit(func() { c.beginCall(ctx, func(p *webrtcpeer.Peer) error { return p.HandleOffer(offer) }) })
}

// HandleAnswer forwards a remote answer to the active peer.
func (c *Coordinator) HandleAnswer(answer wire.AnswerPayload) {
	c.submit(func() {
		c.mu.Lock()
		p := c.peer
		c.mu.Unlock()
		if p == nil {
			log.Printf("call: answer received with no active peer")
			return
		}
		if err := p.HandleAnswer(answer); err != nil {
			log.Printf("call: apply answer failed: %v", err)
		}
	})
}

// HandleCandidate forwards a remote ICE candidate to the active peer. A
// candidate that beats its offer through the router's worker pool (no peer
// yet) is held and replayed in arrival order once the peer exists, never
// dropped.
func (c *Coordinator) HandleCandidate(cand wire.CandidatePayload) {
	c.submit(func() {
		c.mu.Lock()
		p := c.peer
		if p == nil {
			c.pending = append(c.pending, cand)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := p.HandleCandidate(cand); err != nil {
			log.Printf("call: apply candidate failed: %v", err)
		}
	})
}

// InitiateSOS starts a device-initiated emergency call, placing an offer
// rather than waiting for one.
func (c *Coordinator) InitiateSOS(ctx context.Context) {
	c.submit(func() {
		c.beginCall(ctx, func(p *webrtcpeer.Peer) error { return p.CreateOffer(true) })
	})
}

// beginCall pauses VAP, waits out the mic grace period, opens a fresh
// peer, and runs onReady (either "apply this remote offer" or "create an
// offer"). Runs on the coordinator's worker goroutine only.
func (c *Coordinator) beginCall(ctx context.Context, onReady func(*webrtcpeer.Peer) error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		log.Printf("call: ignoring new call while state is %s", c.state)
		return
	}
	c.state = Negotiating
	c.mu.Unlock()

	c.vap.Pause()
	time.Sleep(micGrace)

	peer := c.newPeer()
	peer.Start()
	if err := peer.Initialize(ctx); err != nil {
		log.Printf("call: peer init failed: %v", err)
		c.endCall()
		return
	}
	if err := onReady(peer); err != nil {
		log.Printf("call: negotiation failed: %v", err)
		peer.Close()
		c.endCall()
		return
	}

	c.mu.Lock()
	c.peer = peer
	c.state = Active
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := peer.HandleCandidate(cand); err != nil {
			log.Printf("call: apply held candidate failed: %v", err)
		}
	}
}

// HangUp tears down the active call, if any, and resumes VAP.
func (c *Coordinator) HangUp() {
	c.submit(func() {
		c.mu.Lock()
		p := c.peer
		if c.state == Idle {
			c.mu.Unlock()
			return
		}
		c.state = TearingDown
		c.mu.Unlock()

		if p != nil {
			if err := p.Close(); err != nil {
				log.Printf("call: peer close error: %v", err)
			}
		}
		c.endCall()
	})
}

func (c *Coordinator) endCall() {
	c.mu.Lock()
	c.peer = nil
	c.pending = nil
	c.state = Idle
	c.mu.Unlock()
	c.vap.Resume()
}

// Close stops the coordinator's worker goroutine. Any active call should
// be hung up first.
func (c *Coordinator) Close() error {
	close(c.work)
	return nil
}
