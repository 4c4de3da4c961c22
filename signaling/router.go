// Package signaling dispatches inbound broker messages by topic to the
// device's subsystems, on a worker pool independent of the broker's own
// I/O loop so that slow handlers (SDP negotiation) never stall inbound
// traffic.
package signaling

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/blindhelper/rcc-device/wire"
)

// Handlers is the set of subsystem callbacks the router dispatches to.
// Each is invoked on a worker goroutine, never on the broker's read loop.
type Handlers struct {
	OnAudioChunk func(wire.AudioChunk)
	OnCommand    func(wire.CommandPayload)
	OnOffer      func(wire.OfferPayload)
	OnAnswer     func(wire.AnswerPayload)
	OnCandidate  func(wire.CandidatePayload)
}

// Router owns a fixed worker pool and the topic set it was built for.
type Router struct {
	topics   wire.Topics
	handlers Handlers
	work     chan func()
}

// New starts a router with workers goroutines draining its dispatch queue.
func New(topics wire.Topics, handlers Handlers, workers int) *Router {
	if workers < 1 {
		workers = 1
	}
	r := &Router{topics: topics, handlers: handlers, work: make(chan func(), 256)}
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

func (r *Router) worker() {
	for fn := range r.work {
		fn()
	}
}

// Route is registered as the broker subscription callback for every topic
// this device cares about; it decides which handler to invoke and submits
// the work, never blocking the caller.
func (r *Router) Route(topic string, payload json.RawMessage) {
	switch {
	case topic == r.topics.Audio:
		r.submit(func() { r.handleAudio(payload) })
	case topic == r.topics.Command:
		r.submit(func() { r.handleCommand(payload) })
	case topic == r.topics.Offer:
		r.submit(func() { r.handleOffer(payload) })
	case topic == r.topics.Answer:
		r.submit(func() { r.handleAnswer(payload) })
	case topic == r.topics.Candidate:
		r.submit(func() { r.handleCandidate(payload) })
	default:
		log.Printf("signaling: no handler for topic %s", topic)
	}
}

func (r *Router) submit(fn func()) {
	select {
	case r.work <- fn:
	default:
		log.Printf("signaling: worker pool saturated, running on a new goroutine")
		go fn()
	}
}

func (r *Router) handleAudio(payload json.RawMessage) {
	var chunk wire.AudioChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		log.Printf("signaling: malformed audio chunk: %v", err)
		return
	}
	if r.handlers.OnAudioChunk != nil {
		r.handlers.OnAudioChunk(chunk)
	}
}

func (r *Router) handleCommand(payload json.RawMessage) {
	// Peek the command field before a full unmarshal; an unknown or
	// missing command never pays for decoding the rest.
	cmd := gjson.GetBytes(payload, "command").String()
	if cmd == "" {
		log.Printf("signaling: command payload missing 'command' field")
		return
	}
	var cp wire.CommandPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		log.Printf("signaling: malformed command payload: %v", err)
		return
	}
	if r.handlers.OnCommand != nil {
		r.handlers.OnCommand(cp)
	}
}

func (r *Router) handleOffer(payload json.RawMessage) {
	var o wire.OfferPayload
	if err := json.Unmarshal(payload, &o); err != nil {
		log.Printf("signaling: malformed offer: %v", err)
		return
	}
	if o.SDP == "" {
		log.Printf("signaling: offer missing sdp, skipping")
		return
	}
	if o.Type == "" {
		o.Type = "offer"
	}
	if r.handlers.OnOffer != nil {
		r.handlers.OnOffer(o)
	}
}

func (r *Router) handleAnswer(payload json.RawMessage) {
	var a wire.AnswerPayload
	if err := json.Unmarshal(payload, &a); err != nil {
		log.Printf("signaling: malformed answer: %v", err)
		return
	}
	if a.SDP == "" {
		log.Printf("signaling: answer missing sdp, skipping")
		return
	}
	if a.Type == "" {
		a.Type = "answer"
	}
	if r.handlers.OnAnswer != nil {
		r.handlers.OnAnswer(a)
	}
}

func (r *Router) handleCandidate(payload json.RawMessage) {
	var c wire.CandidatePayload
	if err := json.Unmarshal(payload, &c); err != nil {
		log.Printf("signaling: malformed candidate: %v", err)
		return
	}
	if strings.TrimSpace(c.Candidate) == "" {
		log.Printf("signaling: empty candidate, skipping")
		return
	}
	if r.handlers.OnCandidate != nil {
		r.handlers.OnCandidate(c)
	}
}
