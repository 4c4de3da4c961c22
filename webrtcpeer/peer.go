// Package webrtcpeer runs the device's one WebRTC peer: offer/answer
// negotiation over the signaling topics, trickle ICE with inbound candidate
// buffering, TURN credential acquisition with STUN fallback, and the
// outbound camera/mic tracks plus inbound remote-audio playback. Offer,
// answer and candidate operations on the PeerConnection funnel through one
// worker goroutine so concurrent signaling events never race it; Close
// closes the PeerConnection directly from the caller's goroutine.
package webrtcpeer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/blindhelper/rcc-device/audio"
	"github.com/blindhelper/rcc-device/wire"
)

// PublishFunc sends a payload on a signaling topic; satisfied by
// broker.Session.Publish.
type PublishFunc func(topic string, payload interface{}, qos int, retain bool) error

// Config holds the knobs Peer needs beyond the PeerConnection itself.
// MicIndex/MicBlockFrames are the audio.OpenCapture parameters Peer uses to
// open its own microphone handle for the lifetime of one call. MicGain and
// MicNoiseGate shape the outbound track (MICROPHONE_GAIN /
// MICROPHONE_NOISE_GATE); inbound remote audio gets the AGC+limiter chain
// from audio/dsp.go before it reaches the speaker.
type Config struct {
	Topics          wire.Topics
	TURNURL         string
	TURNAPIKey      string
	VideoFPS        int
	AudioBlock      time.Duration
	AudioSampleRate int
	AudioChannels   int
	MicIndex        int
	MicBlockFrames  int
	MicGain         float32
	MicNoiseGate    float32
}

// Peer owns exactly one webrtc.PeerConnection and serializes the
// initialize, offer, answer and candidate operations through a single
// worker goroutine. Close does not go through the worker.
type Peer struct {
	cfg          Config
	publish      PublishFunc
	turn         *turnCache
	video        VideoSource
	pb           *audio.PlaybackStream
	onDisconnect func()

	work chan func()
	stop chan struct{}
	done chan struct{}

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	mic        *audio.Capture // opened in Initialize, closed in stopTracks
	haveRemote bool
	candQueue  []wire.CandidatePayload
	trackStop  chan struct{}
}

// New constructs a Peer. It does not open a PeerConnection or microphone
// until Initialize is called. onDisconnect, if non-nil, is invoked once the
// underlying connection reaches a terminal state (failed/closed/
// disconnected) so the caller (the Call Coordinator) can tear down and
// resume the Voice Activity Pipeline without waiting for an explicit
// hangup.
func New(cfg Config, publish PublishFunc, video VideoSource, pb *audio.PlaybackStream, onDisconnect func()) *Peer {
	return &Peer{
		cfg:          cfg,
		publish:      publish,
		turn:         newTURNCache(cfg.TURNURL, cfg.TURNAPIKey),
		video:        video,
		pb:           pb,
		onDisconnect: onDisconnect,
		work:         make(chan func(), 32),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the worker goroutine. Call once.
func (p *Peer) Start() {
	go p.loop()
}

func (p *Peer) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case fn := <-p.work:
			fn()
		}
	}
}

// submit queues fn on the worker goroutine and blocks until it completes,
// so callers can observe errors synchronously while mutations to pc stay
// single-threaded.
func (p *Peer) submit(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case p.work <- func() { errCh <- fn() }:
	case <-p.stop:
		return fmt.Errorf("webrtcpeer: peer closed")
	}
	select {
	case err := <-errCh:
		return err
	case <-p.stop:
		return fmt.Errorf("webrtcpeer: peer closed")
	}
}

// Initialize opens the PeerConnection, wires media tracks, and installs
// ICE/connection-state handlers. The work runs on the worker goroutine
// (Start must have been called); Initialize blocks until it completes.
func (p *Peer) Initialize(ctx context.Context) error {
	return p.submit(func() error { return p.initializeLocked(ctx) })
}

func (p *Peer) initializeLocked(ctx context.Context) error {
	m := webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("webrtcpeer: register codecs: %w", err)
	}
	// The outbound video track carries motion JPEG, not VP8/H264. RFC 3551
	// reserves static payload type 26 for JPEG, so register it explicitly
	// rather than mislabeling the track with a codec it doesn't speak.
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/JPEG", ClockRate: 90000},
		PayloadType:        26,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("webrtcpeer: register jpeg codec: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, ir); err != nil {
		return fmt.Errorf("webrtcpeer: register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&m), webrtc.WithInterceptorRegistry(ir))

	ices := p.turn.ICEServers(ctx)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ices})
	if err != nil {
		return fmt.Errorf("webrtcpeer: new peer connection: %w", err)
	}
	p.mu.Lock()
	p.pc = pc
	p.haveRemote = false
	p.candQueue = nil
	p.trackStop = make(chan struct{})
	p.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if !acceptOutboundCandidate(c.ToJSON().Candidate) {
			return
		}
		init := c.ToJSON()
		mid := ""
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		idx := 0
		if init.SDPMLineIndex != nil {
			idx = int(*init.SDPMLineIndex)
		}
		payload := wire.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        mid,
			SDPMLineIndex: idx,
		}
		if err := p.publish(p.cfg.Topics.Candidate, payload, 1, false); err != nil {
			log.Printf("webrtcpeer: publish candidate failed: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("webrtcpeer: connection state %s", s.String())
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if s == webrtc.PeerConnectionStateFailed {
				logCandidatePairs(pc)
			}
			p.stopTracks()
			if p.onDisconnect != nil {
				p.onDisconnect()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.handleRemoteTrack(pc, track)
	})

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: "video/JPEG", ClockRate: 90000}, "video", "rcc-device")
	if err != nil {
		return fmt.Errorf("webrtcpeer: new video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		return fmt.Errorf("webrtcpeer: add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: "audio/L16", ClockRate: uint32(p.cfg.AudioSampleRate)}, "audio", "rcc-device")
	if err != nil {
		return fmt.Errorf("webrtcpeer: new audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		return fmt.Errorf("webrtcpeer: add audio track: %w", err)
	}

	if p.video != nil {
		go outboundVideoLoop(videoTrack, p.video, p.cfg.VideoFPS, p.trackStop)
	}

	// Peer owns its own microphone handle for the life of the call, opened
	// here and released in stopTracks — never shared with vap.Pipeline,
	// which has already released the device via Pause before the
	// coordinator got this far.
	mic, err := audio.OpenCapture(p.cfg.MicIndex, p.cfg.AudioSampleRate, p.cfg.AudioChannels, p.cfg.MicBlockFrames)
	if err != nil {
		log.Printf("webrtcpeer: open microphone failed, continuing without outbound audio: %v", err)
	} else {
		p.mu.Lock()
		p.mic = mic
		p.mu.Unlock()
		go outboundAudioLoop(audioTrack, mic, p.cfg.AudioBlock, p.cfg.MicGain, p.cfg.MicNoiseGate, p.trackStop)
	}

	return nil
}

// logCandidatePairs dumps the local and remote candidates the failed
// connection attempted, so a failed ICE run leaves enough in the log to
// diagnose which network path never came up.
func logCandidatePairs(pc *webrtc.PeerConnection) {
	for _, s := range pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.ICECandidateStats:
			log.Printf("webrtcpeer: ice failed, candidate %s %s %s:%d type=%s",
				stat.ID, stat.Protocol, stat.IP, stat.Port, stat.CandidateType)
		case webrtc.ICECandidatePairStats:
			log.Printf("webrtcpeer: ice failed, pair %s<->%s state=%s nominated=%v",
				stat.LocalCandidateID, stat.RemoteCandidateID, stat.State, stat.Nominated)
		}
	}
}

// stopTracks signals the outbound media goroutines to exit and releases the
// microphone. Idempotent.
func (p *Peer) stopTracks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trackStop == nil {
		return
	}
	select {
	case <-p.trackStop:
	default:
		close(p.trackStop)
	}
	if p.mic != nil {
		if err := p.mic.Close(); err != nil {
			log.Printf("webrtcpeer: close microphone: %v", err)
		}
		p.mic = nil
	}
}

// handleRemoteTrack pulls RTP from the remote audio track and enqueues it
// for local playback, and sends a PLI every 2s on the remote video track to
// keep the caller's encoder from starving keyframes.
func (p *Peer) handleRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				if pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
					return
				}
				_ = pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			}
		}()
		return
	}
	if p.pb == nil {
		return
	}
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			p.pb.Enqueue(shapeInbound(pkt), p.cfg.AudioSampleRate, p.cfg.AudioChannels)
		}
	}()
}

// shapeInbound decodes one RTP packet's L16 payload and runs it through the
// AGC+limiter chain before it reaches the speaker.
func shapeInbound(pkt *rtp.Packet) []int16 {
	f := audio.FromInt16(bytesToInt16Samples(pkt.Payload))
	audio.AGC(f, inboundTargetRMS, inboundMinGain, inboundMaxGain)
	audio.SoftLimit(f, inboundLimiterDrive)
	return audio.ToInt16(f)
}

// Inbound loudness shaping applied to call audio before the speaker.
const (
	inboundTargetRMS    = 0.12
	inboundMinGain      = 0.5
	inboundMaxGain      = 8.0
	inboundLimiterDrive = 1.5
)

func bytesToInt16Samples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// HandleOffer applies a remote offer, creates and publishes an answer, and
// flushes any buffered remote candidates.
func (p *Peer) HandleOffer(offer wire.OfferPayload) error {
	return p.submit(func() error { return p.handleOfferLocked(offer) })
}

func (p *Peer) handleOfferLocked(offer wire.OfferPayload) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("webrtcpeer: not initialized")
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offer.SDP,
	}); err != nil {
		return fmt.Errorf("webrtcpeer: set remote offer: %w", err)
	}
	p.markRemoteReady()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("webrtcpeer: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("webrtcpeer: set local answer: %w", err)
	}
	// Bounded gather wait: publish whatever candidates exist after 10s
	// rather than holding the answer hostage to a slow TURN allocation.
	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
	}

	local := pc.LocalDescription()
	p.publishEmbeddedCandidates(local.SDP)
	return p.publish(p.cfg.Topics.Answer, wire.AnswerPayload{Type: "answer", SDP: local.SDP}, 1, false)
}

// CreateOffer starts a device-initiated call (the SOS path): generate and
// publish an offer.
func (p *Peer) CreateOffer(isEmergency bool) error {
	return p.submit(func() error { return p.createOfferLocked(isEmergency) })
}

func (p *Peer) createOfferLocked(isEmergency bool) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("webrtcpeer: not initialized")
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtcpeer: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtcpeer: set local offer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(5 * time.Second):
	}
	local := pc.LocalDescription()
	p.publishEmbeddedCandidates(local.SDP)
	return p.publish(p.cfg.Topics.Offer, wire.OfferPayload{
		Type: "offer", SDP: local.SDP, IsEmergency: isEmergency,
	}, 1, false)
}

// publishEmbeddedCandidates runs the second candidate-publish path: any
// candidate already embedded in the finalized local SDP is parsed and sent
// before the offer/answer itself, so the remote peer never has to wait on
// trickle ICE alone to learn about candidates gathered before
// OnICECandidate's callback was installed.
func (p *Peer) publishEmbeddedCandidates(sdp string) {
	for _, c := range extractSDPCandidates(sdp) {
		if err := p.publish(p.cfg.Topics.Candidate, c, 1, false); err != nil {
			log.Printf("webrtcpeer: publish embedded candidate failed: %v", err)
		}
	}
}

// HandleAnswer applies a remote answer to a device-initiated offer.
func (p *Peer) HandleAnswer(answer wire.AnswerPayload) error {
	return p.submit(func() error {
		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc == nil {
			return fmt.Errorf("webrtcpeer: not initialized")
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: answer.SDP,
		}); err != nil {
			return fmt.Errorf("webrtcpeer: set remote answer: %w", err)
		}
		p.markRemoteReady()
		return nil
	})
}

// HandleCandidate applies a remote ICE candidate. A candidate arriving
// before the remote description is set is buffered, never dropped, and
// applied in arrival order once the description lands.
func (p *Peer) HandleCandidate(c wire.CandidatePayload) error {
	return p.submit(func() error { return p.handleCandidateLocked(c) })
}

func (p *Peer) handleCandidateLocked(c wire.CandidatePayload) error {
	p.mu.Lock()
	ready := p.haveRemote
	pc := p.pc
	if !ready {
		p.candQueue = append(p.candQueue, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return addCandidate(pc, c)
}

func (p *Peer) markRemoteReady() {
	p.mu.Lock()
	pc := p.pc
	p.haveRemote = true
	queued := p.candQueue
	p.candQueue = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := addCandidate(pc, c); err != nil {
			log.Printf("webrtcpeer: flush buffered candidate failed: %v", err)
		}
	}
}

func addCandidate(pc *webrtc.PeerConnection, c wire.CandidatePayload) error {
	if !acceptInboundCandidate(c.Candidate) {
		log.Printf("webrtcpeer: dropping inbound candidate %q", c.Candidate)
		return nil
	}
	idx := uint16(c.SDPMLineIndex)
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &c.SDPMid,
		SDPMLineIndex: &idx,
	})
}

// Close tears down the PeerConnection and stops the worker goroutine.
func (p *Peer) Close() error {
	p.stopTracks()
	var err error
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc != nil {
		err = pc.Close()
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		log.Printf("webrtcpeer: close timed out waiting for worker")
	}
	return err
}
