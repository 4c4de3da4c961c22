package call

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blindhelper/rcc-device/wire"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "negotiating", Negotiating.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "tearing-down", TearingDown.String())
}

type fakeVAP struct {
	paused  int
	resumed int
}

func (f *fakeVAP) Pause()  { f.paused++ }
func (f *fakeVAP) Resume() { f.resumed++ }

func TestHangUpOnIdleIsNoOp(t *testing.T) {
	vap := &fakeVAP{}
	c := New(vap, nil)
	defer c.Close()

	c.HangUp()
	waitForCoordinatorIdle(t, c)

	assert.Equal(t, 0, vap.paused)
	assert.Equal(t, 0, vap.resumed)
	assert.Equal(t, Idle, c.State())
}

func TestCandidateBeforePeerIsHeldNotDropped(t *testing.T) {
	c := New(&fakeVAP{}, nil)
	defer c.Close()

	c.HandleCandidate(wire.CandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.5 1 typ host", SDPMid: "0"})
	c.HandleCandidate(wire.CandidatePayload{Candidate: "candidate:2 1 udp 1 10.0.0.6 1 typ host", SDPMid: "0"})
	waitForCoordinatorIdle(t, c)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.pending, 2)
	assert.Contains(t, c.pending[0].Candidate, "10.0.0.5")
	assert.Contains(t, c.pending[1].Candidate, "10.0.0.6")
}

func waitForCoordinatorIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	// HangUp and beginCall run on the coordinator's worker goroutine;
	// submit a no-op and wait for it to drain so prior work has settled.
	done := make(chan struct{})
	c.submit(func() { close(done) })
	<-done
}
