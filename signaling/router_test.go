package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blindhelper/rcc-device/wire"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRouteDispatchesByTopic(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	var mu sync.Mutex
	var gotOffer wire.OfferPayload

	r := New(topics, Handlers{
		OnOffer: func(o wire.OfferPayload) {
			mu.Lock()
			defer mu.Unlock()
			gotOffer = o
		},
	}, 2)

	payload, err := json.Marshal(wire.OfferPayload{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	r.Route(topics.Offer, payload)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotOffer.SDP == "v=0"
	})
}

func TestHandleOfferDefaultsType(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	done := make(chan wire.OfferPayload, 1)
	r := New(topics, Handlers{OnOffer: func(o wire.OfferPayload) { done <- o }}, 1)

	payload, _ := json.Marshal(map[string]string{"sdp": "v=0"})
	r.Route(topics.Offer, payload)

	select {
	case o := <-done:
		assert.Equal(t, "offer", o.Type)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestHandleOfferSkipsEmptySDP(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	called := false
	r := New(topics, Handlers{OnOffer: func(o wire.OfferPayload) { called = true }}, 1)

	payload, _ := json.Marshal(map[string]string{"sdp": ""})
	r.Route(topics.Offer, payload)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestHandleCandidateSkipsBlank(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	called := false
	r := New(topics, Handlers{OnCandidate: func(c wire.CandidatePayload) { called = true }}, 1)

	payload, _ := json.Marshal(wire.CandidatePayload{Candidate: "   "})
	r.Route(topics.Candidate, payload)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestHandleCommandRequiresCommandField(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	called := false
	r := New(topics, Handlers{OnCommand: func(c wire.CommandPayload) { called = true }}, 1)

	payload, _ := json.Marshal(map[string]string{"phone_number": "+1"})
	r.Route(topics.Command, payload)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestRouteUnknownTopicDoesNotPanic(t *testing.T) {
	topics := wire.NewTopics("dev-1")
	r := New(topics, Handlers{}, 1)
	assert.NotPanics(t, func() { r.Route("device/dev-1/unknown", json.RawMessage(`{}`)) })
}
