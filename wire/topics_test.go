package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopicsNamesEveryChannel(t *testing.T) {
	topics := NewTopics("device-42")
	assert.Equal(t, "device/device-42/audio", topics.Audio)
	assert.Equal(t, "device/device-42/command", topics.Command)
	assert.Equal(t, "device/device-42/webrtc/offer", topics.Offer)
	assert.Equal(t, "device/device-42/webrtc/answer", topics.Answer)
	assert.Equal(t, "device/device-42/webrtc/candidate", topics.Candidate)
	assert.Equal(t, "device/device-42/stt", topics.STT)
	assert.Equal(t, "device/device-42/gps", topics.GPS)
	assert.Equal(t, "device/device-42/obstacle", topics.Obstacle)
	assert.Equal(t, "device/device-42/ping", topics.Ping)
}

func TestCandidatePayloadRoundTrip(t *testing.T) {
	in := CandidatePayload{
		Candidate:     "candidate:1 1 udp 2122260223 10.0.0.5 54321 typ host",
		SDPMid:        "0",
		SDPMLineIndex: 1,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out CandidatePayload
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestOfferPayloadOmitsOptionalFields(t *testing.T) {
	raw, err := json.Marshal(OfferPayload{Type: "offer", SDP: "v=0"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "callerId")
	assert.NotContains(t, string(raw), "isEmergency")
}

func TestCommandPayloadOnlyRequiresCommand(t *testing.T) {
	var cp CommandPayload
	require.NoError(t, json.Unmarshal([]byte(`{"command":"send_sms","phone_number":"+15555550123","message":"help"}`), &cp))
	assert.Equal(t, "send_sms", cp.Command)
	assert.Equal(t, "+15555550123", cp.PhoneNumber)
	assert.Equal(t, "help", cp.Message)
}
