package webrtcpeer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func candidateLine(typ, ip string) string {
	return fmt.Sprintf("candidate:1 1 udp 2122260223 %s 54321 typ %s", ip, typ)
}

func TestAcceptOutboundCandidate_HostIPv4Accepted(t *testing.T) {
	assert.True(t, acceptOutboundCandidate(candidateLine("host", "192.168.1.50")))
}

func TestAcceptOutboundCandidate_SrflxAndRelayAccepted(t *testing.T) {
	assert.True(t, acceptOutboundCandidate(candidateLine("srflx", "203.0.113.9")))
	assert.True(t, acceptOutboundCandidate(candidateLine("relay", "203.0.113.9")))
}

func TestAcceptOutboundCandidate_IPv6HostRejected(t *testing.T) {
	assert.False(t, acceptOutboundCandidate(candidateLine("host", "fe80::1")))
}

func TestAcceptOutboundCandidate_DockerBridgeRejected(t *testing.T) {
	assert.False(t, acceptOutboundCandidate(candidateLine("host", "172.17.0.2")))
	assert.False(t, acceptOutboundCandidate(candidateLine("host", "172.18.5.5")))
	assert.False(t, acceptOutboundCandidate(candidateLine("srflx", "172.19.255.1")))
}

func TestAcceptOutboundCandidate_MalformedRejected(t *testing.T) {
	assert.False(t, acceptOutboundCandidate("not a candidate line"))
}

// TestAcceptOutboundCandidate_NeverAcceptsDockerBridge is a property test:
// for any host/srflx/relay candidate whose address falls in a Docker bridge
// range, the filter must reject it; a bridge address must never reach the
// remote peer.
func TestAcceptOutboundCandidate_NeverAcceptsDockerBridge(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		typ := rapid.SampledFrom([]string{"host", "srflx", "relay"}).Draw(rt, "typ")
		octet2 := rapid.SampledFrom([]int{17, 18, 19}).Draw(rt, "octet2")
		o3 := rapid.IntRange(0, 255).Draw(rt, "o3")
		o4 := rapid.IntRange(1, 254).Draw(rt, "o4")
		ip := fmt.Sprintf("172.%d.%d.%d", octet2, o3, o4)

		assert.False(rt, acceptOutboundCandidate(candidateLine(typ, ip)))
	})
}

func TestAcceptInboundCandidate_IPv6HostRejected(t *testing.T) {
	assert.False(t, acceptInboundCandidate(candidateLine("host", "2001:db8::5")))
	assert.True(t, acceptInboundCandidate(candidateLine("host", "192.168.1.20")))
}

func TestAcceptInboundCandidate_SrflxAndRelayAccepted(t *testing.T) {
	assert.True(t, acceptInboundCandidate(candidateLine("srflx", "203.0.113.9")))
	assert.True(t, acceptInboundCandidate(candidateLine("relay", "2001:db8::9")))
}

func TestAcceptInboundCandidate_UnknownTypeRejected(t *testing.T) {
	assert.False(t, acceptInboundCandidate(candidateLine("prflx", "192.168.1.20")))
	assert.False(t, acceptInboundCandidate("garbage"))
}

func TestMLineIndexForMid(t *testing.T) {
	sdp := "v=0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"a=mid:0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"a=mid:1\r\n"

	assert.Equal(t, 0, mLineIndexForMid(sdp, "0"))
	assert.Equal(t, 1, mLineIndexForMid(sdp, "1"))
	assert.Equal(t, -1, mLineIndexForMid(sdp, "2"))
}
