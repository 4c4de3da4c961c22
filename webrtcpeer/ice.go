package webrtcpeer

import (
	"net"
	"strings"

	"github.com/blindhelper/rcc-device/wire"
)

// dockerBridgeRanges are the private ranges Docker's default bridge
// networks fall in; candidates on these addresses are never reachable by a
// remote peer and only add noise/delay to connectivity checks.
var dockerBridgeRanges = []*net.IPNet{
	mustCIDR("172.17.0.0/16"),
	mustCIDR("172.18.0.0/16"),
	mustCIDR("172.19.0.0/16"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// acceptOutboundCandidate decides whether a locally gathered ICE candidate
// should be sent to the remote peer. IPv4 host/srflx/relay are accepted;
// IPv6 candidates of any type and anything on a Docker bridge range are
// filtered.
func acceptOutboundCandidate(candidateLine string) bool {
	typ := candidateType(candidateLine)
	if typ == "" {
		return false
	}
	ip := candidateIP(candidateLine)
	if ip == nil {
		return false
	}
	if ip.To4() == nil {
		return false
	}
	for _, r := range dockerBridgeRanges {
		if r.Contains(ip) {
			return false
		}
	}
	switch typ {
	case "host", "srflx", "relay":
		return true
	default:
		return false
	}
}

// candidateType extracts the "typ X" token from a raw ICE candidate SDP
// line, e.g. "candidate:1 1 udp 2122260223 10.0.0.5 54321 typ host".
func candidateType(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "typ" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// candidateIP extracts the connection-address field (5th token after
// "candidate:foundation component transport priority").
func candidateIP(line string) net.IP {
	fields := strings.Fields(line)
	for i, f := range fields {
		if strings.HasPrefix(f, "candidate:") && i+4 < len(fields) {
			return net.ParseIP(fields[i+4])
		}
	}
	return nil
}

// acceptInboundCandidate decides whether a remote candidate is worth handing
// to AddICECandidate: host/srflx/relay only, and IPv6 host candidates are
// dropped (the device's cellular uplink never carries routable v6, so they
// only stall connectivity checks).
func acceptInboundCandidate(candidateLine string) bool {
	typ := candidateType(candidateLine)
	switch typ {
	case "host":
		ip := candidateIP(candidateLine)
		return ip != nil && ip.To4() != nil
	case "srflx", "relay":
		return true
	default:
		return false
	}
}

// mLineIndexForMid walks a session description's media sections in order
// and returns the index of the one whose "a=mid:" value matches mid, so a
// candidate parsed out of the SDP can be published with an sdpMLineIndex
// that actually matches its section.
func mLineIndexForMid(sdp string, mid string) int {
	idx := -1
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "m=") {
			idx++
		}
		if strings.HasPrefix(line, "a=mid:") && strings.TrimPrefix(line, "a=mid:") == mid {
			return idx
		}
	}
	return -1
}

// extractSDPCandidates walks a finalized local session description and
// returns every embedded "a=candidate:" line paired with the sdpMid/
// sdpMLineIndex of the media section it appears in. This is the second
// candidate-publish path: OnICECandidate only fires for candidates
// discovered after the callback was installed, so anything already baked
// into the SDP has to be parsed back out.
func extractSDPCandidates(sdp string) []wire.CandidatePayload {
	var out []wire.CandidatePayload
	mid := ""
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m="):
			mid = ""
		case strings.HasPrefix(line, "a=mid:"):
			mid = strings.TrimPrefix(line, "a=mid:")
		case strings.HasPrefix(line, "a=candidate:"):
			candLine := "candidate:" + strings.TrimPrefix(line, "a=candidate:")
			if !acceptOutboundCandidate(candLine) {
				continue
			}
			out = append(out, wire.CandidatePayload{
				Candidate:     candLine,
				SDPMid:        mid,
				SDPMLineIndex: mLineIndexForMid(sdp, mid),
			})
		}
	}
	return out
}
