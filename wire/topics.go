// Package wire defines the broker topic names and JSON payload shapes
// shared with the server and the mobile app. Every payload is a plain JSON
// object on UTF-8, on topics under device/<id>/....
package wire

import "fmt"

// Topics is the per-device topic set.
type Topics struct {
	Audio     string // inbound synthesized speech (chunked)
	Command   string // inbound control
	Offer     string // webrtc offer, bidirectional
	Answer    string // webrtc answer, bidirectional
	Candidate string // webrtc ICE candidate, bidirectional
	STT       string // outbound utterance audio chunks
	GPS       string // outbound telemetry
	Obstacle  string // outbound telemetry
	Ping      string // outbound telemetry
}

// NewTopics builds the topic set for deviceID.
func NewTopics(deviceID string) Topics {
	base := fmt.Sprintf("device/%s", deviceID)
	return Topics{
		Audio:     base + "/audio",
		Command:   base + "/command",
		Offer:     base + "/webrtc/offer",
		Answer:    base + "/webrtc/answer",
		Candidate: base + "/webrtc/candidate",
		STT:       base + "/stt",
		GPS:       base + "/gps",
		Obstacle:  base + "/obstacle",
		Ping:      base + "/ping",
	}
}

// OfferPayload is published on Topics.Offer in both directions.
type OfferPayload struct {
	Type        string `json:"type"`
	SDP         string `json:"sdp"`
	CallerID    string `json:"callerId,omitempty"`
	IsEmergency bool   `json:"isEmergency,omitempty"`
}

// AnswerPayload is published on Topics.Answer in both directions.
type AnswerPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is published on Topics.Candidate in both directions. The
// Candidate field is the ICE candidate SDP line including the "candidate:"
// prefix.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// STTChunk is published on Topics.STT for each fixed-size slice of an
// outbound utterance.
type STTChunk struct {
	DeviceID    string `json:"deviceId"`
	StreamID    string `json:"streamId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	IsLast      bool   `json:"isLast"`
	Timestamp   int64  `json:"timestamp"`
	Format      string `json:"format"`
	SampleRate  int    `json:"sampleRate"`
	Data        string `json:"data"` // base64
}

// AudioChunk is received on Topics.Audio: one slice of a server-pushed
// reassembly stream.
type AudioChunk struct {
	ServerStreamID string `json:"serverStreamId"`
	ChunkIndex     int    `json:"chunkIndex"`
	TotalChunks    int    `json:"totalChunks"`
	IsLast         bool   `json:"isLast"`
	Format         string `json:"format"`
	SampleRate     int    `json:"sampleRate"`
	Data           string `json:"data"` // base64
}

// GPSReport is published on Topics.GPS every 5s. Pin carries the battery
// level; the wire key is "pin" and the server expects it under that name.
type GPSReport struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKMH  float64 `json:"speed_kmh"`
	Pin       int     `json:"pin"`
}

// ObstacleReport is published on Topics.Obstacle when an alarm fires.
type ObstacleReport struct {
	DeviceID        string   `json:"deviceId"`
	Timestamp       int64    `json:"ts"`
	Distance        float64  `json:"distance"`
	Unit            string   `json:"unit"`
	Class           string   `json:"class,omitempty"`
	DetectedObjects []string `json:"detectedObjects,omitempty"`
	Severity        string   `json:"severity,omitempty"`
}

// CommandPayload is received on Topics.Command. It is intentionally
// extensible: only "command" is required, the rest depends on the command.
type CommandPayload struct {
	Command     string `json:"command"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Message     string `json:"message,omitempty"`
}
