// Package config loads the device's runtime configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of options the device reads at startup. Every field
// has a sane default so the binary runs on a dev machine with nothing set.
type Config struct {
	DeviceID string

	// Broker
	BrokerURL       string
	BrokerAuthToken string // read from BROKER_AUTH_TOKEN; the broker session does not send it

	// Audio
	MicIndex            int
	AudioSampleRate     int
	AudioChunkMS        int
	SilenceThreshold    float64
	SilenceDuration     time.Duration
	MinSpeechDuration   time.Duration
	MicrophoneGain      float64
	MicrophoneNoiseGate float64

	// GPS
	GPSPort  string
	BaudRate int

	// HTTP backends
	ServerHTTPBase     string
	DiffThreshold      float64
	SendIntervalMin    time.Duration
	SendIntervalMax    time.Duration
	TurnAPIKey         string
	TurnCredentialsURL string

	// Diagnostics / staging
	DebugWAV bool // dump reassembled audio streams to disk
	Minimal  bool // bench mode: call path only, no GPS/segmentation/obstacle services
}

// Default returns the configuration the device boots with when nothing in
// the environment overrides it.
func Default() Config {
	return Config{
		DeviceID:            envOr("DEVICE_ID", "device-0001"),
		BrokerURL:           envOr("BROKER_URL", "wss://broker.local/rcc"),
		BrokerAuthToken:     os.Getenv("BROKER_AUTH_TOKEN"),
		MicIndex:            envInt("MIC_INDEX", -1),
		AudioSampleRate:     envInt("AUDIO_SAMPLE_RATE", 48000),
		AudioChunkMS:        envInt("AUDIO_CHUNK_MS", 100),
		SilenceThreshold:    envFloat("SILENCE_THRESHOLD", 0.02),
		SilenceDuration:     envDuration("SILENCE_DURATION", 5*time.Second),
		MinSpeechDuration:   envDuration("MIN_SPEECH_DURATION", 500*time.Millisecond),
		MicrophoneGain:      envFloat("MICROPHONE_GAIN", 1.0),
		MicrophoneNoiseGate: envFloat("MICROPHONE_NOISE_GATE", 0.0),
		GPSPort:             envOr("GPS_PORT", ""),
		BaudRate:            envInt("BAUD_RATE", 9600),
		ServerHTTPBase:      envOr("SERVER_HTTP_BASE", "http://127.0.0.1:8000"),
		DiffThreshold:       envFloat("DIFF_THRESHOLD", 12.0),
		SendIntervalMin:     envDuration("SEND_INTERVAL_MIN", 2*time.Second),
		SendIntervalMax:     envDuration("SEND_INTERVAL_MAX", 10*time.Second),
		TurnAPIKey:          os.Getenv("TURN_API_KEY"),
		TurnCredentialsURL:  envOr("TURN_CREDENTIALS_URL", "https://rcc.metered.live/api/v1/turn/credentials"),
		DebugWAV:            envBool("DEBUG_WAV", false),
		Minimal:             envBool("MINIMAL", false),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
