package webrtcpeer

import (
	"image"
	"log"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gocv.io/x/gocv"

	"github.com/blindhelper/rcc-device/audio"
)

// VideoSource is the subset of camera.Camera the outbound video track
// needs, kept narrow so tests can fake it without a real capture device.
type VideoSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// outboundVideoLoop pushes frames from src onto track at the given frame
// interval until stop is closed. Frames are JPEG-encoded per sample, so
// track must be registered for "video/JPEG" (RTP static payload type 26,
// RFC 3551/2435) rather than claiming a codec it doesn't speak.
func outboundVideoLoop(track *webrtc.TrackLocalStaticSample, src VideoSource, fps int, stop <-chan struct{}) {
	if fps <= 0 {
		fps = 10
	}
	interval := time.Second / time.Duration(fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame, ok := src.LatestFrame()
			if !ok {
				continue
			}
			resized := gocv.NewMat()
			gocv.Resize(frame, &resized, image.Point{X: 640, Y: 480}, 0, 0, gocv.InterpolationLinear)
			frame.Close()

			// No BGR→RGB conversion here: IMEncode takes BGR input, and
			// the JPEG it emits is channel-order-neutral on the wire.
			// Converting first would swap red and blue in the encoded
			// image.
			buf, err := gocv.IMEncode(".jpg", resized)
			resized.Close()
			if err != nil {
				log.Printf("webrtcpeer: jpeg encode failed: %v", err)
				continue
			}
			err = track.WriteSample(media.Sample{Data: buf.GetBytes(), Duration: interval})
			buf.Close()
			if err != nil {
				log.Printf("webrtcpeer: write video sample failed: %v", err)
			}
		}
	}
}

// outboundAudioLoop reads fixed blocks from cap, applies the configured
// microphone gain and noise gate, and writes them onto track as raw 16-bit
// linear PCM samples (RFC 3551 "audio/L16").
func outboundAudioLoop(track *webrtc.TrackLocalStaticSample, cap *audio.Capture, blockDuration time.Duration, gain, noiseGate float32, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		samples, err := cap.Read()
		if err != nil {
			log.Printf("webrtcpeer: mic read failed: %v", err)
			return
		}
		if gain != 0 && gain != 1 || noiseGate > 0 {
			f := audio.FromInt16(samples)
			if noiseGate > 0 {
				audio.NoiseGate(f, noiseGate)
			}
			if gain != 0 && gain != 1 {
				audio.ApplyGain(f, gain)
			}
			samples = audio.ToInt16(f)
		}
		data := int16SamplesToBytes(samples)
		if err := track.WriteSample(media.Sample{Data: data, Duration: blockDuration}); err != nil {
			log.Printf("webrtcpeer: write audio sample failed: %v", err)
		}
	}
}

func int16SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
