// Package sensors holds the hardware alarm inputs: a 2Hz time-of-flight
// obstacle poll and a debounced physical SOS button.
package sensors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"gocv.io/x/gocv"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/blindhelper/rcc-device/audio"
	"github.com/blindhelper/rcc-device/wire"
)

const (
	tofPollInterval = 500 * time.Millisecond // 2Hz
	alertMinCM      = 100.0
	alertMaxCM      = 150.0
	alertRateLimit  = 5 * time.Second
	tofAddr         = 0x29 // VL53L1X default address
)

// nopBus is a no-op i2c.Bus used when no real ToF sensor is attached.
type nopBus struct{}

func (nopBus) Tx(addr uint16, w, r []byte) error { return fmt.Errorf("sensors: no i2c bus attached") }
func (nopBus) Close() error                      { return nil }
func (nopBus) SetSpeed(f int64) error            { return nil }
func (nopBus) String() string                    { return "nopBus" }

// openBus opens the system I2C bus, or returns a nopBus if the hardware is
// absent or inaccessible — obstacle alarms degrade to "always clear"
// instead of preventing the rest of the device from starting.
func openBus(busName string) i2c.BusCloser {
	if _, err := host.Init(); err != nil {
		log.Printf("sensors: periph host init failed, using nopBus: %v", err)
		return nopBusCloser{}
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("sensors: no i2c bus %q present, using nopBus", busName)
		} else {
			log.Printf("sensors: open i2c bus %q failed, using nopBus: %v", busName, err)
		}
		return nopBusCloser{}
	}
	return bus
}

type nopBusCloser struct{ nopBus }

func (nopBusCloser) Close() error { return nil }

// FrameSource supplies the camera snapshot attached to an obstacle alert.
type FrameSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// Publisher sends the obstacle report on the broker.
type Publisher func(topic string, payload interface{}, qos int, retain bool) error

// DetectConfig tunes where warning audio, broker reports, and HTTP alerts
// go.
type DetectConfig struct {
	ServerHTTPBase string
	StopSoundPath  string
	OutputDevice   int
	SampleRate     int
	Channels       int
	DeviceID       string
	ObstacleTopic  string
}

// TofMonitor polls a VL53L1X-class time-of-flight sensor and raises an
// alert when a reading sits in the [100,150]cm window, rate-limited to one
// alert per alertRateLimit. An alert plays the stop sound, publishes an
// obstacle report on the broker, snapshots the camera, POSTs the frame to
// the /detect endpoint, and plays whatever warning asset the server names.
type TofMonitor struct {
	bus       i2c.BusCloser
	dev       *i2c.Dev
	cfg       DetectConfig
	frames    FrameSource
	publish   Publisher
	client    *http.Client
	lastAlert time.Time

	stop chan struct{}
	done chan struct{}
}

// NewTofMonitor opens the I2C bus (falling back to a no-op bus on missing
// hardware) and constructs an unstarted monitor. frames and publish may be
// nil; the corresponding alert step is skipped.
func NewTofMonitor(busName string, cfg DetectConfig, frames FrameSource, publish Publisher) *TofMonitor {
	bus := openBus(busName)
	return &TofMonitor{
		bus:     bus,
		dev:     &i2c.Dev{Addr: tofAddr, Bus: bus},
		cfg:     cfg,
		frames:  frames,
		publish: publish,
		client:  &http.Client{Timeout: 5 * time.Second},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the 2Hz poll loop.
func (t *TofMonitor) Run(ctx context.Context) {
	go t.loop(ctx)
}

func (t *TofMonitor) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(tofPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm, err := t.readDistanceCM()
			if err != nil {
				continue
			}
			if cm >= alertMinCM && cm <= alertMaxCM && time.Since(t.lastAlert) >= alertRateLimit {
				t.lastAlert = time.Now()
				t.raiseAlert(ctx, cm)
			}
		}
	}
}

// readDistanceCM issues a measurement read. The VL53L1X register protocol
// itself is out of scope for a nopBus fallback (it always errors), so a
// missing sensor simply never triggers an alert.
func (t *TofMonitor) readDistanceCM() (float64, error) {
	var raw [2]byte
	if err := t.dev.Tx([]byte{0x00, 0x96}, raw[:]); err != nil {
		return 0, err
	}
	mm := int(raw[0])<<8 | int(raw[1])
	return float64(mm) / 10.0, nil
}

func (t *TofMonitor) raiseAlert(ctx context.Context, distanceCM float64) {
	log.Printf("sensors: obstacle at %.1fcm", distanceCM)

	if t.cfg.StopSoundPath != "" {
		if err := audio.PlayFile(t.cfg.StopSoundPath, t.cfg.OutputDevice, t.cfg.SampleRate, t.cfg.Channels); err != nil {
			log.Printf("sensors: play stop sound failed: %v", err)
		}
	}

	if t.publish != nil && t.cfg.ObstacleTopic != "" {
		report := wire.ObstacleReport{
			DeviceID:  t.cfg.DeviceID,
			Timestamp: time.Now().Unix(),
			Distance:  distanceCM / 100.0,
			Unit:      "m",
			Severity:  "warning",
		}
		if err := t.publish(t.cfg.ObstacleTopic, report, 0, false); err != nil {
			log.Printf("sensors: publish obstacle report failed: %v", err)
		}
	}

	jpeg, ok := t.snapshotJPEG()
	if !ok {
		return
	}
	result, err := postFrame(ctx, t.client, t.cfg.ServerHTTPBase+"/detect", jpeg)
	if err != nil {
		log.Printf("sensors: detect POST failed: %v", err)
		return
	}
	if result.Data.AudioFile != "" {
		if err := audio.PlayFile(result.Data.AudioFile, t.cfg.OutputDevice, t.cfg.SampleRate, t.cfg.Channels); err != nil {
			log.Printf("sensors: play detect response audio failed: %v", err)
		}
	}
}

func (t *TofMonitor) snapshotJPEG() ([]byte, bool) {
	if t.frames == nil {
		return nil, false
	}
	frame, ok := t.frames.LatestFrame()
	if !ok {
		return nil, false
	}
	defer frame.Close()
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		log.Printf("sensors: jpeg encode failed: %v", err)
		return nil, false
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, true
}

// detectResponse is the {success?, data:{is_safe?, audio_file?}} body the
// detect and segment endpoints share.
type detectResponse struct {
	Success bool `json:"success"`
	Data    struct {
		IsSafe    bool   `json:"is_safe"`
		AudioFile string `json:"audio_file"`
	} `json:"data"`
}

// postFrame uploads one JPEG frame as a multipart form.
func postFrame(ctx context.Context, client *http.Client, url string, jpeg []byte) (*detectResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, fmt.Errorf("write form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

// Stop ends the poll loop and releases the I2C bus.
func (t *TofMonitor) Stop() error {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
		log.Printf("sensors: tof stop timed out")
	}
	return t.bus.Close()
}

// Close implements registry.Closer.
func (t *TofMonitor) Close() error { return t.Stop() }
