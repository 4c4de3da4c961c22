// Package camera runs a background capture loop feeding a single-slot
// latest-frame buffer, with auto-reconnect after a run of consecutive read
// failures.
package camera

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Camera runs a background capture loop over a GStreamer pipeline string.
type Camera struct {
	pipeline        string
	maxFailures     int
	reconnectDelay  time.Duration
	mu              sync.Mutex
	cap             *gocv.VideoCapture
	latest          gocv.Mat
	hasFrame        bool
	stop            chan struct{}
	stopped         chan struct{}
	consecutiveFail int
}

// Open opens the capture device. maxFailures is the number of consecutive
// read failures (default 10) before the handle is released and reopened
// after reconnectDelay.
func Open(pipeline string, maxFailures int, reconnectDelay time.Duration) (*Camera, error) {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	cap, err := gocv.OpenVideoCaptureWithAPI(pipeline, gocv.VideoCaptureGstreamer)
	if err != nil {
		return nil, fmt.Errorf("camera: open %q: %w", pipeline, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("camera: failed to open %q", pipeline)
	}
	c := &Camera{
		pipeline:       pipeline,
		maxFailures:    maxFailures,
		reconnectDelay: reconnectDelay,
		cap:            cap,
		latest:         gocv.NewMat(),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	return c, nil
}

// Run starts the background capture thread. It returns immediately.
func (c *Camera) Run() {
	go c.loop()
}

func (c *Camera) loop() {
	defer close(c.stopped)
	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.mu.Lock()
		cap := c.cap
		c.mu.Unlock()
		if cap == nil {
			time.Sleep(c.reconnectDelay)
			c.reopen()
			continue
		}

		if ok := cap.Read(&frame); !ok || frame.Empty() {
			c.consecutiveFail++
			if c.consecutiveFail >= c.maxFailures {
				log.Printf("camera: %d consecutive read failures, reopening", c.consecutiveFail)
				c.releaseLocked()
				time.Sleep(c.reconnectDelay)
				c.reopen()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.consecutiveFail = 0

		c.mu.Lock()
		frame.CopyTo(&c.latest)
		c.hasFrame = true
		c.mu.Unlock()
	}
}

func (c *Camera) releaseLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap != nil {
		c.cap.Close()
		c.cap = nil
	}
}

func (c *Camera) reopen() {
	cap, err := gocv.OpenVideoCaptureWithAPI(c.pipeline, gocv.VideoCaptureGstreamer)
	if err != nil || !cap.IsOpened() {
		log.Printf("camera: reopen %q failed: %v", c.pipeline, err)
		return
	}
	c.mu.Lock()
	c.cap = cap
	c.consecutiveFail = 0
	c.mu.Unlock()
	log.Printf("camera: reopened %q", c.pipeline)
}

// LatestFrame returns the last successfully captured frame as a BGR Mat
// clone (caller owns and must Close it), or ok=false if no frame has
// arrived yet.
func (c *Camera) LatestFrame() (gocv.Mat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasFrame {
		return gocv.NewMat(), false
	}
	out := gocv.NewMat()
	c.latest.CopyTo(&out)
	return out, true
}

// Stop releases the capture thread and device, joining with a 2s bound.
func (c *Camera) Stop() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	select {
	case <-c.stopped:
	case <-time.After(2 * time.Second):
		log.Printf("camera: stop timed out waiting for capture loop")
	}
	c.releaseLocked()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest.Close()
}

// Close implements registry.Closer.
func (c *Camera) Close() error { return c.Stop() }
