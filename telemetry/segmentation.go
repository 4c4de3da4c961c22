package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"gocv.io/x/gocv"
)

// segMinInterval/segMaxInterval bound the adaptive send cadence: intervals
// shrink toward segMinInterval when consecutive frames differ a lot (scene
// changing fast) and grow toward segMaxInterval when they don't, keeping
// uplink spend proportional to how much the scene actually changes.
const (
	segMinInterval = 2 * time.Second
	segMaxInterval = 10 * time.Second

	// frameGap separates the two frames each cycle compares.
	frameGap = time.Second
)

// FrameSource is the subset of camera.Camera the segmentation uploader
// needs.
type FrameSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// SegmentationConfig tunes the uploader. PlaySound, if set, is invoked with
// the warning asset path the server returns for an unsafe scene.
type SegmentationConfig struct {
	ServerHTTPBase  string
	DiffThreshold   float64
	SendIntervalMin time.Duration
	SendIntervalMax time.Duration
	PlaySound       func(path string)
}

// SegmentationUploader periodically JPEG-encodes the latest camera frame
// and POSTs it to the server's /segment endpoint when the scene has changed
// enough to be worth spending bandwidth on, playing the returned warning
// asset when the server flags the scene unsafe.
type SegmentationUploader struct {
	cfg    SegmentationConfig
	src    FrameSource
	client *http.Client

	stop chan struct{}
	done chan struct{}
}

// NewSegmentationUploader constructs an unstarted uploader.
func NewSegmentationUploader(cfg SegmentationConfig, src FrameSource) *SegmentationUploader {
	if cfg.SendIntervalMin <= 0 {
		cfg.SendIntervalMin = segMinInterval
	}
	if cfg.SendIntervalMax <= 0 {
		cfg.SendIntervalMax = segMaxInterval
	}
	return &SegmentationUploader{
		cfg:    cfg,
		src:    src,
		client: &http.Client{Timeout: 5 * time.Second},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run starts the adaptive-interval upload loop.
func (s *SegmentationUploader) Run(ctx context.Context) {
	go s.loop(ctx)
}

// loop grabs a reference frame, waits frameGap, grabs the current frame,
// and uploads the current one when the two differ beyond DiffThreshold. The
// interval between cycles decays by 0.8 toward SendIntervalMin on a
// difference and grows by 1.2 toward SendIntervalMax otherwise.
func (s *SegmentationUploader) loop(ctx context.Context) {
	defer close(s.done)
	interval := s.cfg.SendIntervalMin

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		ref, ok := s.src.LatestFrame()
		if !ok {
			continue
		}

		select {
		case <-s.stop:
			ref.Close()
			return
		case <-ctx.Done():
			ref.Close()
			return
		case <-time.After(frameGap):
		}

		cur, ok := s.src.LatestFrame()
		if !ok {
			ref.Close()
			continue
		}

		changed := frameDiff(ref, cur) > s.cfg.DiffThreshold
		ref.Close()
		if changed {
			s.upload(ctx, cur)
			interval = maxDuration(s.cfg.SendIntervalMin, interval*8/10)
		} else {
			interval = minDuration(s.cfg.SendIntervalMax, interval*12/10)
		}
		cur.Close()
	}
}

// frameDiff returns the mean absolute pixel difference between two BGR
// frames, computed on a 64x64 downscale so a shaky pixel-level change in a
// static scene doesn't read as movement.
func frameDiff(a, b gocv.Mat) float64 {
	if a.Empty() || b.Empty() {
		return 255
	}
	small := image.Point{X: 64, Y: 64}
	sa := gocv.NewMat()
	defer sa.Close()
	sb := gocv.NewMat()
	defer sb.Close()
	gocv.Resize(a, &sa, small, 0, 0, gocv.InterpolationArea)
	gocv.Resize(b, &sb, small, 0, 0, gocv.InterpolationArea)

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(sa, sb, &diff)
	mean := diff.Mean()
	return (mean.Val1 + mean.Val2 + mean.Val3) / 3
}

// segmentResponse mirrors the {success?, data:{is_safe?, audio_file?}} body
// the segment endpoint returns.
type segmentResponse struct {
	Success bool `json:"success"`
	Data    struct {
		IsSafe    bool   `json:"is_safe"`
		AudioFile string `json:"audio_file"`
	} `json:"data"`
}

func (s *SegmentationUploader) upload(ctx context.Context, frame gocv.Mat) {
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		log.Printf("telemetry: segmentation jpeg encode failed: %v", err)
		return
	}
	defer buf.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		log.Printf("telemetry: build segmentation form failed: %v", err)
		return
	}
	if _, err := part.Write(buf.GetBytes()); err != nil {
		log.Printf("telemetry: write segmentation form failed: %v", err)
		return
	}
	w.Close()

	url := fmt.Sprintf("%s/segment", s.cfg.ServerHTTPBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		log.Printf("telemetry: build segmentation request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("telemetry: segmentation upload failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return
	}

	var result segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("telemetry: segmentation response decode failed: %v", err)
		return
	}
	if !result.Data.IsSafe && result.Data.AudioFile != "" && s.cfg.PlaySound != nil {
		s.cfg.PlaySound(result.Data.AudioFile)
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Stop ends the upload loop.
func (s *SegmentationUploader) Stop() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

// Close implements registry.Closer.
func (s *SegmentationUploader) Close() error { return s.Stop() }
