// Command device is the wearable's runtime entry point: it wires the
// registry, broker session, signaling router, call coordinator, and every
// telemetry/sensor publisher together and runs until terminated.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/blindhelper/rcc-device/audio"
	"github.com/blindhelper/rcc-device/broker"
	"github.com/blindhelper/rcc-device/call"
	"github.com/blindhelper/rcc-device/camera"
	"github.com/blindhelper/rcc-device/config"
	"github.com/blindhelper/rcc-device/reassembly"
	"github.com/blindhelper/rcc-device/registry"
	"github.com/blindhelper/rcc-device/sensors"
	"github.com/blindhelper/rcc-device/signaling"
	"github.com/blindhelper/rcc-device/sms"
	"github.com/blindhelper/rcc-device/telemetry"
	"github.com/blindhelper/rcc-device/vap"
	"github.com/blindhelper/rcc-device/webrtcpeer"
	"github.com/blindhelper/rcc-device/wire"
)

func main() {
	minimal := pflag.Bool("minimal", false, "skip GPS/segmentation/obstacle telemetry; keep only the call path")
	cameraPipeline := pflag.String("camera-pipeline", "v4l2src device=/dev/video0 ! videoconvert ! appsink", "GStreamer capture pipeline")
	i2cBus := pflag.String("i2c-bus", "", "I2C bus name for the ToF sensor (blank = first available)")
	gpioChip := pflag.String("gpio-chip", "gpiochip0", "GPIO chip for the SOS button")
	sosLine := pflag.Int("sos-line", 17, "GPIO line offset for the SOS button")
	stopSound := pflag.String("stop-sound", "/usr/share/rcc-device/sounds/stop.pcm", "PCM asset played on an obstacle alert")
	pflag.Parse()

	cfg := config.Default()
	effectiveMinimal := *minimal || cfg.Minimal

	reg := registry.New()
	defer func() {
		for _, err := range reg.Teardown() {
			log.Printf("device: teardown error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := wire.NewTopics(cfg.DeviceID)

	session := broker.New(cfg.BrokerURL)
	reg.Register("broker", session)
	session.Connect(ctx)

	publish := session.Publish

	micBlockFrames := cfg.AudioSampleRate * cfg.AudioChunkMS / 1000

	outIdx, err := audio.OpenOutputWithRetry("USB Audio Device", 3, 500*time.Millisecond)
	if err != nil {
		log.Printf("device: no USB audio output, using default device: %v", err)
		outIdx = -1
	}
	playback := audio.NewPlaybackStream(outIdx, cfg.AudioSampleRate, 1, micBlockFrames)
	if err := playback.Start(); err != nil {
		log.Fatalf("device: start playback: %v", err)
	}
	reg.Register("playback", playback)

	var cam *camera.Camera
	var videoSource webrtcpeer.VideoSource
	if c, err := camera.Open(*cameraPipeline, 10, 2*time.Second); err != nil {
		log.Printf("device: camera unavailable, continuing without video: %v", err)
	} else {
		cam = c
		videoSource = c
		cam.Run()
		reg.Register("camera", cam)
	}

	vapPipeline := vap.New(vap.Config{
		Topic:             topics.STT,
		DeviceID:          cfg.DeviceID,
		MicIndex:          cfg.MicIndex,
		Channels:          1,
		BlockFrames:       micBlockFrames,
		SampleRate:        cfg.AudioSampleRate,
		SilenceThreshold:  float32(cfg.SilenceThreshold),
		SilenceDuration:   cfg.SilenceDuration,
		MinSpeechDuration: cfg.MinSpeechDuration,
	}, publish)
	if err := vapPipeline.Run(); err != nil {
		log.Fatalf("device: start voice activity pipeline: %v", err)
	}
	reg.Register("vap", vapPipeline)

	reassembler := reassembly.New(playback, cfg.AudioSampleRate, 1, cfg.DebugWAV, os.TempDir())
	reg.Register("reassembly", reassembler)

	peerCfg := webrtcpeer.Config{
		Topics:          topics,
		TURNURL:         cfg.TurnCredentialsURL,
		TURNAPIKey:      cfg.TurnAPIKey,
		VideoFPS:        10,
		AudioBlock:      time.Duration(cfg.AudioChunkMS) * time.Millisecond,
		AudioSampleRate: cfg.AudioSampleRate,
		AudioChannels:   1,
		MicIndex:        cfg.MicIndex,
		MicBlockFrames:  micBlockFrames,
		MicGain:         float32(cfg.MicrophoneGain),
		MicNoiseGate:    float32(cfg.MicrophoneNoiseGate),
	}

	// coordinator is assigned after construction; newPeer only runs once
	// beginCall fires, by which point it's set.
	var coordinator *call.Coordinator
	newPeer := func() *webrtcpeer.Peer {
		return webrtcpeer.New(peerCfg, publish, videoSource, playback, func() {
			coordinator.HangUp()
		})
	}

	coordinator = call.New(vapPipeline, newPeer)
	reg.Register("call", coordinator)

	modem, err := sms.Open("/dev/ttyUSB2", 115200)
	if err != nil {
		log.Printf("device: sms modem unavailable: %v", err)
	} else {
		reg.Register("sms", modem)
	}

	router := signaling.New(topics, signaling.Handlers{
		OnAudioChunk: reassembler.HandleChunk,
		OnCommand: func(c wire.CommandPayload) {
			if c.Command == "send_sms" && modem != nil {
				if err := modem.SendSMS(c.PhoneNumber, c.Message); err != nil {
					log.Printf("device: send_sms failed: %v", err)
				}
			}
		},
		OnOffer:     func(o wire.OfferPayload) { coordinator.HandleOffer(ctx, o) },
		OnAnswer:    coordinator.HandleAnswer,
		OnCandidate: coordinator.HandleCandidate,
	}, 4)

	session.Subscribe(topics.Audio, router.Route)
	session.Subscribe(topics.Command, router.Route)
	session.Subscribe(topics.Offer, router.Route)
	session.Subscribe(topics.Answer, router.Route)
	session.Subscribe(topics.Candidate, router.Route)

	stopPing := make(chan struct{})
	go telemetry.StartPing(topics.Ping, cfg.DeviceID, 30*time.Second, publish, stopPing)

	if !effectiveMinimal {
		gpsService := telemetry.NewGPSService(telemetry.GPSConfig{
			Port:          cfg.GPSPort,
			BaudRate:      cfg.BaudRate,
			SnapshotPath:  "/var/lib/rcc-device/gps_lastfix.json",
			HistoryDir:    "/var/lib/rcc-device",
			PublishEvery:  5 * time.Second,
			SnapshotEvery: 10 * time.Second,
			HistoryEvery:  5 * time.Second,
			Topic:         topics.GPS,
		}, publish)
		gpsService.Run()
		reg.Register("gps", gpsService)

		if cam != nil {
			seg := telemetry.NewSegmentationUploader(telemetry.SegmentationConfig{
				ServerHTTPBase:  cfg.ServerHTTPBase,
				DiffThreshold:   cfg.DiffThreshold,
				SendIntervalMin: cfg.SendIntervalMin,
				SendIntervalMax: cfg.SendIntervalMax,
				PlaySound: func(path string) {
					if err := audio.PlayFile(path, outIdx, cfg.AudioSampleRate, 1); err != nil {
						log.Printf("device: play segmentation warning failed: %v", err)
					}
				},
			}, cam)
			seg.Run(ctx)
			reg.Register("segmentation", seg)

			tof := sensors.NewTofMonitor(*i2cBus, sensors.DetectConfig{
				ServerHTTPBase: cfg.ServerHTTPBase,
				StopSoundPath:  *stopSound,
				OutputDevice:   outIdx,
				SampleRate:     cfg.AudioSampleRate,
				Channels:       1,
				DeviceID:       cfg.DeviceID,
				ObstacleTopic:  topics.Obstacle,
			}, cam, publish)
			tof.Run(ctx)
			reg.Register("tof", tof)
		}
	}

	sosButton, err := sensors.NewSOSButton(*gpioChip, *sosLine, func() {
		coordinator.InitiateSOS(ctx)
	})
	if err != nil {
		log.Printf("device: sos button unavailable: %v", err)
	} else {
		reg.Register("sos-button", sosButton)
	}

	log.Printf("device: %s running (minimal=%v)", cfg.DeviceID, effectiveMinimal)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("device: shutting down")
	close(stopPing)
	coordinator.HangUp()
}
