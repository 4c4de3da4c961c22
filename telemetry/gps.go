// Package telemetry holds the periodic publishers: GPS fix reporting off a
// serial NMEA receiver, frame-diff segmentation uploads, and the liveness
// ping.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/s2"
	"github.com/lestrrat-go/strftime"
	"github.com/pkg/term"
	"github.com/tzneal/coordconv"

	"github.com/blindhelper/rcc-device/wire"
)

// maxFixJumpMeters rejects a fix implying pedestrian teleportation; a cheap
// receiver emits these when it briefly loses lock.
const maxFixJumpMeters = 1000.0

// gpsCandidatePorts is tried in order when GPS_PORT isn't set.
var gpsCandidatePorts = []string{
	"/dev/ttyTHS1", "/dev/ttyTHS0", "/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyACM0",
}

// Fix is the last decoded GPS fix.
type Fix struct {
	Latitude  float64
	Longitude float64
	SpeedKMH  float64
	Time      time.Time
}

// Publisher sends a payload on the GPS topic.
type Publisher func(topic string, payload interface{}, qos int, retain bool) error

// GPSConfig tunes the serial port and publish cadence.
type GPSConfig struct {
	Port          string // explicit override; empty tries gpsCandidatePorts
	BaudRate      int
	SnapshotPath  string
	HistoryDir    string
	PublishEvery  time.Duration
	SnapshotEvery time.Duration
	HistoryEvery  time.Duration
	Topic         string
}

// GPSService reads NMEA sentences off a serial GPS module and republishes
// fixes on the broker, a local JSON snapshot, and a daily CSV track log.
type GPSService struct {
	cfg     GPSConfig
	publish Publisher

	mu      sync.Mutex
	last    Fix
	haveFix bool

	stop chan struct{}
	done chan struct{}
}

// NewGPSService constructs an unstarted service, restoring the last
// snapshotted fix so position queries have an answer before the receiver
// locks on.
func NewGPSService(cfg GPSConfig, publish Publisher) *GPSService {
	g := &GPSService{cfg: cfg, publish: publish, stop: make(chan struct{}), done: make(chan struct{})}
	if fix, ok := LoadLastFix(cfg.SnapshotPath); ok {
		g.last = fix
		g.haveFix = true
		log.Printf("telemetry: restored last gps fix %.5f,%.5f", fix.Latitude, fix.Longitude)
	}
	return g
}

// Run opens the serial port and starts the read/publish/snapshot loops.
// Reconnects with exponential backoff (1s, 2s, 4s, capped at 5s).
func (g *GPSService) Run() {
	go g.loop()
}

func (g *GPSService) loop() {
	defer close(g.done)
	backoff := time.Second
	for {
		select {
		case <-g.stop:
			return
		default:
		}
		port, err := g.openPort()
		if err != nil {
			log.Printf("telemetry: gps open failed: %v (retry in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-g.stop:
				return
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}
		backoff = time.Second
		g.readUntilError(port)
		port.Close()
	}
}

func (g *GPSService) openPort() (*term.Term, error) {
	candidates := gpsCandidatePorts
	if g.cfg.Port != "" {
		candidates = []string{g.cfg.Port}
	}
	var lastErr error
	for _, p := range candidates {
		t, err := term.Open(p, term.Speed(g.cfg.BaudRate), term.RawMode)
		if err == nil {
			log.Printf("telemetry: gps connected on %s", p)
			return t, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no gps serial port available: %w", lastErr)
}

func (g *GPSService) readUntilError(port *term.Term) {
	scanner := bufio.NewScanner(port)
	lastSnapshot := time.Now()
	lastHistory := time.Now()
	lastPublish := time.Now()

	for scanner.Scan() {
		select {
		case <-g.stop:
			return
		default:
		}
		line := scanner.Text()
		fix, ok := parseNMEA(line)
		if !ok {
			continue
		}
		g.mu.Lock()
		prev, had := g.last, g.haveFix
		g.mu.Unlock()
		if had && fix.Time.Sub(prev.Time) < 10*time.Second && DistanceMeters(prev, fix) > maxFixJumpMeters {
			log.Printf("telemetry: discarding gps fix %.5f,%.5f (impossible jump of %.0fm)",
				fix.Latitude, fix.Longitude, DistanceMeters(prev, fix))
			continue
		}
		if !had {
			log.Printf("telemetry: first gps fix %.5f,%.5f (%s)", fix.Latitude, fix.Longitude, utmString(fix))
		}
		g.mu.Lock()
		g.last = fix
		g.haveFix = true
		g.mu.Unlock()

		now := time.Now()
		if now.Sub(lastPublish) >= g.cfg.PublishEvery {
			g.publishFix(fix)
			lastPublish = now
		}
		if now.Sub(lastSnapshot) >= g.cfg.SnapshotEvery {
			g.saveSnapshot(fix)
			lastSnapshot = now
		}
		if now.Sub(lastHistory) >= g.cfg.HistoryEvery {
			g.appendHistory(fix)
			lastHistory = now
		}
	}
}

// batteryLevel is the reported charge percentage. The board has no fuel
// gauge; a fixed level is reported until one exists.
const batteryLevel = 85

func (g *GPSService) publishFix(fix Fix) {
	report := wire.GPSReport{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		SpeedKMH:  fix.SpeedKMH,
		Pin:       batteryLevel,
	}
	if err := g.publish(g.cfg.Topic, report, 0, false); err != nil {
		log.Printf("telemetry: publish gps fix failed: %v", err)
	}
}

// parseNMEA decodes a GPRMC/GNRMC sentence into a Fix. Unsupported
// sentences return ok=false.
func parseNMEA(line string) (Fix, bool) {
	if !strings.HasPrefix(line, "$GPRMC") && !strings.HasPrefix(line, "$GNRMC") {
		return Fix{}, false
	}
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 9 || fields[2] != "A" { // "A" = active fix, "V" = void
		return Fix{}, false
	}
	lat, ok := nmeaToDecimal(fields[3], fields[4], 2)
	if !ok {
		return Fix{}, false
	}
	lon, ok := nmeaToDecimal(fields[5], fields[6], 3)
	if !ok {
		return Fix{}, false
	}
	knots, err := strconv.ParseFloat(fields[7], 64)
	if err != nil {
		knots = 0
	}
	return Fix{
		Latitude:  lat,
		Longitude: lon,
		SpeedKMH:  knots * 1.852,
		Time:      time.Now(),
	}, true
}

// nmeaToDecimal converts an NMEA ddmm.mmmm (or dddmm.mmmm for longitude,
// degDigits=3) coordinate plus hemisphere letter to decimal degrees.
func nmeaToDecimal(value, hemi string, degDigits int) (float64, bool) {
	if len(value) <= degDigits || hemi == "" {
		return 0, false
	}
	deg, err := strconv.ParseFloat(value[:degDigits], 64)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, false
	}
	out := deg + mins/60.0
	switch hemi {
	case "N", "E":
	case "S", "W":
		out = -out
	default:
		return 0, false
	}
	return out, true
}

// utmString renders a fix as a UTM grid reference for the first-fix log
// line, readable by rescue services that work in grid coordinates.
func utmString(fix Fix) string {
	coord, err := coordconv.DefaultUTMConverter.ConvertFromGeodetic(
		s2.LatLngFromDegrees(fix.Latitude, fix.Longitude), 0)
	if err != nil {
		return "utm unavailable"
	}
	return fmt.Sprintf("utm zone %d easting %.0f northing %.0f", coord.Zone, coord.Easting, coord.Northing)
}

// fixSnapshot is the on-disk shape of gps_lastfix.json.
type fixSnapshot struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKMH  float64 `json:"speed_kmh"`
	Timestamp int64   `json:"ts"`
}

// saveSnapshot atomically replaces the last-fix file (write temp, rename),
// so a crash mid-write never leaves a truncated snapshot.
func (g *GPSService) saveSnapshot(fix Fix) {
	body, err := json.Marshal(fixSnapshot{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		SpeedKMH:  fix.SpeedKMH,
		Timestamp: fix.Time.Unix(),
	})
	if err != nil {
		log.Printf("telemetry: gps snapshot marshal failed: %v", err)
		return
	}
	tmp := g.cfg.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		log.Printf("telemetry: gps snapshot write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, g.cfg.SnapshotPath); err != nil {
		log.Printf("telemetry: gps snapshot rename failed: %v", err)
	}
}

// LoadLastFix restores the snapshotted fix from a previous run, ok=false if
// none was ever written or it doesn't parse.
func LoadLastFix(path string) (Fix, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fix{}, false
	}
	var snap fixSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Fix{}, false
	}
	return Fix{
		Latitude:  snap.Latitude,
		Longitude: snap.Longitude,
		SpeedKMH:  snap.SpeedKMH,
		Time:      time.Unix(snap.Timestamp, 0),
	}, true
}

func (g *GPSService) appendHistory(fix Fix) {
	pattern, err := strftime.New("gps_track_%Y-%m-%d.csv")
	if err != nil {
		log.Printf("telemetry: strftime pattern error: %v", err)
		return
	}
	name := pattern.FormatString(fix.Time)
	path := g.cfg.HistoryDir + "/" + name

	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("telemetry: gps history open failed: %v", err)
		return
	}
	defer f.Close()

	if needsHeader {
		fmt.Fprintln(f, "Timestamp,Date,Time,Latitude,Longitude,Speed_KMH")
	}
	fmt.Fprintf(f, "%d,%s,%s,%f,%f,%f\n",
		fix.Time.Unix(), fix.Time.Format("2006-01-02"), fix.Time.Format("15:04:05"),
		fix.Latitude, fix.Longitude, fix.SpeedKMH)
}

// DistanceMeters cross-checks two fixes with a spherical distance
// calculation (golang/geo's s2), used to sanity-reject a fix that implies
// an impossible jump since the last one.
func DistanceMeters(a, b Fix) float64 {
	const earthRadiusMeters = 6371000.0
	p1 := s2.LatLngFromDegrees(a.Latitude, a.Longitude)
	p2 := s2.LatLngFromDegrees(b.Latitude, b.Longitude)
	return p1.Distance(p2).Radians() * earthRadiusMeters
}

// LastFix returns the most recently parsed fix, if any.
func (g *GPSService) LastFix() (Fix, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.haveFix
}

// Stop ends the read loop, joining with a 2s bound.
func (g *GPSService) Stop() error {
	select {
	case <-g.stop:
	default:
		close(g.stop)
	}
	select {
	case <-g.done:
	case <-time.After(2 * time.Second):
		log.Printf("telemetry: gps stop timed out")
	}
	return nil
}

// Close implements registry.Closer.
func (g *GPSService) Close() error { return g.Stop() }
