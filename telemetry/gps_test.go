package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNMEADecodesActiveRMCSentence(t *testing.T) {
	fix, ok := parseNMEA("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A")
	require.True(t, ok)
	assert.InDelta(t, 48.1173, fix.Latitude, 0.0001)
	assert.InDelta(t, 11.5167, fix.Longitude, 0.0001)
	assert.InDelta(t, 22.4*1.852, fix.SpeedKMH, 0.01)
}

func TestParseNMEARejectsVoidFix(t *testing.T) {
	_, ok := parseNMEA("$GPRMC,000000,V,0000.0000,0,00000.0000,0,000,000,000000,,*01")
	assert.False(t, ok)
}

func TestParseNMEAIgnoresOtherSentences(t *testing.T) {
	_, ok := parseNMEA("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47")
	assert.False(t, ok)
}

func TestNmeaToDecimalSouthernAndWesternHemispheres(t *testing.T) {
	lat, ok := nmeaToDecimal("4807.038", "S", 2)
	require.True(t, ok)
	assert.InDelta(t, -48.1173, lat, 0.0001)

	lon, ok := nmeaToDecimal("01131.000", "W", 3)
	require.True(t, ok)
	assert.InDelta(t, -11.5167, lon, 0.0001)
}

func TestNmeaToDecimalRejectsGarbage(t *testing.T) {
	_, ok := nmeaToDecimal("xx07.038", "N", 2)
	assert.False(t, ok)
	_, ok = nmeaToDecimal("4807.038", "", 2)
	assert.False(t, ok)
	_, ok = nmeaToDecimal("48", "N", 2)
	assert.False(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gps_lastfix.json")
	g := &GPSService{cfg: GPSConfig{SnapshotPath: path}}

	in := Fix{Latitude: 48.11730, Longitude: 11.51666, SpeedKMH: 4.2, Time: time.Unix(1700000000, 0)}
	g.saveSnapshot(in)

	out, ok := LoadLastFix(path)
	require.True(t, ok)
	assert.InDelta(t, in.Latitude, out.Latitude, 1e-9)
	assert.InDelta(t, in.Longitude, out.Longitude, 1e-9)
	assert.InDelta(t, in.SpeedKMH, out.SpeedKMH, 1e-9)
}

func TestLoadLastFixMissingFile(t *testing.T) {
	_, ok := LoadLastFix(filepath.Join(t.TempDir(), "nope.json"))
	assert.False(t, ok)
}

func TestDistanceMetersKnownBaseline(t *testing.T) {
	a := Fix{Latitude: 0, Longitude: 0}
	b := Fix{Latitude: 0, Longitude: 1}
	// One degree of longitude at the equator is ~111.2km.
	assert.InDelta(t, 111195, DistanceMeters(a, b), 200)
}
