package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRMSOfSilenceIsZero(t *testing.T) {
	assert.Equal(t, float32(0), RMS(make([]float32, 100)))
}

func TestRMSOfConstantSignal(t *testing.T) {
	samples := make([]float32, 10)
	for i := range samples {
		samples[i] = 0.5
	}
	assert.InDelta(t, 0.5, RMS(samples), 1e-6)
}

func TestNoiseGateZeroesQuietBlock(t *testing.T) {
	samples := []float32{0.001, -0.001, 0.0005}
	NoiseGate(samples, 0.01)
	for _, s := range samples {
		assert.Equal(t, float32(0), s)
	}
}

func TestNoiseGatePassesLoudBlock(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.5}
	orig := append([]float32(nil), samples...)
	NoiseGate(samples, 0.01)
	assert.Equal(t, orig, samples)
}

func TestAGCMovesTowardTarget(t *testing.T) {
	samples := []float32{0.01, -0.01, 0.01, -0.01}
	AGC(samples, 0.5, 0.1, 100)
	assert.InDelta(t, 0.5, RMS(samples), 0.05)
}

func TestSoftLimitStaysInRange(t *testing.T) {
	samples := []float32{2, -3, 0.1, -0.1}
	SoftLimit(samples, 2)
	for _, s := range samples {
		assert.LessOrEqual(t, float64(s), 1.0001)
		assert.GreaterOrEqual(t, float64(s), -1.0001)
	}
}

func TestToInt16ClipsAtBoundaries(t *testing.T) {
	out := ToInt16([]float32{2, -2, 0})
	assert.Equal(t, int16(32767), out[0])
	assert.Equal(t, int16(-32767), out[1])
	assert.Equal(t, int16(0), out[2])
}

func TestInt16RoundTripIsApproximatelyLossless(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(rt, "n")
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = float32(rapid.Float64Range(-1, 1).Draw(rt, "sample"))
		}
		back := FromInt16(ToInt16(samples))
		for i := range samples {
			assert.InDelta(rt, samples[i], back[i], 1.0/32767+1e-4)
		}
	})
}

func TestResampleIdentityWhenRatesMatch(t *testing.T) {
	samples := []float32{0.1, 0.2, 0.3}
	assert.Equal(t, samples, Resample(samples, 16000, 16000))
}

func TestResamplePreservesApproximateDuration(t *testing.T) {
	samples := make([]float32, 1600) // 100ms at 16kHz
	out := Resample(samples, 16000, 48000)
	assert.InDelta(t, 4800, len(out), 2)
}

func TestRemixMonoToStereoDuplicatesChannel(t *testing.T) {
	out := Remix([]float32{0.3, 0.6}, 1, 2)
	assert.Equal(t, []float32{0.3, 0.3, 0.6, 0.6}, out)
}

func TestRemixStereoToMonoTakesLeft(t *testing.T) {
	out := Remix([]float32{0.2, 0.4}, 2, 1)
	assert.InDelta(t, 0.2, out[0], 1e-6)
}

func TestSoftLimitZeroStaysZero(t *testing.T) {
	samples := []float32{0, 0, 0}
	SoftLimit(samples, 3)
	for _, s := range samples {
		assert.Equal(t, float32(0), s)
	}
}
