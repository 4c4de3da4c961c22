package audio

import "math"

// ApplyGain multiplies every sample by gain in place.
func ApplyGain(samples []float32, gain float32) {
	for i := range samples {
		samples[i] *= gain
	}
}

// NoiseGate zeroes the whole block when its RMS falls below threshold, so
// idle-channel hiss never reaches the AGC stage.
func NoiseGate(samples []float32, threshold float32) {
	if RMS(samples) < threshold {
		for i := range samples {
			samples[i] = 0
		}
	}
}

// RMS computes the root-mean-square of samples.
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// AGC applies automatic gain control, scaling samples so their RMS moves
// toward targetRMS, clamped to [minGain, maxGain] so a noise floor is never
// amplified into clipping.
func AGC(samples []float32, targetRMS, minGain, maxGain float32) {
	rms := RMS(samples)
	if rms <= 0 {
		return
	}
	gain := targetRMS / rms
	if gain < minGain {
		gain = minGain
	}
	if gain > maxGain {
		gain = maxGain
	}
	ApplyGain(samples, gain)
}

// SoftLimit applies a tanh soft limiter to tame post-AGC peaks before int16
// conversion: y = tanh(drive*x) / tanh(drive).
func SoftLimit(samples []float32, drive float32) {
	if drive <= 0 {
		drive = 1
	}
	norm := float32(math.Tanh(float64(drive)))
	if norm == 0 {
		return
	}
	for i, x := range samples {
		samples[i] = float32(math.Tanh(float64(drive*x))) / norm
	}
}

// ToInt16 clips and converts float32 PCM in [-1, 1] to int16.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// FromInt16 converts int16 PCM to float32 in [-1, 1].
func FromInt16(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Resample performs linear-interpolation resampling from inRate to outRate.
// Adequate for speech-band PCM.
func Resample(samples []float32, inRate, outRate int) []float32 {
	if inRate == outRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(float64(len(samples)) * ratio)
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		out[i] = samples[i0]*(1-frac) + samples[i0+1]*frac
	}
	return out
}

// Remix downmixes or upmixes a single block of interleaved samples from
// inChannels to outChannels. Mono<->stereo only: mono→stereo duplicates
// the channel, stereo→mono takes the left channel.
func Remix(samples []float32, inChannels, outChannels int) []float32 {
	if inChannels == outChannels || inChannels == 0 || outChannels == 0 {
		return samples
	}
	frames := len(samples) / inChannels
	out := make([]float32, frames*outChannels)
	for f := 0; f < frames; f++ {
		if inChannels == 1 && outChannels == 2 {
			v := samples[f]
			out[f*2] = v
			out[f*2+1] = v
			continue
		}
		if inChannels == 2 && outChannels == 1 {
			out[f] = samples[f*2]
			continue
		}
		// Unsupported channel combination: pass through what fits.
		for c := 0; c < outChannels && c < inChannels; c++ {
			out[f*outChannels+c] = samples[f*inChannels+c]
		}
	}
	return out
}
