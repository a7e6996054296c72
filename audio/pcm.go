package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RMS computes the root-mean-square amplitude of 16-bit PCM samples. It is
// the same cheap voice-activity proxy the control process uses for its own
// silence gating, so thresholds are comparable across both ends.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// ApplyGain scales samples in place, clamping at the int16 range.
func ApplyGain(pcm []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range pcm {
		v := float64(s) * gain
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		pcm[i] = int16(v)
	}
}

// BytesToInt16 reinterprets little-endian 16-bit PCM bytes as samples.
// A trailing odd byte is dropped.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Normalize48kStereo converts PCM at any sample rate and channel layout
// into the 48kHz stereo interleaved layout the voice transport expects.
// Mono is duplicated across both channels; other rates, 44.1kHz and
// 22.05kHz TTS output included, are resampled by linear interpolation
// (good enough for synthesized speech, which is what flows through here).
func Normalize48kStereo(pcm []int16, sampleRate, channels int) ([]int16, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("unsupported sample rate %d", sampleRate)
	}

	if channels == 2 && sampleRate == 48000 {
		return pcm, nil
	}

	frames := len(pcm) / channels
	outFrames := frames * 48000 / sampleRate
	step := float64(sampleRate) / 48000.0

	out := make([]int16, 0, outFrames*2)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := j + 1
		if k >= frames {
			k = frames - 1
		}

		var l, r int16
		if channels == 1 {
			l = lerp(pcm[j], pcm[k], frac)
			r = l
		} else {
			l = lerp(pcm[j*2], pcm[k*2], frac)
			r = lerp(pcm[j*2+1], pcm[k*2+1], frac)
		}
		out = append(out, l, r)
	}
	return out, nil
}

func lerp(a, b int16, frac float64) int16 {
	return int16(float64(a) + (float64(b)-float64(a))*frac)
}
