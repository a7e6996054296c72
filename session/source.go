package session

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"voxbridge/audio"
	"voxbridge/media"
)

const (
	frameSamples = 960                // per channel, 20ms at 48kHz
	frameTotal   = frameSamples * 2   // interleaved stereo
	maxOpusBytes = 128000
)

// newSource builds a playback source for one play command. Raw PCM and
// WAV go through the opus encoder with live gain; Ogg Opus containers are
// passed through frame by frame without re-encoding (and therefore
// without gain control).
func newSource(data []byte, format string) (media.Source, error) {
	switch format {
	case "pcm", "raw":
		return newPCMSource(audio.BytesToInt16(data))
	case "wav":
		wav, err := audio.ParseWAV(data)
		if err != nil {
			return nil, fmt.Errorf("parse wav: %w", err)
		}
		pcm, err := audio.Normalize48kStereo(wav.PCM, wav.SampleRate, wav.Channels)
		if err != nil {
			return nil, fmt.Errorf("normalize wav: %w", err)
		}
		return newPCMSource(pcm)
	case "ogg", "opus":
		frames, err := audio.OpusPackets(data)
		if err != nil {
			return nil, fmt.Errorf("parse ogg: %w", err)
		}
		return &oggSource{frames: frames}, nil
	default:
		return nil, fmt.Errorf("unknown playback format %q", format)
	}
}

// frameEncoder is the slice of the opus encoder the PCM source needs;
// tests substitute a fake.
type frameEncoder interface {
	Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error)
}

// pcmSource encodes 48kHz stereo PCM into 20ms opus frames on demand,
// applying the current gain to each frame as it leaves. It implements
// media.GainSource, which is what makes faded stops possible.
type pcmSource struct {
	mu   sync.Mutex
	pcm  []int16
	pos  int
	gain float64
	enc  frameEncoder
}

func newPCMSource(pcm []int16) (*pcmSource, error) {
	enc, err := gopus.NewEncoder(48000, 2, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &pcmSource{pcm: pcm, gain: 1.0, enc: enc}, nil
}

func (p *pcmSource) Next() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pos < len(p.pcm) {
		frame := make([]int16, frameTotal)
		n := copy(frame, p.pcm[p.pos:])
		p.pos += n

		audio.ApplyGain(frame, p.gain)

		opus, err := p.enc.Encode(frame, frameSamples, maxOpusBytes)
		if err != nil {
			// A failed frame is dropped, not fatal; move on to the
			// next one.
			continue
		}
		return opus, true
	}
	return nil, false
}

func (p *pcmSource) SetGain(gain float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gain < 0 {
		gain = 0
	}
	p.gain = gain
}

func (p *pcmSource) Gain() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gain
}

// oggSource replays pre-encoded opus frames from a container.
type oggSource struct {
	frames [][]byte
	pos    int
}

func (o *oggSource) Next() ([]byte, bool) {
	if o.pos >= len(o.frames) {
		return nil, false
	}
	f := o.frames[o.pos]
	o.pos++
	return f, true
}
