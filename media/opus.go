package media

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxFrameSamples covers a 120ms frame at 48kHz stereo, the largest a
// conformant opus packet can carry.
const maxFrameSamples = 5760 * 2

type opusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder is the production DecoderFactory: a libopus decoder
// producing 48kHz stereo PCM.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(48000, 2)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec: dec,
		buf: make([]int16, maxFrameSamples),
	}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]int16, error) {
	n, err := d.dec.Decode(data, d.buf)
	if err != nil {
		return nil, fmt.Errorf("decode opus frame: %w", err)
	}
	out := make([]int16, n*2)
	copy(out, d.buf[:n*2])
	return out, nil
}

func (d *opusDecoder) Close() {}
