package audio

import (
	"encoding/binary"
	"testing"
)

type wavBuilder struct {
	data []byte
}

func newWAV() *wavBuilder {
	b := &wavBuilder{}
	b.data = append(b.data, "RIFF\x00\x00\x00\x00WAVE"...)
	return b
}

func (b *wavBuilder) chunk(id string, body []byte) *wavBuilder {
	b.data = append(b.data, id...)
	b.data = binary.LittleEndian.AppendUint32(b.data, uint32(len(body)))
	b.data = append(b.data, body...)
	if len(body)%2 == 1 {
		b.data = append(b.data, 0) // word alignment pad
	}
	return b
}

func (b *wavBuilder) fmtChunk(format, channels uint16, sampleRate uint32, bits uint16) *wavBuilder {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint16(body[0:], format)
	binary.LittleEndian.PutUint16(body[2:], channels)
	binary.LittleEndian.PutUint32(body[4:], sampleRate)
	binary.LittleEndian.PutUint32(body[8:], sampleRate*uint32(channels)*uint32(bits)/8)
	binary.LittleEndian.PutUint16(body[12:], channels*bits/8)
	binary.LittleEndian.PutUint16(body[14:], bits)
	return b.chunk("fmt ", body)
}

func TestParseWAV(t *testing.T) {
	pcm := []int16{100, -100, 32767, -32768}
	wav := newWAV().
		fmtChunk(1, 2, 48000, 16).
		chunk("data", Int16ToBytes(pcm)).
		data

	got, err := ParseWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if got.SampleRate != 48000 || got.Channels != 2 {
		t.Errorf("format = %dHz/%dch, want 48000Hz/2ch", got.SampleRate, got.Channels)
	}
	if len(got.PCM) != len(pcm) {
		t.Fatalf("pcm length = %d, want %d", len(got.PCM), len(pcm))
	}
	for i := range pcm {
		if got.PCM[i] != pcm[i] {
			t.Errorf("pcm[%d] = %d, want %d", i, got.PCM[i], pcm[i])
		}
	}
}

func TestParseWAVSkipsForeignChunks(t *testing.T) {
	pcm := []int16{1, 2, 3}
	wav := newWAV().
		chunk("LIST", []byte("metadata goes here")).
		fmtChunk(1, 1, 24000, 16).
		chunk("junk", []byte{0xDE, 0xAD, 0xBE}). // odd size, exercises padding
		chunk("data", Int16ToBytes(pcm)).
		data

	got, err := ParseWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if got.SampleRate != 24000 || got.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 24000Hz/1ch", got.SampleRate, got.Channels)
	}
	if len(got.PCM) != 3 {
		t.Errorf("pcm length = %d, want 3", len(got.PCM))
	}
}

func TestParseWAVErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("ID3\x03rest of an mp3 file.....")},
		{"missing data chunk", newWAV().fmtChunk(1, 2, 48000, 16).data},
		{"missing fmt chunk", newWAV().chunk("data", []byte{0, 0}).data},
		{"float format", newWAV().fmtChunk(3, 2, 48000, 32).chunk("data", []byte{0, 0, 0, 0}).data},
		{"8 bit samples", newWAV().fmtChunk(1, 1, 48000, 8).chunk("data", []byte{0}).data},
		{
			"truncated chunk",
			append(newWAV().data, 'd', 'a', 't', 'a', 0xFF, 0xFF, 0x00, 0x00),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWAV(tc.data); err == nil {
				t.Error("malformed buffer accepted")
			}
		})
	}
}
