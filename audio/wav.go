package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVData is the decoded payload of a RIFF/WAVE buffer.
type WAVData struct {
	PCM        []int16
	SampleRate int
	Channels   int
}

// ParseWAV decodes a 16-bit PCM RIFF/WAVE buffer. Only uncompressed PCM
// (format tag 1) is accepted; everything else the control process should
// have transcoded before handing it over.
func ParseWAV(data []byte) (*WAVData, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) ||
		!bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, fmt.Errorf("not a RIFF/WAVE buffer")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		haveFmt    bool
		pcmBytes   []byte
	)

	// Walk the chunk list; fmt and data are the only chunks we care about.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			return nil, fmt.Errorf("truncated %q chunk", id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, fmt.Errorf("unsupported WAV format tag %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			pcmBytes = data[body : body+size]
		}

		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if pcmBytes == nil {
		return nil, fmt.Errorf("missing data chunk")
	}
	if bits != 16 {
		return nil, fmt.Errorf("unsupported sample width %d bits (want 16)", bits)
	}

	return &WAVData{
		PCM:        BytesToInt16(pcmBytes),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
