package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Archiver writes sealed speech segments to disk as Ogg Opus files, one
// file per segment, grouped by guild. It is optional; a nil *Archiver is
// a no-op sink.
type Archiver struct {
	dir string
	log *log.Logger
}

func NewArchiver(dir string, logger *log.Logger) *Archiver {
	if dir == "" {
		return nil
	}
	return &Archiver{dir: dir, log: logger}
}

// WriteSegment stores the opus frames of one segment. Frames are assumed
// to be contiguous 20ms packets; segments are silence-bounded upstream, so
// no gap filling is needed here.
func (a *Archiver) WriteSegment(guildID, segmentID string, frames [][]byte) error {
	if a == nil || len(frames) == 0 {
		return nil
	}

	dir := filepath.Join(a.dir, guildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(dir, segmentID+".ogg")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	writer, err := oggwriter.NewWith(f, 48000, 2)
	if err != nil {
		return fmt.Errorf("create OGG writer: %w", err)
	}

	for i, frame := range frames {
		err := writer.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
			},
			Payload: frame,
		})
		if err != nil {
			return fmt.Errorf("write opus packet: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("close OGG writer: %w", err)
	}

	a.log.Debug("archived segment", "path", path, "frames", len(frames))
	return nil
}
