package audio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNilArchiverIsNoop(t *testing.T) {
	a := NewArchiver("", log.New(io.Discard))
	if a != nil {
		t.Fatal("empty capture dir should produce a nil archiver")
	}
	if err := a.WriteSegment("g1", "seg1", [][]byte{{1, 2, 3}}); err != nil {
		t.Errorf("nil archiver returned %v", err)
	}
}

func TestWriteSegment(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(dir, log.New(io.Discard))

	frames := [][]byte{
		{0x78, 0x01, 0x02},
		{0x78, 0x03},
		{0x78, 0x04, 0x05, 0x06},
	}
	if err := a.WriteSegment("g1", "seg1", frames); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "g1", "seg1.ogg")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("archived file missing: %v", err)
	}

	// The file must round-trip back through the container parser.
	packets, err := OpusPackets(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != len(frames) {
		t.Fatalf("got %d packets, want %d", len(packets), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(packets[i], frames[i]) {
			t.Errorf("packet %d = %v, want %v", i, packets[i], frames[i])
		}
	}
}

func TestWriteSegmentSkipsEmpty(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(dir, log.New(io.Discard))

	if err := a.WriteSegment("g1", "empty", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "g1")); !os.IsNotExist(err) {
		t.Error("empty segment produced files on disk")
	}
}
