package audio

import (
	"bytes"
	"testing"
)

// page assembles one ogg page from pre-laced segments. Checksums are left
// zero; the parser does not verify them.
func page(headerType byte, laces []byte, body []byte) []byte {
	out := []byte("OggS")
	out = append(out, 0, headerType)
	out = append(out, make([]byte, 8)...) // granule position
	out = append(out, make([]byte, 4)...) // serial
	out = append(out, make([]byte, 4)...) // sequence
	out = append(out, make([]byte, 4)...) // checksum
	out = append(out, byte(len(laces)))
	out = append(out, laces...)
	out = append(out, body...)
	return out
}

func packetPage(packets ...[]byte) []byte {
	var laces, body []byte
	for _, pkt := range packets {
		laces = append(laces, byte(len(pkt)))
		body = append(body, pkt...)
	}
	return page(0, laces, body)
}

func opusHead() []byte {
	return append([]byte("OpusHead"), make([]byte, 11)...)
}

func opusTags() []byte {
	return append([]byte("OpusTags"), make([]byte, 4)...)
}

func TestOpusPacketsSkipsHeaders(t *testing.T) {
	stream := append(packetPage(opusHead()), packetPage(opusTags())...)
	stream = append(stream, packetPage([]byte{0xA0, 0xA1}, []byte{0xB0})...)

	packets, err := OpusPackets(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if !bytes.Equal(packets[0], []byte{0xA0, 0xA1}) {
		t.Errorf("packet 0 = %v", packets[0])
	}
	if !bytes.Equal(packets[1], []byte{0xB0}) {
		t.Errorf("packet 1 = %v", packets[1])
	}
}

func TestOpusPacketsReassemblesAcrossPages(t *testing.T) {
	// A 300-byte packet laces as 255 + 45; split the two lacing values
	// across two pages with the continuation flag set on the second.
	pkt := make([]byte, 300)
	for i := range pkt {
		pkt[i] = byte(i)
	}

	first := page(0, []byte{255}, pkt[:255])
	second := page(1, []byte{45}, pkt[255:])
	stream := append(packetPage(opusHead()), first...)
	stream = append(stream, second...)

	packets, err := OpusPackets(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0], pkt) {
		t.Errorf("reassembled packet differs: %d bytes, want %d", len(packets[0]), len(pkt))
	}
}

func TestOpusPacketsDropsOrphanedFragment(t *testing.T) {
	// A partial packet followed by a page that does not continue it; the
	// fragment must be dropped, not glued onto the next packet.
	fragment := page(0, []byte{255}, make([]byte, 255))
	stream := append(fragment, packetPage([]byte{0xC0})...)

	packets, err := OpusPackets(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0], []byte{0xC0}) {
		t.Errorf("packet = %v, want [C0]", packets[0])
	}
}

func TestOpusPacketsErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not ogg", []byte("RIFF....WAVE")},
		{"truncated header", []byte("OggS\x00\x00")},
		{"truncated segment table", page(0, []byte{1, 1, 1}, nil)[:27]},
		{"truncated body", page(0, []byte{40}, []byte{1, 2, 3})},
		{"headers only", append(packetPage(opusHead()), packetPage(opusTags())...)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := OpusPackets(tc.data); err == nil {
				t.Error("malformed container accepted")
			}
		})
	}
}
