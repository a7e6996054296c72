package audio

import (
	"bytes"
	"fmt"
)

const continuedPacket = 1

// OpusPackets extracts the opus packets from an Ogg Opus container so they
// can be handed to the transport as-is, without a decode/re-encode round
// trip. Header packets (OpusHead, OpusTags) are skipped.
func OpusPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
	)

	off := 0
	for off < len(data) {
		if off+27 > len(data) || !bytes.Equal(data[off:off+4], []byte("OggS")) {
			return nil, fmt.Errorf("bad ogg page at offset %d", off)
		}

		headerType := data[off+5]
		segCount := int(data[off+26])
		tableOff := off + 27
		if tableOff+segCount > len(data) {
			return nil, fmt.Errorf("truncated segment table at offset %d", off)
		}
		table := data[tableOff : tableOff+segCount]

		if headerType&continuedPacket == 0 && partial != nil {
			// A fresh page that doesn't continue the pending packet
			// means the stream is damaged; drop the fragment.
			partial = nil
		}

		body := tableOff + segCount
		for _, lace := range table {
			n := int(lace)
			if body+n > len(data) {
				return nil, fmt.Errorf("truncated packet data at offset %d", body)
			}
			partial = append(partial, data[body:body+n]...)
			body += n

			// A lacing value below 255 terminates the packet.
			if n < 255 {
				if !isOpusHeader(partial) {
					pkt := make([]byte, len(partial))
					copy(pkt, partial)
					packets = append(packets, pkt)
				}
				partial = nil
			}
		}
		off = body
	}

	if len(packets) == 0 {
		return nil, fmt.Errorf("no opus packets in container")
	}
	return packets, nil
}

func isOpusHeader(pkt []byte) bool {
	return len(pkt) >= 8 &&
		(bytes.Equal(pkt[:8], []byte("OpusHead")) || bytes.Equal(pkt[:8], []byte("OpusTags")))
}
