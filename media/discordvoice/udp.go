package discordvoice

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	rtpHeaderSize     = 12
	rtpPayloadType    = 0x78
	discoverySize     = 74
	keepaliveInterval = 5 * time.Second
	maxPacketSize     = 1500
)

// udpConn is the sealed media flow: RTP over UDP, xsalsa20-poly1305 per
// frame, nonce taken from the RTP header.
type udpConn struct {
	log  *log.Logger
	conn *net.UDPConn
	ssrc uint32

	mu      sync.Mutex
	key     [32]byte
	haveKey bool
	seq     uint16
	ts      uint32

	closed    chan struct{}
	closeOnce sync.Once
}

// dialUDP opens the media socket and performs IP discovery: the server
// echoes back the external address it sees, which is what we must offer
// in select protocol.
func dialUDP(ready readyData, logger *log.Logger) (*udpConn, string, uint16, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ready.IP, ready.Port))
	if err != nil {
		return nil, "", 0, fmt.Errorf("resolve voice udp address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, "", 0, fmt.Errorf("dial voice udp: %w", err)
	}

	// Discovery request: type 0x1, length 70, our SSRC, zero padding.
	req := make([]byte, discoverySize)
	binary.BigEndian.PutUint16(req[0:2], 0x1)
	binary.BigEndian.PutUint16(req[2:4], 70)
	binary.BigEndian.PutUint32(req[4:8], ready.SSRC)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, "", 0, fmt.Errorf("send discovery packet: %w", err)
	}

	resp := make([]byte, discoverySize)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(resp)
	conn.SetReadDeadline(time.Time{})
	if err != nil || n < discoverySize {
		conn.Close()
		return nil, "", 0, fmt.Errorf("read discovery response: %w", err)
	}

	// Address is a null-terminated string after type/length/ssrc; the
	// port is the trailing big-endian u16.
	addrBytes := resp[8 : discoverySize-2]
	end := 0
	for end < len(addrBytes) && addrBytes[end] != 0 {
		end++
	}
	address := string(addrBytes[:end])
	port := binary.BigEndian.Uint16(resp[discoverySize-2:])

	u := &udpConn{
		log:    logger,
		conn:   conn,
		ssrc:   ready.SSRC,
		closed: make(chan struct{}),
	}
	go u.keepaliveLoop()

	logger.Debug("udp discovery complete", "address", address, "port", port)
	return u, address, port, nil
}

func (u *udpConn) setKey(key [32]byte) {
	u.mu.Lock()
	u.key = key
	u.haveKey = true
	u.mu.Unlock()
}

// prepare hands the player its initial RTP sequence and timestamp space.
func (u *udpConn) prepare(seq uint16, ts uint32) {
	u.mu.Lock()
	u.seq = seq
	u.ts = ts
	u.mu.Unlock()
}

// writeOpus seals one 20ms opus frame into an RTP packet and sends it.
func (u *udpConn) writeOpus(opus []byte) error {
	u.mu.Lock()
	if !u.haveKey {
		u.mu.Unlock()
		return fmt.Errorf("no session key yet")
	}
	header := rtp.Header{
		Version:        2,
		PayloadType:    rtpPayloadType,
		SequenceNumber: u.seq,
		Timestamp:      u.ts,
		SSRC:           u.ssrc,
	}
	u.seq++
	u.ts += 960
	key := u.key
	u.mu.Unlock()

	raw, err := header.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp header: %w", err)
	}

	var nonce [24]byte
	copy(nonce[:], raw)

	packet := secretbox.Seal(raw, opus, &nonce, &key)
	if _, err := u.conn.Write(packet); err != nil {
		return fmt.Errorf("write voice packet: %w", err)
	}
	return nil
}

// receiveLoop opens inbound packets and forwards the opus payloads,
// attributed by SSRC, to the connection's frame channel.
func (u *udpConn) receiveLoop(c *Conn) {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-u.closed:
			return
		default:
		}

		n, err := u.conn.Read(buf)
		if err != nil {
			select {
			case <-u.closed:
			default:
				u.log.Warn("voice udp read", "error", err)
			}
			return
		}
		if n < rtpHeaderSize || buf[0]>>6 != 2 {
			// Keepalive echoes and non-RTP traffic.
			continue
		}

		var header rtp.Header
		if _, err := header.Unmarshal(buf[:n]); err != nil {
			u.log.Debug("bad rtp header", "error", err)
			continue
		}

		u.mu.Lock()
		key := u.key
		haveKey := u.haveKey
		u.mu.Unlock()
		if !haveKey {
			continue
		}

		var nonce [24]byte
		copy(nonce[:], buf[:rtpHeaderSize])
		opus, ok := secretbox.Open(nil, buf[rtpHeaderSize:n], &nonce, &key)
		if !ok {
			u.log.Debug("dropping undecryptable packet", "ssrc", header.SSRC)
			continue
		}

		// An RTP one-byte-header extension block sits inside the
		// encrypted payload; skip it.
		if len(opus) >= 4 && opus[0] == 0xbe && opus[1] == 0xde {
			extWords := int(binary.BigEndian.Uint16(opus[2:4]))
			skip := 4 + extWords*4
			if skip > len(opus) {
				continue
			}
			opus = opus[skip:]
		}
		if len(opus) == 0 {
			continue
		}

		c.pushFrame(header.SSRC, opus)
	}
}

// keepaliveLoop keeps NAT mappings warm; the payload is just our SSRC.
func (u *udpConn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	packet := make([]byte, 8)
	binary.LittleEndian.PutUint32(packet, u.ssrc)

	for {
		select {
		case <-u.closed:
			return
		case <-ticker.C:
			if _, err := u.conn.Write(packet); err != nil {
				return
			}
		}
	}
}

func (u *udpConn) close() {
	u.closeOnce.Do(func() {
		close(u.closed)
		u.conn.Close()
	})
}
