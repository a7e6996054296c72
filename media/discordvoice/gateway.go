package discordvoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxbridge/media"
)

// Voice gateway opcodes (protocol version 4).
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatACK       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
	opClientDisconnect   = 13
)

const encryptionMode = "xsalsa20_poly1305"

type voicePayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolInfo `json:"data"`
}

type selectProtocolInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

type speakingData struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
	UserID   string `json:"user_id,omitempty"`
}

// gateway is one signalling websocket attempt plus the UDP media flow it
// negotiates. connect blocks for the life of the attempt.
type gateway struct {
	conn  *Conn
	creds media.Credentials

	wmu sync.Mutex
	ws  *websocket.Conn

	udp *udpConn
}

func newGateway(c *Conn, creds media.Credentials) *gateway {
	return &gateway{conn: c, creds: creds}
}

func (g *gateway) connect(ctx context.Context) error {
	endpoint := strings.TrimSuffix(g.creds.Endpoint, ":80")
	if endpoint == "" {
		return fmt.Errorf("no voice endpoint")
	}
	url := fmt.Sprintf("wss://%s/?v=4", endpoint)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial voice gateway %s: %w", endpoint, err)
	}
	g.ws = ws
	defer ws.Close()
	defer g.teardownMedia()

	// Close the socket when the owner goes away so the read loop below
	// unblocks.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-g.conn.closed:
		case <-watchDone:
		}
		ws.Close()
	}()

	err = g.send(opIdentify, identifyData{
		ServerID:  g.conn.join.GuildID,
		UserID:    g.conn.join.UserID,
		SessionID: g.creds.SessionID,
		Token:     g.creds.Token,
	})
	if err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-g.conn.closed:
				return nil
			default:
			}
			return fmt.Errorf("voice gateway read: %w", err)
		}

		var payload voicePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			g.conn.log.Warn("bad voice gateway payload", "error", err)
			continue
		}

		if err := g.handle(&payload, heartbeatStop); err != nil {
			return err
		}
	}
}

func (g *gateway) handle(payload *voicePayload, heartbeatStop <-chan struct{}) error {
	switch payload.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(payload.D, &hello); err != nil {
			return fmt.Errorf("unmarshal hello: %w", err)
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		go g.heartbeatLoop(interval, heartbeatStop)

	case opReady:
		var ready readyData
		if err := json.Unmarshal(payload.D, &ready); err != nil {
			return fmt.Errorf("unmarshal ready: %w", err)
		}
		return g.setupMedia(ready)

	case opSessionDescription:
		var desc sessionDescriptionData
		if err := json.Unmarshal(payload.D, &desc); err != nil {
			return fmt.Errorf("unmarshal session description: %w", err)
		}
		if g.udp == nil {
			return fmt.Errorf("session description before udp setup")
		}
		g.udp.setKey(desc.SecretKey)
		go g.udp.receiveLoop(g.conn)
		g.conn.player.bind(g)
		g.conn.log.Info("voice media ready", "mode", desc.Mode)
		g.conn.pushState(media.StateReady)

	case opSpeaking:
		var sd speakingData
		if err := json.Unmarshal(payload.D, &sd); err != nil {
			g.conn.log.Warn("bad speaking payload", "error", err)
			return nil
		}
		g.conn.pushSpeaking(media.SpeakingUpdate{
			UserID:   sd.UserID,
			SSRC:     sd.SSRC,
			Speaking: sd.Speaking != 0,
		})

	case opHeartbeatACK, opResumed, opClientDisconnect:
		// Nothing to do.

	default:
		g.conn.log.Debug("unhandled voice op", "op", payload.Op)
	}
	return nil
}

// setupMedia runs IP discovery against the advertised UDP address and
// answers with our external address and the chosen encryption mode.
func (g *gateway) setupMedia(ready readyData) error {
	supported := false
	for _, mode := range ready.Modes {
		if mode == encryptionMode {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("voice server offers no supported encryption mode: %v", ready.Modes)
	}

	udp, addr, port, err := dialUDP(ready, g.conn.log)
	if err != nil {
		return err
	}
	g.udp = udp

	return g.send(opSelectProtocol, selectProtocolData{
		Protocol: "udp",
		Data: selectProtocolInfo{
			Address: addr,
			Port:    port,
			Mode:    encryptionMode,
		},
	})
}

func (g *gateway) teardownMedia() {
	g.conn.player.unbind(g)
	if g.udp != nil {
		g.udp.close()
		g.udp = nil
	}
}

func (g *gateway) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			nonce := time.Now().UnixMilli()
			if err := g.send(opHeartbeat, nonce); err != nil {
				// The read loop will notice the dead socket.
				return
			}
		}
	}
}

// sendSpeaking flags our transmission state; required before any opus
// frames may flow.
func (g *gateway) sendSpeaking(on bool) error {
	speaking := 0
	if on {
		speaking = 1
	}
	return g.send(opSpeaking, speakingData{
		Speaking: speaking,
		Delay:    0,
		SSRC:     g.udpSSRC(),
	})
}

func (g *gateway) udpSSRC() uint32 {
	if g.udp == nil {
		return 0
	}
	return g.udp.ssrc
}

func (g *gateway) send(op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal voice payload: %w", err)
	}
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return g.ws.WriteJSON(voicePayload{Op: op, D: raw})
}
