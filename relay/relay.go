// Package relay owns the control connection: one WebSocket carrying the
// fixed op vocabulary between the control process and the bridge, plus a
// health endpoint for external monitoring. The dispatcher here is the only
// mutator of the session map.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"voxbridge/audio"
	"voxbridge/config"
	"voxbridge/media"
	"voxbridge/session"
)

const outboundBuffer = 256

var upgrader = websocket.Upgrader{
	// The control process is a local peer; the bridge is not a browser
	// endpoint.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bridge is the process-level context: the control connection, the session
// map, and everything sessions need to get built. It holds no session
// state beyond the map; losing the control connection empties it.
type Bridge struct {
	mu sync.Mutex

	log      *log.Logger
	cfg      *config.Config
	dialer   media.Dialer
	decoders media.DecoderFactory
	archiver *audio.Archiver

	sessions map[string]*session.Session
	conn     *websocket.Conn
	out      chan any
	done     chan struct{}
}

func New(
	logger *log.Logger,
	cfg *config.Config,
	dialer media.Dialer,
	decoders media.DecoderFactory,
) *Bridge {
	return &Bridge{
		log:      logger,
		cfg:      cfg,
		dialer:   dialer,
		decoders: decoders,
		archiver: audio.NewArchiver(cfg.CaptureDir, logger),
		sessions: make(map[string]*session.Session),
	}
}

// Router mounts the relay WebSocket and the health endpoint.
func (b *Bridge) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", b.handleWS)
	r.Get("/healthz", b.handleHealth)
	return r
}

func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	status := HealthStatus{
		Connected: b.conn != nil,
		Sessions:  len(b.sessions),
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		b.log.Error("write health response", "error", err)
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("upgrade control connection", "error", err)
		return
	}

	b.attach(conn)
	b.log.Info("control process connected", "remote", conn.RemoteAddr())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.log.Warn("control connection lost", "error", err)
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.log.Warn("invalid relay message", "error", err)
			continue
		}
		b.dispatch(&env)
	}

	b.detach(conn)
}

// attach installs a new control connection, replacing (and closing) any
// previous one, and starts the writer that owns all writes to it.
func (b *Bridge) attach(conn *websocket.Conn) {
	out := make(chan any, outboundBuffer)
	done := make(chan struct{})

	b.mu.Lock()
	old := b.conn
	b.conn = conn
	b.out = out
	b.done = done
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					b.log.Warn("write to control process", "error", err)
					// Closing the socket kicks the read loop into
					// detaching; until then nothing drains out.
					conn.Close()
					return
				}
			}
		}
	}()
}

// detach runs when a control connection dies. No session can meaningfully
// continue without its lifecycle owner, so the loss cascades: every live
// session is destroyed. The doomed sessions leave the map under the same
// lock that collects them, so a session created by a replacement control
// connection mid-cascade is never touched.
func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		// Already replaced by a newer connection.
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.conn = nil
	close(b.done)
	b.done = nil
	b.out = nil

	doomed := make([]*session.Session, 0, len(b.sessions))
	for guildID, s := range b.sessions {
		doomed = append(doomed, s)
		delete(b.sessions, guildID)
	}
	b.mu.Unlock()

	conn.Close()

	for _, s := range doomed {
		s.Destroy()
	}

	b.log.Info("control connection closed, all sessions destroyed", "count", len(doomed))
}

// dispatch routes one control message. Unknown ops are logged and ignored;
// nothing here is allowed to take the bridge down.
func (b *Bridge) dispatch(env *Envelope) {
	switch env.Op {
	case "join":
		b.handleJoin(env)

	case "voice_server_update":
		vsu, err := env.ServerUpdate()
		if err != nil {
			b.log.Warn("bad voice_server_update", "error", err)
			return
		}
		if s := b.lookup(vsu.GuildID); s != nil {
			s.OnVoiceServerUpdate(vsu.Token, vsu.Endpoint)
		} else {
			b.log.Debug("voice_server_update for unknown guild", "guild", vsu.GuildID)
		}

	case "voice_state_update":
		vs, err := env.StateUpdate()
		if err != nil {
			b.log.Warn("bad voice_state_update", "error", err)
			return
		}
		if s := b.lookup(vs.GuildID); s != nil {
			s.OnVoiceStateUpdate(vs.SessionID, vs.ChannelID)
		} else {
			b.log.Debug("voice_state_update for unknown guild", "guild", vs.GuildID)
		}

	case "play":
		s := b.lookup(env.GuildID)
		if s == nil {
			b.log.Warn("play for unknown guild", "guild", env.GuildID)
			return
		}
		data, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			b.log.Warn("bad play audio payload", "guild", env.GuildID, "error", err)
			return
		}
		if err := s.Play(data, env.Format, env.Loop); err != nil {
			b.log.Error("start playback", "guild", env.GuildID, "error", err)
			b.Error(env.GuildID, err.Error())
		}

	case "stop":
		if s := b.lookup(env.GuildID); s != nil {
			s.Stop(env.Fade)
		}

	case "disconnect":
		if s := b.lookup(env.GuildID); s != nil {
			s.Destroy()
		}

	default:
		b.log.Warn("unknown relay op", "op", env.Op)
	}
}

// handleJoin creates a session for the guild. Any previous session leaves
// the map in the same swap that installs its replacement and is destroyed
// right after, so the map never holds more than one session per guild.
func (b *Bridge) handleJoin(env *Envelope) {
	if env.GuildID == "" || env.ChannelID == "" {
		b.log.Warn("join missing guild_id or channel_id")
		return
	}

	var sess *session.Session
	sess = session.New(
		b.log,
		b.cfg,
		b.dialer,
		b,
		b.decoders,
		b.archiver,
		env.GuildID,
		env.ChannelID,
		env.UserID,
		func() { b.remove(env.GuildID, sess) },
	)

	// Swap the new session in and the old one out in a single critical
	// section; the old session's removal callback then sees itself already
	// replaced and leaves the map alone.
	b.mu.Lock()
	old := b.sessions[env.GuildID]
	b.sessions[env.GuildID] = sess
	b.mu.Unlock()

	if old != nil {
		b.log.Info("replacing session", "guild", env.GuildID)
		old.Destroy()
	}

	// The join op may carry the session id the control process already
	// holds; a later voice_state_update can still refresh it.
	if env.SessionID != "" {
		sess.OnVoiceStateUpdate(env.SessionID, env.ChannelID)
	}

	b.log.Info("join", "guild", env.GuildID, "channel", env.ChannelID, "user", env.UserID)
}

func (b *Bridge) lookup(guildID string) *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[guildID]
}

// remove drops a session from the map, but only the exact instance that
// is being destroyed; a replacement that already took the slot stays.
func (b *Bridge) remove(guildID string, sess *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[guildID] == sess {
		delete(b.sessions, guildID)
	}
}

// send queues one outbound message for the control process. When nothing
// is connected, or the writer is saturated, the message is dropped with a
// warning; the relay protocol has no delivery guarantee to give.
func (b *Bridge) send(msg any) {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()

	if out == nil {
		b.log.Debug("dropping outbound message, no control connection")
		return
	}

	select {
	case out <- msg:
	default:
		b.log.Warn("outbound buffer full, dropping message")
	}
}

// The session.Notifier implementation.

func (b *Bridge) Ready(guildID string, dave bool) {
	b.send(readyMsg{Op: "ready", GuildID: guildID, Dave: dave})
}

func (b *Bridge) Error(guildID, message string) {
	b.send(errorMsg{Op: "error", GuildID: guildID, Message: message})
}

func (b *Bridge) Disconnected(guildID string) {
	b.send(disconnectedMsg{Op: "disconnected", GuildID: guildID})
}

func (b *Bridge) PlayDone(guildID string) {
	b.send(playDoneMsg{Op: "play_done", GuildID: guildID})
}

func (b *Bridge) SpeakingStart(guildID, userID string, rms float64) {
	b.send(speakingStartMsg{Op: "speaking_start", GuildID: guildID, UserID: userID, RMS: rms})
}

func (b *Bridge) Audio(guildID, userID string, pcm []byte, duringPlayback bool) {
	b.send(audioMsg{
		Op:             "audio",
		GuildID:        guildID,
		UserID:         userID,
		PCM:            base64.StdEncoding.EncodeToString(pcm),
		DuringPlayback: duringPlayback,
	})
}
