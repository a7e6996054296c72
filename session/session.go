// Package session owns one voice session per guild: the media transport
// handle, the per-speaker capture pipeline, and the playback controller.
// Sessions never talk to the platform's signalling themselves; the control
// process relays credentials over the relay channel and the session feeds
// them into the transport.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"voxbridge/audio"
	"voxbridge/config"
	"voxbridge/media"
)

// State is the session lifecycle position.
type State int

const (
	StateSignalling State = iota
	StateConnecting
	StateReady
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSignalling:
		return "signalling"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Notifier receives session events bound for the control process.
type Notifier interface {
	Ready(guildID string, dave bool)
	Error(guildID, message string)
	Disconnected(guildID string)
	PlayDone(guildID string)
	SpeakingStart(guildID, userID string, rms float64)
	Audio(guildID, userID string, pcm []byte, duringPlayback bool)
}

type signalKind int

const (
	signalServer signalKind = iota
	signalState
)

// signal is one buffered relayed signalling update, kept in arrival order
// until the transport adapter exists to receive it.
type signal struct {
	kind      signalKind
	token     string
	endpoint  string
	sessionID string
	channelID string
}

// Session is one guild voice session. All mutable state is guarded by mu;
// the only mutators are the session's own handlers (relay dispatch, the
// transport event loop, and the session's timers).
type Session struct {
	mu sync.Mutex

	log      *log.Logger
	cfg      *config.Config
	dialer   media.Dialer
	notify   Notifier
	decoders media.DecoderFactory
	archiver *audio.Archiver

	guildID   string
	channelID string
	userID    string

	state   State
	conn    media.Conn
	player  media.Player
	cancel  context.CancelFunc
	dialing bool

	// pending buffers signalling that arrived while no adapter was
	// installed; creds accumulates the latest credential halves.
	pending []signal
	creds   media.Credentials

	segments map[string]*segment

	newSource  func(data []byte, format string) (media.Source, error)
	loop       func() (media.Source, error)
	current    media.Source
	fadeCancel chan struct{}

	recoveryTimer  *time.Timer
	reconnectTimer *time.Timer

	onDestroyed func()
}

// New creates a session in the Signalling state. onDestroyed runs exactly
// once when the session reaches its terminal state, after all resources
// are released.
func New(
	logger *log.Logger,
	cfg *config.Config,
	dialer media.Dialer,
	notify Notifier,
	decoders media.DecoderFactory,
	archiver *audio.Archiver,
	guildID, channelID, userID string,
	onDestroyed func(),
) *Session {
	return &Session{
		log:         logger.With("guild", guildID),
		cfg:         cfg,
		dialer:      dialer,
		notify:      notify,
		decoders:    decoders,
		archiver:    archiver,
		guildID:     guildID,
		channelID:   channelID,
		userID:      userID,
		state:       StateSignalling,
		newSource:   newSource,
		segments:    make(map[string]*segment),
		onDestroyed: onDestroyed,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnVoiceServerUpdate feeds a relayed voice server update (token and
// endpoint) into the session. Before the transport exists the update is
// buffered; afterwards it goes straight to the transport.
func (s *Session) OnVoiceServerUpdate(token, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	s.creds.Token = token
	s.creds.Endpoint = endpoint

	if s.conn != nil {
		s.conn.OnVoiceServerUpdate(token, endpoint)
		return
	}
	s.pending = append(s.pending, signal{kind: signalServer, token: token, endpoint: endpoint})
	s.maybeDialLocked()
}

// OnVoiceStateUpdate feeds a relayed voice state update (session id and
// channel id) into the session, with the same buffering rule.
func (s *Session) OnVoiceStateUpdate(sessionID, channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	s.creds.SessionID = sessionID
	if channelID != "" {
		s.channelID = channelID
	}

	if s.conn != nil {
		s.conn.OnVoiceStateUpdate(sessionID, channelID)
		return
	}
	s.pending = append(s.pending, signal{kind: signalState, sessionID: sessionID, channelID: channelID})
	s.maybeDialLocked()
}

// maybeDialLocked starts the transport once both credential halves are
// present. Until then the session stays queued in Signalling; nothing is
// ever raised to the caller.
func (s *Session) maybeDialLocked() {
	if s.dialing || s.conn != nil {
		return
	}
	if s.creds.Token == "" || s.creds.Endpoint == "" || s.creds.SessionID == "" {
		return
	}

	s.dialing = true
	s.state = StateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	join := media.JoinInfo{GuildID: s.guildID, ChannelID: s.channelID, UserID: s.userID}
	creds := s.creds

	go s.dial(ctx, join, creds)
}

func (s *Session) dial(ctx context.Context, join media.JoinInfo, creds media.Credentials) {
	conn, err := s.dialer.Dial(ctx, join, creds)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialing = false

	if s.state == StateDestroyed {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.log.Error("dial voice transport", "error", err)
		s.notify.Error(s.guildID, err.Error())
		s.armRecoveryTimerLocked()
		return
	}

	s.conn = conn
	s.player = conn.Player()

	// Replay everything that arrived before the adapter existed, in
	// arrival order, exactly once.
	for _, sig := range s.pending {
		switch sig.kind {
		case signalServer:
			conn.OnVoiceServerUpdate(sig.token, sig.endpoint)
		case signalState:
			conn.OnVoiceStateUpdate(sig.sessionID, sig.channelID)
		}
	}
	s.pending = nil

	go s.eventLoop(ctx, conn)
}

// eventLoop is the single consumer of the transport's event channels.
func (s *Session) eventLoop(ctx context.Context, conn media.Conn) {
	idle := conn.Player().Idle()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-conn.States():
			if !ok {
				return
			}
			s.handleConnState(state)
		case err, ok := <-conn.Errors():
			if !ok {
				return
			}
			s.handleTransportError(err)
		case su, ok := <-conn.Speaking():
			if !ok {
				return
			}
			s.log.Debug("speaking", "user", su.UserID, "ssrc", su.SSRC, "on", su.Speaking)
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			s.handleFrame(frame)
		case _, ok := <-idle:
			if !ok {
				return
			}
			s.handlePlayerIdle()
		}
	}
}

func (s *Session) handleConnState(state media.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	switch state {
	case media.StateReady:
		s.log.Info("voice ready", "channel", s.channelID)
		s.cancelRecoveryTimerLocked()
		s.cancelReconnectTimerLocked()
		s.state = StateReady
		s.notify.Ready(s.guildID, s.conn.DAVE())

	case media.StateConnecting:
		// Re-entry into connecting counts as recovery progress.
		s.cancelReconnectTimerLocked()
		if s.state != StateReady {
			s.state = StateConnecting
		}

	case media.StateDisconnected:
		s.log.Warn("voice disconnected, waiting for recovery")
		s.state = StateDisconnected
		s.armReconnectTimerLocked()
	}
}

func (s *Session) handleTransportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	s.log.Error("voice transport", "error", err)
	s.notify.Error(s.guildID, err.Error())
	s.armRecoveryTimerLocked()
}

// armRecoveryTimerLocked starts the bounded error-recovery window. If the
// session has not reached Ready by expiry it is destroyed.
func (s *Session) armRecoveryTimerLocked() {
	s.cancelRecoveryTimerLocked()
	s.recoveryTimer = time.AfterFunc(s.cfg.RecoveryWindow, func() {
		s.mu.Lock()
		if s.state == StateDestroyed || s.state == StateReady {
			s.mu.Unlock()
			return
		}
		s.log.Warn("recovery window expired, destroying session")
		s.destroyLocked()
		s.mu.Unlock()
		s.notify.Disconnected(s.guildID)
	})
}

func (s *Session) cancelRecoveryTimerLocked() {
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
}

// armReconnectTimerLocked starts the shorter wait for a disconnected
// transport to re-enter signalling or connecting on its own.
func (s *Session) armReconnectTimerLocked() {
	s.cancelReconnectTimerLocked()
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectWindow, func() {
		s.mu.Lock()
		if s.state != StateDisconnected {
			s.mu.Unlock()
			return
		}
		s.log.Warn("reconnect window expired, destroying session")
		s.destroyLocked()
		s.mu.Unlock()
		s.notify.Disconnected(s.guildID)
	})
}

func (s *Session) cancelReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// Destroy releases everything the session owns: timers, fade, segments,
// player, connection. It is idempotent and terminal.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.destroyLocked()
	s.mu.Unlock()
}

func (s *Session) destroyLocked() {
	s.state = StateDestroyed

	s.cancelRecoveryTimerLocked()
	s.cancelReconnectTimerLocked()
	s.cancelFadeLocked()
	s.loop = nil
	s.current = nil

	s.teardownCaptureLocked()

	if s.player != nil {
		s.player.Stop()
		s.player = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Warn("close voice transport", "error", err)
		}
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.log.Info("session destroyed")

	if s.onDestroyed != nil {
		done := s.onDestroyed
		s.onDestroyed = nil
		done()
	}
}
