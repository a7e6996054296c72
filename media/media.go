// Package media defines the boundary to the voice transport: the thing
// that owns the encrypted, codec-level connection to the platform. The
// session layer is written entirely against these interfaces; the
// production implementation lives in media/discordvoice.
package media

import "context"

// Frame is one compressed audio frame from one speaker, already
// attributed to a user via the transport's SSRC mapping.
type Frame struct {
	UserID string
	SSRC   uint32
	Opus   []byte
}

// SpeakingUpdate reports a speaker starting or stopping transmission.
type SpeakingUpdate struct {
	UserID   string
	SSRC     uint32
	Speaking bool
}

// ConnState is the transport's connection state as observed by a session.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateReady
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// JoinInfo identifies the channel a transport should attach to.
type JoinInfo struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// Credentials is the relayed signalling a transport needs to dial: the
// voice token and endpoint from the server update, and the session id
// from the state update. The bridge never performs the platform handshake
// itself; the control process already did.
type Credentials struct {
	Token     string
	Endpoint  string
	SessionID string
}

// Dialer establishes one voice transport from relayed credentials.
type Dialer interface {
	Dial(ctx context.Context, join JoinInfo, creds Credentials) (Conn, error)
}

// Conn is one live voice transport. The frame receiver and the player are
// owned by the connection; sessions observe them and must not use either
// after Close.
type Conn interface {
	// OnVoiceServerUpdate and OnVoiceStateUpdate feed refreshed relayed
	// signalling into the established transport, in arrival order.
	OnVoiceServerUpdate(token, endpoint string)
	OnVoiceStateUpdate(sessionID, channelID string)

	States() <-chan ConnState
	Errors() <-chan error
	Speaking() <-chan SpeakingUpdate
	Frames() <-chan Frame

	Player() Player

	// DAVE reports whether an end-to-end encrypted mode was negotiated.
	DAVE() bool

	Close() error
}

// Player drives outbound audio on a connection. Starting a new source
// supersedes the current one.
type Player interface {
	Play(src Source)
	Stop()
	Playing() bool

	// Idle delivers one signal each time a source finishes on its own
	// (not when stopped or superseded).
	Idle() <-chan struct{}
}

// Source supplies 20ms opus frames to a player. Next returns false when
// the source is exhausted.
type Source interface {
	Next() ([]byte, bool)
}

// GainSource is a Source whose output level can be adjusted while it
// plays; the playback controller fades through this when present.
type GainSource interface {
	Source
	SetGain(gain float64)
	Gain() float64
}

// Decoder turns one compressed frame into 48kHz stereo interleaved PCM.
// Decoders are stateful and must be used by a single stream.
type Decoder interface {
	Decode(opus []byte) ([]int16, error)
	Close()
}

// DecoderFactory builds a fresh Decoder per speaker stream.
type DecoderFactory func() (Decoder, error)
