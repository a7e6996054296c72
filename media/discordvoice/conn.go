// Package discordvoice is the production media.Dialer: a Discord voice
// gateway client driven entirely by relayed credentials. It owns the
// encrypted, codec-level connection (websocket signalling, UDP RTP with
// secretbox sealing) and exposes it through the media interfaces.
package discordvoice

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"voxbridge/media"
)

const (
	stateBuffer = 8
	frameBuffer = 512
)

// Dialer builds voice transports.
type Dialer struct {
	log *log.Logger
}

func NewDialer(logger *log.Logger) *Dialer {
	return &Dialer{log: logger}
}

// Dial starts a transport for one guild. It returns immediately; progress
// and failures arrive on the connection's state and error channels, which
// is what lets the session supervise recovery with its own timers.
func (d *Dialer) Dial(ctx context.Context, join media.JoinInfo, creds media.Credentials) (media.Conn, error) {
	c := &Conn{
		log:      d.log.With("guild", join.GuildID),
		join:     join,
		creds:    creds,
		states:   make(chan media.ConnState, stateBuffer),
		errs:     make(chan error, stateBuffer),
		speaking: make(chan media.SpeakingUpdate, 32),
		frames:   make(chan media.Frame, frameBuffer),
		credsCh:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	c.player = newPlayer(c)

	go c.run(ctx)
	return c, nil
}

// Conn is one live voice transport.
type Conn struct {
	log  *log.Logger
	join media.JoinInfo

	mu    sync.Mutex
	creds media.Credentials

	states   chan media.ConnState
	errs     chan error
	speaking chan media.SpeakingUpdate
	frames   chan media.Frame
	credsCh  chan struct{}

	player *player

	ssrcUser sync.Map // uint32 -> string

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Conn) OnVoiceServerUpdate(token, endpoint string) {
	c.mu.Lock()
	c.creds.Token = token
	c.creds.Endpoint = endpoint
	c.mu.Unlock()
	c.nudge()
}

func (c *Conn) OnVoiceStateUpdate(sessionID, channelID string) {
	c.mu.Lock()
	c.creds.SessionID = sessionID
	c.mu.Unlock()
	c.nudge()
}

// nudge wakes the run loop when fresh signalling arrives, so a transport
// sitting in the disconnected state can try again without waiting.
func (c *Conn) nudge() {
	select {
	case c.credsCh <- struct{}{}:
	default:
	}
}

func (c *Conn) States() <-chan media.ConnState        { return c.states }
func (c *Conn) Errors() <-chan error                  { return c.errs }
func (c *Conn) Speaking() <-chan media.SpeakingUpdate { return c.speaking }
func (c *Conn) Frames() <-chan media.Frame            { return c.frames }
func (c *Conn) Player() media.Player                  { return c.player }

// DAVE reports end-to-end encryption; this transport negotiates only
// transport encryption, so it is always false.
func (c *Conn) DAVE() bool { return false }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// run supervises one gateway attempt after another until the connection
// is closed. Each attempt blocks inside the gateway session; between
// attempts the loop waits for fresh credentials.
func (c *Conn) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		c.pushState(media.StateConnecting)

		c.mu.Lock()
		creds := c.creds
		c.mu.Unlock()

		gw := newGateway(c, creds)
		err := gw.connect(ctx)
		if err != nil {
			c.pushError(err)
		}

		c.pushState(media.StateDisconnected)

		// Wait for fresh signalling before another attempt; without it
		// a retry would just replay the same failure.
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-c.credsCh:
		}
	}
}

func (c *Conn) pushState(s media.ConnState) {
	select {
	case c.states <- s:
	case <-c.closed:
	default:
		c.log.Warn("state channel full, dropping state", "state", s)
	}
}

func (c *Conn) pushError(err error) {
	select {
	case c.errs <- err:
	case <-c.closed:
	default:
	}
}

func (c *Conn) pushSpeaking(update media.SpeakingUpdate) {
	if update.Speaking {
		c.ssrcUser.Store(update.SSRC, update.UserID)
	}
	select {
	case c.speaking <- update:
	case <-c.closed:
	default:
	}
}

func (c *Conn) pushFrame(ssrc uint32, opus []byte) {
	userID := ""
	if v, ok := c.ssrcUser.Load(ssrc); ok {
		userID = v.(string)
	}
	select {
	case c.frames <- media.Frame{UserID: userID, SSRC: ssrc, Opus: opus}:
	case <-c.closed:
	default:
		c.log.Warn("frame channel full, dropping packet", "ssrc", ssrc)
	}
}
