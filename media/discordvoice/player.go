package discordvoice

import (
	"sync"
	"time"

	"github.com/pion/randutil"

	"voxbridge/media"
)

const (
	frameInterval = 20 * time.Millisecond
	silenceFrames = 5
)

// opusSilence is the canonical opus silence frame, sent after a stream
// ends so decoders on the far side flush cleanly.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// player pushes 20ms opus frames onto the UDP flow at wall-clock cadence.
// It outlives individual gateway attempts; a gateway binds itself when its
// media flow is ready and unbinds on teardown.
type player struct {
	conn *Conn

	mu      sync.Mutex
	gw      *gateway
	src     media.Source
	playing bool

	idle chan struct{}
	wake chan struct{}
}

func newPlayer(c *Conn) *player {
	p := &player{
		conn: c,
		idle: make(chan struct{}, 4),
		wake: make(chan struct{}, 1),
	}
	go p.loop()
	return p
}

func (p *player) bind(g *gateway) {
	rnd := randutil.NewMathRandomGenerator()
	g.udp.prepare(uint16(rnd.Intn(1<<16)), rnd.Uint32())

	p.mu.Lock()
	p.gw = g
	p.mu.Unlock()
	p.nudge()
}

func (p *player) unbind(g *gateway) {
	p.mu.Lock()
	if p.gw == g {
		p.gw = nil
		p.playing = false
	}
	p.mu.Unlock()
}

func (p *player) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *player) Play(src media.Source) {
	p.mu.Lock()
	p.src = src
	p.playing = true
	p.mu.Unlock()
	p.nudge()
}

func (p *player) Stop() {
	p.mu.Lock()
	wasPlaying := p.playing
	p.src = nil
	p.playing = false
	gw := p.gw
	p.mu.Unlock()

	if wasPlaying && gw != nil {
		p.flushSilence(gw)
	}
}

func (p *player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *player) Idle() <-chan struct{} { return p.idle }

// loop is the single sender. It waits for work, then paces one source at
// frame cadence, re-checking for supersession on every tick.
func (p *player) loop() {
	for {
		select {
		case <-p.conn.closed:
			return
		case <-p.wake:
		}

		p.mu.Lock()
		gw, src := p.gw, p.src
		p.mu.Unlock()
		if gw == nil || src == nil {
			continue
		}

		p.playSource(gw, src)
	}
}

func (p *player) playSource(gw *gateway, src media.Source) {
	if err := gw.sendSpeaking(true); err != nil {
		p.conn.log.Warn("set speaking", "error", err)
	}

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.conn.closed:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		cur, curGw := p.src, p.gw
		p.mu.Unlock()

		if curGw != gw {
			// Transport went away under us.
			return
		}
		if cur == nil {
			// Stopped; Stop already flushed silence.
			return
		}
		if cur != src {
			// Superseded mid-stream; switch without a gap.
			src = cur
		}

		frame, ok := src.Next()
		if !ok {
			p.finishSource(gw, src)
			return
		}
		if err := gw.udp.writeOpus(frame); err != nil {
			p.conn.log.Warn("send voice frame", "error", err)
		}
	}
}

// finishSource runs when a source drains on its own: flush silence, drop
// speaking, and signal idle exactly once.
func (p *player) finishSource(gw *gateway, src media.Source) {
	p.flushSilence(gw)

	p.mu.Lock()
	if p.src == src {
		p.src = nil
		p.playing = false
	}
	stillMine := p.src == nil
	p.mu.Unlock()

	if stillMine {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
}

func (p *player) flushSilence(gw *gateway) {
	for i := 0; i < silenceFrames; i++ {
		if err := gw.udp.writeOpus(opusSilence); err != nil {
			break
		}
		time.Sleep(frameInterval)
	}
	if err := gw.sendSpeaking(false); err != nil {
		p.conn.log.Debug("clear speaking", "error", err)
	}
}
