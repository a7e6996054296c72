package session

import (
	"fmt"
	"time"

	"voxbridge/media"
)

func (s *Session) playingLocked() bool {
	return s.player != nil && s.player.Playing()
}

// Play starts (or replaces) outbound playback. With loop set, the buffer
// is retained and replayed every time the player goes idle, which is how
// the control process runs its continuous "thinking" indicator; any
// non-looping play clears a prior loop buffer.
func (s *Session) Play(data []byte, format string, loop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return fmt.Errorf("session is destroyed")
	}
	if s.player == nil {
		return fmt.Errorf("no voice transport yet")
	}

	s.cancelFadeLocked()

	src, err := s.newSource(data, format)
	if err != nil {
		return err
	}

	if loop {
		s.loop = func() (media.Source, error) { return s.newSource(data, format) }
	} else {
		s.loop = nil
	}

	s.current = src
	s.player.Play(src)
	s.log.Info("play", "format", format, "bytes", len(data), "loop", loop)
	return nil
}

// handlePlayerIdle runs when a source finishes on its own: either the loop
// buffer goes around again, or the control process is told playback is
// done.
func (s *Session) handlePlayerIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	if s.loop != nil {
		src, err := s.loop()
		if err != nil {
			s.log.Error("restart loop playback", "error", err)
			s.loop = nil
		} else {
			s.current = src
			s.player.Play(src)
			return
		}
	}

	s.current = nil
	s.notify.PlayDone(s.guildID)
}

// Stop halts playback. Loop state is cleared first so the idle handler
// cannot restart it. With fade set and a resource that exposes live gain,
// the gain ramps linearly to zero before the underlying stop, so an
// interruption doesn't end on an audible click.
func (s *Session) Stop(fade bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	s.loop = nil
	s.cancelFadeLocked()

	if s.player == nil {
		return
	}

	gs, hasGain := s.current.(media.GainSource)
	if !fade || !hasGain || !s.player.Playing() {
		s.player.Stop()
		s.current = nil
		return
	}

	cancel := make(chan struct{})
	s.fadeCancel = cancel
	player := s.player
	go s.runFade(gs, player, cancel)
}

// runFade steps the gain down to zero and then stops the player, unless a
// newer play or stop cancelled the fade first.
func (s *Session) runFade(gs media.GainSource, player media.Player, cancel chan struct{}) {
	steps := s.cfg.FadeSteps
	interval := s.cfg.FadeDuration / time.Duration(steps)
	start := gs.Gain()

	for i := 1; i <= steps; i++ {
		select {
		case <-cancel:
			return
		case <-time.After(interval):
		}
		gs.SetGain(start * float64(steps-i) / float64(steps))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fadeCancel != cancel {
		// Superseded while we slept.
		return
	}
	s.fadeCancel = nil
	player.Stop()
	if s.current == media.Source(gs) {
		s.current = nil
	}
}

func (s *Session) cancelFadeLocked() {
	if s.fadeCancel != nil {
		close(s.fadeCancel)
		s.fadeCancel = nil
	}
}
