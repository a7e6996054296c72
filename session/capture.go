package session

import (
	"time"

	"github.com/google/uuid"

	"voxbridge/audio"
	"voxbridge/media"
)

// segment is one in-flight utterance from one speaker: decoded PCM plus
// the original opus frames (kept for archiving), bounded by silence.
type segment struct {
	id             string
	userID         string
	dec            media.Decoder
	pcm            []int16
	opus           [][]byte
	frames         int
	notified       bool
	duringPlayback bool
	startedAt      time.Time
	timer          *time.Timer
}

// handleFrame routes one attributed opus frame into the speaker's segment,
// creating it on the first frame. Decode failures skip the frame but keep
// the segment alive.
func (s *Session) handleFrame(f media.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return
	}

	if f.UserID == "" {
		// The transport has not attributed this SSRC yet; nothing to
		// key a segment on.
		s.log.Debug("dropping unattributed frame", "ssrc", f.SSRC)
		return
	}

	seg := s.segments[f.UserID]
	if seg == nil {
		dec, err := s.decoders()
		if err != nil {
			s.log.Error("create decoder", "user", f.UserID, "error", err)
			return
		}
		seg = &segment{
			id:             uuid.New().String(),
			userID:         f.UserID,
			dec:            dec,
			duringPlayback: s.playingLocked(),
			startedAt:      time.Now(),
		}
		segID := seg.id
		userID := f.UserID
		seg.timer = time.AfterFunc(s.silenceWindowLocked(), func() {
			s.sealSegment(userID, segID)
		})
		s.segments[f.UserID] = seg
		s.log.Info("listen", "user", f.UserID, "segment", seg.id, "during_playback", seg.duringPlayback)
	} else {
		seg.timer.Reset(s.silenceWindowLocked())
	}

	pcm, err := seg.dec.Decode(f.Opus)
	if err != nil {
		s.log.Warn("skipping bad frame", "user", f.UserID, "error", err)
		return
	}

	seg.pcm = append(seg.pcm, pcm...)
	seg.opus = append(seg.opus, f.Opus)
	seg.frames++

	s.checkBargeInLocked(seg)
}

// checkBargeInLocked emits the early interruption signal: once enough
// frames have accumulated while the player is active and their RMS clears
// the threshold, the control process hears about it immediately instead of
// waiting for the trailing silence.
func (s *Session) checkBargeInLocked(seg *segment) {
	if seg.notified {
		return
	}
	if seg.frames < s.cfg.BargeInFrames {
		return
	}
	if !s.playingLocked() {
		return
	}

	rms := audio.RMS(seg.pcm)
	if rms <= s.cfg.RMSThreshold {
		return
	}

	seg.notified = true
	s.log.Info("barge-in", "user", seg.userID, "rms", rms)
	s.notify.SpeakingStart(s.guildID, seg.userID, rms)
}

// silenceWindowLocked is deliberately asymmetric: short while the player
// is active so interruptions land fast, longer while idle so natural
// pauses don't split utterances.
func (s *Session) silenceWindowLocked() time.Duration {
	if s.playingLocked() {
		return s.cfg.SilencePlaying
	}
	return s.cfg.SilenceIdle
}

// sealSegment fires on silence timeout: the segment leaves the active map
// and, if it captured anything, its PCM is forwarded downstream.
func (s *Session) sealSegment(userID, segID string) {
	s.mu.Lock()
	seg := s.segments[userID]
	if seg == nil || seg.id != segID {
		// A stale timer from a segment that was already torn down.
		s.mu.Unlock()
		return
	}
	delete(s.segments, userID)
	seg.dec.Close()

	if seg.frames == 0 {
		s.mu.Unlock()
		return
	}

	pcm := audio.Int16ToBytes(seg.pcm)
	guildID := s.guildID
	archiver := s.archiver
	s.log.Info("speech",
		"user", userID,
		"segment", seg.id,
		"frames", seg.frames,
		"duration", time.Since(seg.startedAt),
		"during_playback", seg.duringPlayback,
	)
	s.notify.Audio(guildID, userID, pcm, seg.duringPlayback)
	s.mu.Unlock()

	if err := archiver.WriteSegment(guildID, seg.id, seg.opus); err != nil {
		s.log.Error("archive segment", "segment", seg.id, "error", err)
	}
}

// teardownCaptureLocked terminates every open per-speaker subscription and
// discards unsent segments.
func (s *Session) teardownCaptureLocked() {
	for userID, seg := range s.segments {
		seg.timer.Stop()
		seg.dec.Close()
		delete(s.segments, userID)
	}
}
