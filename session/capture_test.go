package session

import (
	"testing"
	"time"

	"voxbridge/media"
)

func (ts *testSession) feedFrames(n int, userID string) {
	for i := 0; i < n; i++ {
		ts.s.handleFrame(media.Frame{
			UserID: userID,
			SSRC:   42,
			Opus:   []byte{0x01, 0x02, 0x03},
		})
	}
}

func (ts *testSession) setPlaying(playing bool) {
	p := newFakePlayer()
	p.playing = playing
	ts.s.mu.Lock()
	ts.s.player = p
	ts.s.mu.Unlock()
}

func TestSegmentSealedAfterIdleSilence(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.feedFrames(5, "speaker")

	waitFor(t, func() bool { return ts.notify.count("audio") == 1 }, "segment never sealed")

	ev := ts.notify.ofKind("audio")[0]
	if ev.guildID != "g1" || ev.userID != "speaker" {
		t.Errorf("audio attributed to %s/%s, want g1/speaker", ev.guildID, ev.userID)
	}
	if ev.duringPlayback {
		t.Error("idle capture flagged as during playback")
	}
	// 5 frames of 1920 stereo samples, two bytes each.
	if want := 5 * 1920 * 2; len(ev.pcm) != want {
		t.Errorf("pcm length = %d, want %d", len(ev.pcm), want)
	}

	if n := ts.notify.count("speaking_start"); n != 0 {
		t.Errorf("got %d speaking_start events while nothing was playing", n)
	}
}

func TestConsecutiveUtterancesSealSeparately(t *testing.T) {
	ts := newTestSession(t, nil)

	ts.feedFrames(3, "speaker")
	waitFor(t, func() bool { return ts.notify.count("audio") == 1 }, "first segment never sealed")

	ts.feedFrames(2, "speaker")
	waitFor(t, func() bool { return ts.notify.count("audio") == 2 }, "second segment never sealed")

	events := ts.notify.ofKind("audio")
	if got, want := len(events[0].pcm), 3*1920*2; got != want {
		t.Errorf("first segment pcm = %d bytes, want %d", got, want)
	}
	if got, want := len(events[1].pcm), 2*1920*2; got != want {
		t.Errorf("second segment pcm = %d bytes, want %d", got, want)
	}
}

func TestConcurrentSpeakersKeepSeparateSegments(t *testing.T) {
	ts := newTestSession(t, nil)

	ts.feedFrames(2, "alice")
	ts.feedFrames(4, "bob")
	ts.feedFrames(1, "alice")

	waitFor(t, func() bool { return ts.notify.count("audio") == 2 }, "segments never sealed")

	sizes := map[string]int{}
	for _, ev := range ts.notify.ofKind("audio") {
		sizes[ev.userID] = len(ev.pcm)
	}
	if got, want := sizes["alice"], 3*1920*2; got != want {
		t.Errorf("alice pcm = %d bytes, want %d", got, want)
	}
	if got, want := sizes["bob"], 4*1920*2; got != want {
		t.Errorf("bob pcm = %d bytes, want %d", got, want)
	}
}

func TestEmptySegmentNeverForwarded(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.farm.fail = true

	// Every decode fails, so the segment exists but captures nothing.
	ts.feedFrames(3, "speaker")
	time.Sleep(3 * testConfig().SilenceIdle)

	if n := ts.notify.count("audio"); n != 0 {
		t.Errorf("got %d audio events from an empty segment", n)
	}

	ts.s.mu.Lock()
	open := len(ts.s.segments)
	ts.s.mu.Unlock()
	if open != 0 {
		t.Errorf("%d segments still open after seal", open)
	}

	ts.farm.mu.Lock()
	dec := ts.farm.made[0]
	ts.farm.mu.Unlock()
	if !dec.isClosed() {
		t.Error("decoder not closed when the empty segment was discarded")
	}
}

func TestUnattributedFramesDropped(t *testing.T) {
	ts := newTestSession(t, nil)

	ts.s.handleFrame(media.Frame{SSRC: 42, Opus: []byte{0x01}})

	ts.s.mu.Lock()
	open := len(ts.s.segments)
	ts.s.mu.Unlock()
	if open != 0 {
		t.Errorf("unattributed frame opened %d segments", open)
	}
}

func TestBargeInFiresOncePerSegment(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.setPlaying(true)
	ts.farm.amp = 2000 // well above the RMS threshold

	ts.feedFrames(2, "speaker")
	if n := ts.notify.count("speaking_start"); n != 0 {
		t.Fatalf("speaking_start after %d frames, want none before the frame floor", n)
	}

	ts.feedFrames(1, "speaker")
	waitFor(t, func() bool { return ts.notify.count("speaking_start") == 1 }, "no speaking_start at the frame floor")

	ev := ts.notify.ofKind("speaking_start")[0]
	if ev.userID != "speaker" {
		t.Errorf("speaking_start user = %q, want speaker", ev.userID)
	}
	if ev.rms <= 300 {
		t.Errorf("speaking_start rms = %f, want above threshold", ev.rms)
	}

	// More loud frames must not repeat the signal.
	ts.feedFrames(5, "speaker")
	if n := ts.notify.count("speaking_start"); n != 1 {
		t.Errorf("got %d speaking_start events, want exactly 1", n)
	}

	// The early signal precedes the sealed audio.
	waitFor(t, func() bool { return ts.notify.count("audio") == 1 }, "segment never sealed")
	var sawSpeaking bool
	for _, ev := range ts.notify.all() {
		switch ev.kind {
		case "speaking_start":
			sawSpeaking = true
		case "audio":
			if !sawSpeaking {
				t.Error("audio delivered before speaking_start")
			}
			if !ev.duringPlayback {
				t.Error("barge-in segment not flagged as during playback")
			}
		}
	}
}

func TestQuietSpeechDoesNotBargeIn(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.setPlaying(true)
	ts.farm.amp = 10 // below the RMS threshold

	ts.feedFrames(6, "speaker")
	waitFor(t, func() bool { return ts.notify.count("audio") == 1 }, "segment never sealed")

	if n := ts.notify.count("speaking_start"); n != 0 {
		t.Errorf("got %d speaking_start events for sub-threshold audio", n)
	}
}

func TestLoudSpeechWhileIdleDoesNotBargeIn(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.farm.amp = 2000

	ts.feedFrames(6, "speaker")
	waitFor(t, func() bool { return ts.notify.count("audio") == 1 }, "segment never sealed")

	if n := ts.notify.count("speaking_start"); n != 0 {
		t.Errorf("got %d speaking_start events while nothing was playing", n)
	}
}

func TestSilenceWindowShorterDuringPlayback(t *testing.T) {
	ts := newTestSession(t, nil)
	cfg := testConfig()

	ts.s.mu.Lock()
	idle := ts.s.silenceWindowLocked()
	ts.s.mu.Unlock()
	if idle != cfg.SilenceIdle {
		t.Errorf("idle window = %v, want %v", idle, cfg.SilenceIdle)
	}

	ts.setPlaying(true)
	ts.s.mu.Lock()
	playing := ts.s.silenceWindowLocked()
	ts.s.mu.Unlock()
	if playing != cfg.SilencePlaying {
		t.Errorf("playing window = %v, want %v", playing, cfg.SilencePlaying)
	}
	if playing >= idle {
		t.Errorf("playing window %v not shorter than idle window %v", playing, idle)
	}
}

func TestDestroyDiscardsOpenSegments(t *testing.T) {
	ts := newTestSession(t, nil)
	ts.feedFrames(3, "speaker")
	ts.s.Destroy()

	time.Sleep(3 * testConfig().SilenceIdle)
	if n := ts.notify.count("audio"); n != 0 {
		t.Errorf("got %d audio events after destroy", n)
	}

	ts.farm.mu.Lock()
	dec := ts.farm.made[0]
	ts.farm.mu.Unlock()
	if !dec.isClosed() {
		t.Error("decoder not closed on destroy")
	}
}
