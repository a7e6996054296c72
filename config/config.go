package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config collects every tunable of the bridge. The numbers are behavior
// knobs, not protocol constants: they come from viper so operators can
// adjust them per deployment (voxbridge.yaml, environment, or flags).
type Config struct {
	// ListenAddr is where the relay WebSocket and health endpoint bind.
	ListenAddr string

	// RMSThreshold is the minimum root-mean-square amplitude of 16-bit
	// PCM that counts as speech for barge-in detection.
	RMSThreshold float64

	// BargeInFrames is how many decoded 20ms frames must accumulate
	// before the barge-in RMS check runs (3 frames ~ 60ms of audio).
	BargeInFrames int

	// SilenceIdle is the per-speaker silence window that seals a segment
	// while nothing is playing.
	SilenceIdle time.Duration

	// SilencePlaying is the (shorter) window used while the player is
	// active, so interruptions land quickly.
	SilencePlaying time.Duration

	// ReconnectWindow bounds how long a disconnected session waits for
	// fresh signalling before giving up.
	ReconnectWindow time.Duration

	// RecoveryWindow bounds how long a session may stay unready after a
	// transport error before it is destroyed.
	RecoveryWindow time.Duration

	// FadeDuration and FadeSteps shape the gain ramp used by stop(fade).
	FadeDuration time.Duration
	FadeSteps    int

	// CaptureDir, when set, archives every sealed segment as an Ogg Opus
	// file under <dir>/<guild>/<segment>.ogg.
	CaptureDir string
}

func SetDefaults() {
	viper.SetDefault("listen_addr", ":8765")
	viper.SetDefault("rms_threshold", 300.0)
	viper.SetDefault("barge_in_frames", 3)
	viper.SetDefault("silence_idle_ms", 1000)
	viper.SetDefault("silence_playing_ms", 350)
	viper.SetDefault("reconnect_window_ms", 5000)
	viper.SetDefault("recovery_window_ms", 10000)
	viper.SetDefault("fade_duration_ms", 250)
	viper.SetDefault("fade_steps", 5)
	viper.SetDefault("capture_dir", "")
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      viper.GetString("listen_addr"),
		RMSThreshold:    viper.GetFloat64("rms_threshold"),
		BargeInFrames:   viper.GetInt("barge_in_frames"),
		SilenceIdle:     time.Duration(viper.GetInt("silence_idle_ms")) * time.Millisecond,
		SilencePlaying:  time.Duration(viper.GetInt("silence_playing_ms")) * time.Millisecond,
		ReconnectWindow: time.Duration(viper.GetInt("reconnect_window_ms")) * time.Millisecond,
		RecoveryWindow:  time.Duration(viper.GetInt("recovery_window_ms")) * time.Millisecond,
		FadeDuration:    time.Duration(viper.GetInt("fade_duration_ms")) * time.Millisecond,
		FadeSteps:       viper.GetInt("fade_steps"),
		CaptureDir:      viper.GetString("capture_dir"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break the capture contract, most
// importantly the asymmetry between the playing and idle silence windows.
func (c *Config) Validate() error {
	if c.SilencePlaying >= c.SilenceIdle {
		return fmt.Errorf(
			"silence_playing_ms (%v) must be shorter than silence_idle_ms (%v)",
			c.SilencePlaying, c.SilenceIdle,
		)
	}
	if c.BargeInFrames < 1 {
		return fmt.Errorf("barge_in_frames must be at least 1, got %d", c.BargeInFrames)
	}
	if c.FadeSteps < 1 {
		return fmt.Errorf("fade_steps must be at least 1, got %d", c.FadeSteps)
	}
	if c.RMSThreshold < 0 {
		return fmt.Errorf("rms_threshold must not be negative, got %f", c.RMSThreshold)
	}
	return nil
}
