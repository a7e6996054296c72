package relay

import (
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Envelope is one inbound relay message from the control process. Every
// message carries an op; the other fields depend on it. Signalling ops
// nest the raw gateway event under d, exactly as the control process
// received it.
type Envelope struct {
	Op        string          `json:"op"`
	GuildID   string          `json:"guild_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Audio     string          `json:"audio,omitempty"`
	Format    string          `json:"format,omitempty"`
	Loop      bool            `json:"loop,omitempty"`
	Fade      bool            `json:"fade,omitempty"`
	D         json.RawMessage `json:"d,omitempty"`
}

// ServerUpdate extracts the voice server update nested under d.
func (e *Envelope) ServerUpdate() (*discordgo.VoiceServerUpdate, error) {
	if len(e.D) == 0 {
		return nil, fmt.Errorf("voice_server_update without d payload")
	}
	var vsu discordgo.VoiceServerUpdate
	if err := json.Unmarshal(e.D, &vsu); err != nil {
		return nil, fmt.Errorf("unmarshal voice server update: %w", err)
	}
	if vsu.GuildID == "" {
		return nil, fmt.Errorf("voice_server_update without guild_id")
	}
	return &vsu, nil
}

// StateUpdate extracts the voice state update nested under d.
func (e *Envelope) StateUpdate() (*discordgo.VoiceState, error) {
	if len(e.D) == 0 {
		return nil, fmt.Errorf("voice_state_update without d payload")
	}
	var vs discordgo.VoiceState
	if err := json.Unmarshal(e.D, &vs); err != nil {
		return nil, fmt.Errorf("unmarshal voice state update: %w", err)
	}
	if vs.GuildID == "" {
		return nil, fmt.Errorf("voice_state_update without guild_id")
	}
	return &vs, nil
}

// Outbound message shapes. The control process keys on op and guild_id.

type readyMsg struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
	Dave    bool   `json:"dave"`
}

type errorMsg struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
	Message string `json:"message"`
}

type disconnectedMsg struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
}

type playDoneMsg struct {
	Op      string `json:"op"`
	GuildID string `json:"guild_id"`
}

type speakingStartMsg struct {
	Op      string  `json:"op"`
	GuildID string  `json:"guild_id"`
	UserID  string  `json:"user_id"`
	RMS     float64 `json:"rms"`
}

type audioMsg struct {
	Op             string `json:"op"`
	GuildID        string `json:"guild_id"`
	UserID         string `json:"user_id"`
	PCM            string `json:"pcm"`
	DuringPlayback bool   `json:"during_playback"`
}

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Connected bool `json:"connected"`
	Sessions  int  `json:"sessions"`
}
