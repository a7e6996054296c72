package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeServerUpdate(t *testing.T) {
	var env Envelope
	raw := `{
		"op": "voice_server_update",
		"d": {"token": "abc123", "guild_id": "g1", "endpoint": "us-west42.discord.media:443"}
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	vsu, err := env.ServerUpdate()
	require.NoError(t, err)
	assert.Equal(t, "abc123", vsu.Token)
	assert.Equal(t, "g1", vsu.GuildID)
	assert.Equal(t, "us-west42.discord.media:443", vsu.Endpoint)
}

func TestEnvelopeStateUpdate(t *testing.T) {
	var env Envelope
	raw := `{
		"op": "voice_state_update",
		"d": {"guild_id": "g1", "channel_id": "c1", "user_id": "u1", "session_id": "s1"}
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	vs, err := env.StateUpdate()
	require.NoError(t, err)
	assert.Equal(t, "g1", vs.GuildID)
	assert.Equal(t, "c1", vs.ChannelID)
	assert.Equal(t, "s1", vs.SessionID)
}

func TestEnvelopeSignallingRejectsMissingPayload(t *testing.T) {
	env := Envelope{Op: "voice_server_update"}
	_, err := env.ServerUpdate()
	assert.Error(t, err)

	env = Envelope{Op: "voice_state_update"}
	_, err = env.StateUpdate()
	assert.Error(t, err)
}

func TestEnvelopeSignallingRejectsMissingGuild(t *testing.T) {
	env := Envelope{
		Op: "voice_server_update",
		D:  json.RawMessage(`{"token": "abc", "endpoint": "ep"}`),
	}
	_, err := env.ServerUpdate()
	assert.Error(t, err)

	env = Envelope{
		Op: "voice_state_update",
		D:  json.RawMessage(`{"session_id": "s1"}`),
	}
	_, err = env.StateUpdate()
	assert.Error(t, err)
}

func TestOutboundMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		msg  any
		want map[string]any
	}{
		{
			name: "ready",
			msg:  readyMsg{Op: "ready", GuildID: "g1", Dave: true},
			want: map[string]any{"op": "ready", "guild_id": "g1", "dave": true},
		},
		{
			name: "speaking_start",
			msg:  speakingStartMsg{Op: "speaking_start", GuildID: "g1", UserID: "u1", RMS: 512.5},
			want: map[string]any{"op": "speaking_start", "guild_id": "g1", "user_id": "u1", "rms": 512.5},
		},
		{
			name: "audio",
			msg: audioMsg{
				Op: "audio", GuildID: "g1", UserID: "u1",
				PCM: "AAAA", DuringPlayback: true,
			},
			want: map[string]any{
				"op": "audio", "guild_id": "g1", "user_id": "u1",
				"pcm": "AAAA", "during_playback": true,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.msg)
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, tc.want, got)
		})
	}
}
