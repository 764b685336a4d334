package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() Envelope {
	return Envelope{
		Protocol:       Version,
		MessageType:    MsgLeagueQuery,
		Sender:         "player:player-001",
		Timestamp:      "2026-08-24T10:00:00.000Z",
		ConversationID: "conv-1",
	}
}

func TestValidTimestamp(t *testing.T) {
	good := []string{
		"2026-08-24T10:00:00Z",
		"2026-08-24T10:00:00.5Z",
		"2026-08-24T10:00:00.000Z",
		"2026-08-24T10:00:00.123456789Z",
	}
	for _, ts := range good {
		assert.True(t, ValidTimestamp(ts), ts)
	}

	bad := []string{
		"2026-08-24T10:00:00",            // no zone
		"2026-08-24T10:00:00+00:00",      // offset instead of Z
		"2026-08-24 10:00:00Z",           // space separator
		"2026-08-24T10:00:00.0000000000Z", // too many fractional digits
		"today",
		"",
	}
	for _, ts := range bad {
		assert.False(t, ValidTimestamp(ts), ts)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	env := validEnvelope()
	require.Nil(t, env.Validate())

	t.Run("wrong protocol is E011 with supported list", func(t *testing.T) {
		env := validEnvelope()
		env.Protocol = "league.v1"
		err := env.Validate()
		require.NotNil(t, err)
		assert.Equal(t, CodeProtocolMismatch, err.Code)
		assert.Equal(t, map[string]any{"supported_protocols": []string{Version}}, err.Details)
	})

	t.Run("missing fields are E002", func(t *testing.T) {
		for name, mutate := range map[string]func(*Envelope){
			"message_type":    func(e *Envelope) { e.MessageType = "" },
			"sender":          func(e *Envelope) { e.Sender = "" },
			"bad sender":      func(e *Envelope) { e.Sender = "nobody" },
			"timestamp":       func(e *Envelope) { e.Timestamp = "2026-08-24 10:00" },
			"conversation_id": func(e *Envelope) { e.ConversationID = "" },
		} {
			env := validEnvelope()
			mutate(&env)
			err := env.Validate()
			require.NotNil(t, err, name)
			assert.Equal(t, CodeValidation, err.Code, name)
		}
	})
}

func TestParseSender(t *testing.T) {
	typ, id, err := ParseSender("referee:ref-2")
	require.NoError(t, err)
	assert.Equal(t, AgentReferee, typ)
	assert.Equal(t, "ref-2", id)

	_, _, err = ParseSender("robot:r1")
	assert.Error(t, err)
	_, _, err = ParseSender("player:")
	assert.Error(t, err)
	_, _, err = ParseSender(":x")
	assert.Error(t, err)
}

func TestCanonicalAliases(t *testing.T) {
	for method, want := range map[string]string{
		"register_player":        MsgRegisterPlayer,
		"choose_parity":          MsgChooseParityCall,
		"handle_game_invitation": MsgGameInvitation,
		"notify_match_result":    MsgMatchResultReport,
		"report_match_result":    MsgMatchResultReport,
		"get_standings":          MsgLeagueQuery,
		MsgStartMatch:            MsgStartMatch,
	} {
		got, ok := Canonical(method)
		require.True(t, ok, method)
		assert.Equal(t, want, got, method)
	}

	_, ok := Canonical("destroy_league")
	assert.False(t, ok)
}
