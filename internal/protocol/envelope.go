package protocol

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Version is the only protocol version this build speaks.
const Version = "league.v2"

// Agent types as they appear in the sender field.
const (
	AgentLeagueManager = "league_manager"
	AgentReferee       = "referee"
	AgentPlayer        = "player"
	AgentOperator      = "operator"
)

// Envelope is the common field set every league.v2 params payload carries.
type Envelope struct {
	Protocol       string `json:"protocol"`
	MessageType    string `json:"message_type"`
	Sender         string `json:"sender"`
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversation_id"`
	AuthToken      string `json:"auth_token,omitempty"`
}

// timestampRE is the single pattern the substrate enforces: ISO 8601 UTC
// with a trailing Z and optional fractional seconds.
var timestampRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{1,9})?Z$`)

// ValidTimestamp reports whether ts matches the enforced ISO 8601 UTC shape.
func ValidTimestamp(ts string) bool {
	return timestampRE.MatchString(ts)
}

// Now returns the current time formatted for an envelope timestamp.
func Now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatSender renders the sender field for an agent.
func FormatSender(agentType, agentID string) string {
	return agentType + ":" + agentID
}

// ParseSender splits a sender field into agent type and agent id.
func ParseSender(sender string) (agentType, agentID string, err error) {
	i := strings.IndexByte(sender, ':')
	if i <= 0 || i == len(sender)-1 {
		return "", "", fmt.Errorf("malformed sender %q", sender)
	}
	agentType, agentID = sender[:i], sender[i+1:]
	switch agentType {
	case AgentLeagueManager, AgentReferee, AgentPlayer, AgentOperator:
		return agentType, agentID, nil
	}
	return "", "", fmt.Errorf("unknown agent type %q in sender", agentType)
}

// Validate checks the envelope shape shared by every message. Auth is checked
// separately because registration methods carry no token yet.
func (e *Envelope) Validate() *Error {
	if e.Protocol != Version {
		err := NewError(CodeProtocolMismatch, "unsupported protocol %q", e.Protocol)
		err.Details = map[string]any{"supported_protocols": []string{Version}}
		return err
	}
	if e.MessageType == "" {
		return NewError(CodeValidation, "message_type is required")
	}
	if e.Sender == "" {
		return NewError(CodeValidation, "sender is required")
	}
	if _, _, err := ParseSender(e.Sender); err != nil {
		return NewError(CodeValidation, "invalid sender: %v", err)
	}
	if !ValidTimestamp(e.Timestamp) {
		return NewError(CodeValidation, "timestamp %q is not ISO 8601 UTC with trailing Z", e.Timestamp)
	}
	if e.ConversationID == "" {
		return NewError(CodeValidation, "conversation_id is required")
	}
	return nil
}
