package protocol

import "fmt"

// League error codes (league.v2).
const (
	CodeTimeout               = "E001"
	CodeValidation            = "E002"
	CodeAuthIdentity          = "E003"
	CodeRegistration          = "E004"
	CodeStateUnavailable      = "E005"
	CodeServiceUnavailable    = "E006"
	CodeMatchNotFound         = "E007"
	CodeLeagueNotFound        = "E008"
	CodeBusy                  = "E009"
	CodeInvalidMove           = "E010"
	CodeProtocolMismatch      = "E011"
	CodeAuthToken             = "E012"
	CodeConversationMismatch  = "E013"
	CodeRateLimited           = "E014"
	CodeResourceExhausted     = "E015"
	CodeCircuitOpen           = "E016"
	CodeDuplicateRegistration = "E017"
	CodeUnknownMethod         = "E018"
)

// Error is a league.v2 error. It carries the league code and maps onto a
// JSON-RPC error code for the wire.
type Error struct {
	Code           string `json:"error_code"`
	Message        string `json:"message"`
	MessageType    string `json:"message_type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Details        any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a league error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches message type and conversation id for the wire.
func (e *Error) WithContext(messageType, conversationID string) *Error {
	dup := *e
	dup.MessageType = messageType
	dup.ConversationID = conversationID
	return &dup
}

var retryable = map[string]bool{
	CodeTimeout:            true,
	CodeStateUnavailable:   true,
	CodeServiceUnavailable: true,
	CodeBusy:               true,
	CodeRateLimited:        true,
	CodeResourceExhausted:  true,
	CodeCircuitOpen:        true,
}

// Retryable reports whether a call failing with this error may be retried by
// the transport layer.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// JSONRPCCode maps the league code to the numeric JSON-RPC error code.
func (e *Error) JSONRPCCode() int {
	switch e.Code {
	case CodeTimeout:
		return -32000
	case CodeAuthToken, CodeAuthIdentity:
		return -32001
	case CodeValidation:
		return -32602
	case CodeProtocolMismatch:
		return -32600
	case CodeUnknownMethod:
		return -32601
	default:
		return -32000
	}
}
