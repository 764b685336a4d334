package protocol

import "time"

// Canonical message types. These double as the JSON-RPC method names.
const (
	MsgRegisterPlayer        = "REGISTER_PLAYER"
	MsgRegisterReferee       = "REGISTER_REFEREE"
	MsgStartLeague           = "START_LEAGUE"
	MsgStartMatch            = "START_MATCH"
	MsgGameInvitation        = "GAME_INVITATION"
	MsgGameJoinAck           = "GAME_JOIN_ACK"
	MsgChooseParityCall      = "CHOOSE_PARITY_CALL"
	MsgChooseParityResponse  = "CHOOSE_PARITY_RESPONSE"
	MsgGameOver              = "GAME_OVER"
	MsgMatchResultReport     = "MATCH_RESULT_REPORT"
	MsgLeagueStandingsUpdate = "LEAGUE_STANDINGS_UPDATE"
	MsgRoundAnnouncement     = "ROUND_ANNOUNCEMENT"
	MsgRoundCompleted        = "ROUND_COMPLETED"
	MsgLeagueCompleted       = "LEAGUE_COMPLETED"
	MsgLeagueQuery           = "LEAGUE_QUERY"
)

// Aliases maps the lowercase tool names onto canonical message types. Applied
// once at ingress; handlers only ever see canonical names.
var Aliases = map[string]string{
	"register_player":        MsgRegisterPlayer,
	"register_referee":       MsgRegisterReferee,
	"start_league":           MsgStartLeague,
	"start_match":            MsgStartMatch,
	"handle_game_invitation": MsgGameInvitation,
	"choose_parity":          MsgChooseParityCall,
	"game_over":              MsgGameOver,
	"notify_match_result":    MsgMatchResultReport,
	"report_match_result":    MsgMatchResultReport,
	"league_query":           MsgLeagueQuery,
	"get_standings":          MsgLeagueQuery,
}

// Canonical resolves method to its canonical message type, if known.
func Canonical(method string) (string, bool) {
	if alias, ok := Aliases[method]; ok {
		return alias, true
	}
	switch method {
	case MsgRegisterPlayer, MsgRegisterReferee, MsgStartLeague, MsgStartMatch,
		MsgGameInvitation, MsgGameJoinAck, MsgChooseParityCall,
		MsgChooseParityResponse, MsgGameOver, MsgMatchResultReport,
		MsgLeagueStandingsUpdate, MsgRoundAnnouncement, MsgRoundCompleted,
		MsgLeagueCompleted, MsgLeagueQuery:
		return method, true
	}
	return "", false
}

// IsRegistration reports whether the method may be called without a token.
func IsRegistration(messageType string) bool {
	return messageType == MsgRegisterPlayer || messageType == MsgRegisterReferee
}

// DefaultDeadline is the server-side budget for methods not in the table.
const DefaultDeadline = 10 * time.Second

// Deadline returns the per-method server budget. Clients use the same value.
func Deadline(messageType string) time.Duration {
	switch messageType {
	case MsgRegisterPlayer, MsgRegisterReferee:
		return 10 * time.Second
	case MsgGameJoinAck, MsgGameInvitation:
		return 5 * time.Second
	case MsgChooseParityCall:
		return 30 * time.Second
	case MsgGameOver:
		return 5 * time.Second
	case MsgMatchResultReport:
		return 10 * time.Second
	case MsgLeagueQuery:
		return 10 * time.Second
	default:
		return DefaultDeadline
	}
}

// RegisterPlayerParams is the payload of REGISTER_PLAYER.
type RegisterPlayerParams struct {
	Envelope
	PlayerID        string   `json:"player_id"`
	DisplayName     string   `json:"display_name,omitempty"`
	ContactEndpoint string   `json:"contact_endpoint"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// RegisterRefereeParams is the payload of REGISTER_REFEREE.
type RegisterRefereeParams struct {
	Envelope
	RefereeID            string   `json:"referee_id"`
	ContactEndpoint      string   `json:"contact_endpoint"`
	MaxConcurrentMatches int      `json:"max_concurrent_matches,omitempty"`
	Capabilities         []string `json:"capabilities,omitempty"`
}

// RegisterResult is returned by both registration methods.
type RegisterResult struct {
	AgentID   string `json:"agent_id"`
	AuthToken string `json:"auth_token"`
	LeagueID  string `json:"league_id"`
	ExpiresAt string `json:"expires_at"`
}

// StartLeagueParams triggers schedule construction (operator surface).
type StartLeagueParams struct {
	Envelope
	LeagueID    string `json:"league_id"`
	OperatorKey string `json:"operator_key"`
}

// StartMatchParams assigns a match to a referee.
type StartMatchParams struct {
	Envelope
	MatchID         string `json:"match_id"`
	LeagueID        string `json:"league_id"`
	RoundID         int    `json:"round_id"`
	GameType        string `json:"game_type"`
	PlayerAID       string `json:"player_a_id"`
	PlayerBID       string `json:"player_b_id"`
	PlayerAEndpoint string `json:"player_a_endpoint"`
	PlayerBEndpoint string `json:"player_b_endpoint"`
}

// GameInvitationParams invites a player into a match.
type GameInvitationParams struct {
	Envelope
	MatchID          string `json:"match_id"`
	LeagueID         string `json:"league_id"`
	RoundID          int    `json:"round_id"`
	GameType         string `json:"game_type"`
	RoleInMatch      string `json:"role_in_match"`
	OpponentID       string `json:"opponent_id"`
	OpponentEndpoint string `json:"opponent_endpoint,omitempty"`
}

// GameJoinAck is the response payload to GAME_INVITATION.
type GameJoinAck struct {
	MatchID        string `json:"match_id"`
	PlayerID       string `json:"player_id"`
	ConversationID string `json:"conversation_id"`
	Accepted       bool   `json:"accepted"`
}

// ChooseParityCallParams asks a player for a parity choice.
type ChooseParityCallParams struct {
	Envelope
	MatchID    string `json:"match_id"`
	LeagueID   string `json:"league_id"`
	OpponentID string `json:"opponent_id"`
	Range      [2]int `json:"range"`
}

// ChooseParityResponse is the response payload to CHOOSE_PARITY_CALL.
type ChooseParityResponse struct {
	MatchID        string `json:"match_id"`
	PlayerID       string `json:"player_id"`
	ConversationID string `json:"conversation_id"`
	ParityChoice   string `json:"parity_choice"`
}

// GameOverParams informs a player of the final match outcome.
type GameOverParams struct {
	Envelope
	MatchID       string `json:"match_id"`
	LeagueID      string `json:"league_id"`
	DrawnNumber   int    `json:"drawn_number,omitempty"`
	NumberParity  string `json:"number_parity,omitempty"`
	WinnerID      string `json:"winner_player_id"`
	OpponentID    string `json:"opponent_id"`
	YourStatus    string `json:"status"`
	PointsAwarded int    `json:"points_awarded"`
	Consequence   string `json:"consequence,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// PlayerResult is one side of a reported match outcome.
type PlayerResult struct {
	PlayerID      string `json:"player_id"`
	Choice        string `json:"choice,omitempty"`
	Status        string `json:"status"`
	PointsAwarded int    `json:"points_awarded"`
	ErrorCode     string `json:"error_code,omitempty"`
}

// MatchResultReportParams is the referee's final report to the LM.
type MatchResultReportParams struct {
	Envelope
	MatchID      string         `json:"match_id"`
	LeagueID     string         `json:"league_id"`
	RoundID      int            `json:"round_id"`
	RefereeID    string         `json:"referee_id"`
	DrawnNumber  int            `json:"drawn_number,omitempty"`
	NumberParity string         `json:"number_parity,omitempty"`
	WinnerID     string         `json:"winner_player_id"`
	Results      []PlayerResult `json:"results"`
	CompletedAt  string         `json:"completed_at"`
}

// ReportAck acknowledges a MATCH_RESULT_REPORT.
type ReportAck struct {
	MatchID string `json:"match_id"`
	Status  string `json:"status"`
}

// LeagueQueryParams requests standings or league state.
type LeagueQueryParams struct {
	Envelope
	LeagueID string `json:"league_id"`
	Query    string `json:"query,omitempty"`
	MatchID  string `json:"match_id,omitempty"`
}

// StandingsUpdateParams is broadcast to players after each applied report.
type StandingsUpdateParams struct {
	Envelope
	LeagueID  string         `json:"league_id"`
	Standings []StandingsRow `json:"standings"`
	AsOfMatch string         `json:"as_of_match,omitempty"`
}

// StandingsRow is one player's aggregate line, as broadcast and persisted.
type StandingsRow struct {
	PlayerID        string                `json:"player_id"`
	Points          int                   `json:"points"`
	Wins            int                   `json:"wins"`
	Draws           int                   `json:"draws"`
	Losses          int                   `json:"losses"`
	TechnicalLosses int                   `json:"technical_losses"`
	GamesPlayed     int                   `json:"games_played"`
	HeadToHead      map[string]HeadToHead `json:"head_to_head,omitempty"`
}

// HeadToHead is the per-opponent record inside a standings row.
type HeadToHead struct {
	Wins   int `json:"w"`
	Draws  int `json:"d"`
	Losses int `json:"l"`
}

// RoundAnnouncementParams is broadcast when a round becomes active.
type RoundAnnouncementParams struct {
	Envelope
	LeagueID string   `json:"league_id"`
	RoundID  int      `json:"round_id"`
	Matches  []string `json:"matches"`
}

// RoundCompletedParams is broadcast when every match of a round is processed.
type RoundCompletedParams struct {
	Envelope
	LeagueID string `json:"league_id"`
	RoundID  int    `json:"round_id"`
}

// LeagueCompletedParams is broadcast once all rounds have completed.
type LeagueCompletedParams struct {
	Envelope
	LeagueID  string         `json:"league_id"`
	Standings []StandingsRow `json:"standings"`
}
