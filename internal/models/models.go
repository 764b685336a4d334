package models

import (
	"time"

	"github.com/parityleague/backend/internal/protocol"
)

// LeagueStatus represents the lifecycle state of a league
type LeagueStatus string

const (
	LeaguePending   LeagueStatus = "PENDING"
	LeagueActive    LeagueStatus = "ACTIVE"
	LeagueCompleted LeagueStatus = "COMPLETED"
)

// RoundStatus represents the lifecycle state of a round
type RoundStatus string

const (
	RoundPending   RoundStatus = "PENDING"
	RoundActive    RoundStatus = "ACTIVE"
	RoundCompleted RoundStatus = "COMPLETED"
)

// MatchState is the referee-side match state machine position
type MatchState string

const (
	MatchScheduled MatchState = "SCHEDULED"
	MatchInvited   MatchState = "INVITED"
	MatchJoined    MatchState = "JOINED"
	MatchChoosing  MatchState = "CHOOSING"
	MatchDecided   MatchState = "DECIDED"
	MatchReported  MatchState = "REPORTED"
	MatchFinished  MatchState = "FINISHED"
	MatchFailed    MatchState = "FAILED"
)

// PlayerStatus is a player's result in a single match
type PlayerStatus string

const (
	StatusWin           PlayerStatus = "WIN"
	StatusLoss          PlayerStatus = "LOSS"
	StatusDraw          PlayerStatus = "DRAW"
	StatusTechnicalLoss PlayerStatus = "TECHNICAL_LOSS"
)

// WinnerDraw is the outcome value used when neither player won
const WinnerDraw = "DRAW"

// Scoring holds the per-result point awards and tiebreaker order
type Scoring struct {
	Win           int      `json:"win"`
	Draw          int      `json:"draw"`
	Loss          int      `json:"loss"`
	TechnicalLoss int      `json:"technical_loss"`
	Tiebreakers   []string `json:"tiebreakers"`
}

// DefaultScoring is the standard league scoring configuration
func DefaultScoring() Scoring {
	return Scoring{
		Win:           3,
		Draw:          1,
		Loss:          0,
		TechnicalLoss: 0,
		Tiebreakers:   []string{"points", "wins", "head_to_head", "random"},
	}
}

// PointsFor returns the award for a single match status
func (s Scoring) PointsFor(st PlayerStatus) int {
	switch st {
	case StatusWin:
		return s.Win
	case StatusDraw:
		return s.Draw
	case StatusTechnicalLoss:
		return s.TechnicalLoss
	default:
		return s.Loss
	}
}

// League is the LM-owned league aggregate
type League struct {
	LeagueID          string       `json:"league_id"`
	GameType          string       `json:"game_type"`
	Status            LeagueStatus `json:"status"`
	Scoring           Scoring      `json:"scoring"`
	MinParticipants   int          `json:"min_participants"`
	MaxParticipants   int          `json:"max_participants"`
	RegisteredPlayers []string     `json:"registered_players"`
	AssignedReferees  []string     `json:"assigned_referees"`
	CreatedAt         time.Time    `json:"created_at"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Match is one scheduled two-player game
type Match struct {
	MatchID   string     `json:"match_id"`
	RoundID   int        `json:"round_id"`
	LeagueID  string     `json:"league_id"`
	PlayerAID string     `json:"player_a_id"`
	PlayerBID string     `json:"player_b_id"`
	RefereeID string     `json:"referee_id"`
	Status    MatchState `json:"status"`
}

// Round is an ordered set of matches inside a round-robin schedule
type Round struct {
	RoundID int         `json:"round_id"`
	Status  RoundStatus `json:"status"`
	Matches []Match     `json:"matches"`
}

// Schedule is the persisted form of rounds.json
type Schedule struct {
	LeagueID string  `json:"league_id"`
	Rounds   []Round `json:"rounds"`
}

// TranscriptEntry is one exchanged message recorded in a match transcript
type TranscriptEntry struct {
	Direction   string    `json:"direction"` // sent | received
	MessageType string    `json:"message_type"`
	Peer        string    `json:"peer"`
	Timestamp   time.Time `json:"timestamp"`
	Detail      string    `json:"detail,omitempty"`
}

// MatchTranscript is the full persisted record of one match execution
type MatchTranscript struct {
	MatchID        string                  `json:"match_id"`
	LeagueID       string                  `json:"league_id"`
	RoundID        int                     `json:"round_id"`
	PlayerAID      string                  `json:"player_a_id"`
	PlayerBID      string                  `json:"player_b_id"`
	ConversationID string                  `json:"conversation_id"`
	RefereeID      string                  `json:"referee_id"`
	State          MatchState              `json:"state"`
	Choices        map[string]string       `json:"choices"`
	DrawnNumber    int                     `json:"drawn_number,omitempty"`
	NumberParity   string                  `json:"number_parity,omitempty"`
	WinnerID       string                  `json:"winner_player_id,omitempty"`
	Results        []protocol.PlayerResult `json:"results,omitempty"`
	Entries        []TranscriptEntry       `json:"entries"`
	StartedAt      time.Time               `json:"started_at"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
}

// HistoryEntry is one match reference in a player's local history
type HistoryEntry struct {
	MatchID       string       `json:"match_id"`
	LeagueID      string       `json:"league_id"`
	OpponentID    string       `json:"opponent_id"`
	Status        PlayerStatus `json:"status"`
	PointsAwarded int          `json:"points_awarded"`
	CompletedAt   time.Time    `json:"completed_at"`
}

// PlayerHistory is the persisted per-player match record
type PlayerHistory struct {
	PlayerID string         `json:"player_id"`
	Matches  []HistoryEntry `json:"matches"`
	Points   int            `json:"points"`
	Wins     int            `json:"wins"`
	Draws    int            `json:"draws"`
	Losses   int            `json:"losses"`
}
