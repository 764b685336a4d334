// Package player is the player agent: it answers invitations and parity
// calls, records outcomes to its local history and tracks the latest
// standings broadcast.
package player

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/parityleague/backend/internal/game"
	"github.com/parityleague/backend/internal/logging"
	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

// choiceKey dedupes parity calls: retries of the same call must get the
// same answer.
type choiceKey struct {
	matchID        string
	conversationID string
}

// Agent holds the player's in-process state.
type Agent struct {
	playerID string
	strategy Strategy
	client   *rpc.Client
	repo     *storage.Repository
	log      *zap.Logger

	mu        sync.Mutex
	joined    map[string]bool
	choices   map[choiceKey]string
	history   *models.PlayerHistory
	standings []protocol.StandingsRow
}

// NewAgent builds a player agent and restores its persisted history.
func NewAgent(playerID string, strategy Strategy, client *rpc.Client, repo *storage.Repository, log *zap.Logger) (*Agent, error) {
	history, err := repo.LoadPlayerHistory(playerID)
	if err != nil {
		return nil, err
	}
	return &Agent{
		playerID: playerID,
		strategy: strategy,
		client:   client,
		repo:     repo,
		log:      log,
		joined:   make(map[string]bool),
		choices:  make(map[choiceKey]string),
		history:  history,
	}, nil
}

// History returns the restored and accumulated match history.
func (a *Agent) History() *models.PlayerHistory {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := *a.history
	return &h
}

// Standings returns the latest broadcast snapshot.
func (a *Agent) Standings() []protocol.StandingsRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.standings
}

// RegisterHandlers wires the player's inbound surface onto the server.
func (a *Agent) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(protocol.MsgGameInvitation, a.handleInvitation)
	srv.Handle(protocol.MsgChooseParityCall, a.handleChooseParity)
	srv.Handle(protocol.MsgGameOver, a.handleGameOver)
	srv.Handle(protocol.MsgLeagueStandingsUpdate, a.handleStandingsUpdate)
	srv.Handle(protocol.MsgRoundAnnouncement, a.handleRoundNotice)
	srv.Handle(protocol.MsgRoundCompleted, a.handleRoundNotice)
	srv.Handle(protocol.MsgLeagueCompleted, a.handleLeagueCompleted)
	srv.SetAuth(func(_, sender, token string) *protocol.Error {
		// Players hear only from referees and the LM. Tokens cannot be
		// verified here (only the LM holds the registry), but one must be
		// present on every non-registration message.
		agentType, _, err := protocol.ParseSender(sender)
		if err != nil {
			return protocol.NewError(protocol.CodeValidation, "invalid sender: %v", err)
		}
		if agentType != protocol.AgentReferee && agentType != protocol.AgentLeagueManager {
			return protocol.NewError(protocol.CodeAuthIdentity, "player only accepts referee and league manager calls")
		}
		if token == "" {
			return protocol.NewError(protocol.CodeAuthToken, "auth_token is required")
		}
		return nil
	})
}

// handleInvitation accepts a match assignment. Re-invitations for a match
// already joined are acknowledged identically.
func (a *Agent) handleInvitation(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.GameInvitationParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed GAME_INVITATION: %v", err)
	}
	if params.MatchID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "match_id is required")
	}

	a.mu.Lock()
	already := a.joined[params.MatchID]
	a.joined[params.MatchID] = true
	a.mu.Unlock()

	if !already {
		a.log.Info("joined match",
			zap.String("match_id", params.MatchID),
			zap.String("opponent_id", params.OpponentID),
			zap.String("role", params.RoleInMatch),
		)
	}
	return protocol.GameJoinAck{
		MatchID:        params.MatchID,
		PlayerID:       a.playerID,
		ConversationID: call.Envelope.ConversationID,
		Accepted:       true,
	}, nil
}

// handleChooseParity asks the strategy once per (match, conversation) and
// replays the recorded answer on retries.
func (a *Agent) handleChooseParity(ctx context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.ChooseParityCallParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed CHOOSE_PARITY_CALL: %v", err)
	}
	if params.MatchID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "match_id is required")
	}

	key := choiceKey{matchID: params.MatchID, conversationID: call.Envelope.ConversationID}
	a.mu.Lock()
	choice, ok := a.choices[key]
	a.mu.Unlock()

	if !ok {
		var err error
		choice, err = a.strategy.ChooseParity(ctx, MatchContext{
			MatchID:    params.MatchID,
			LeagueID:   params.LeagueID,
			OpponentID: params.OpponentID,
			Range:      params.Range,
		})
		if err != nil {
			return nil, protocol.NewError(protocol.CodeServiceUnavailable, "strategy failed: %v", err)
		}
		if !game.ValidChoice(choice) {
			return nil, protocol.NewError(protocol.CodeInvalidMove, "strategy produced invalid choice %q", choice)
		}
		a.mu.Lock()
		// A concurrent retry may have raced us; first answer recorded wins.
		if prior, dup := a.choices[key]; dup {
			choice = prior
		} else {
			a.choices[key] = choice
		}
		a.mu.Unlock()
	}

	a.log.Info("parity chosen",
		zap.String("match_id", params.MatchID),
		zap.String("choice", choice),
		zap.String("strategy", a.strategy.Name()),
	)
	return protocol.ChooseParityResponse{
		MatchID:        params.MatchID,
		PlayerID:       a.playerID,
		ConversationID: call.Envelope.ConversationID,
		ParityChoice:   choice,
	}, nil
}

// handleGameOver folds the outcome into local history and persists it.
// Duplicate notifications for a match already recorded are ignored.
func (a *Agent) handleGameOver(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.GameOverParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed GAME_OVER: %v", err)
	}
	if params.MatchID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "match_id is required")
	}

	a.mu.Lock()
	for _, e := range a.history.Matches {
		if e.MatchID == params.MatchID {
			a.mu.Unlock()
			return map[string]string{"match_id": params.MatchID, "status": "recorded"}, nil
		}
	}
	status := models.PlayerStatus(params.YourStatus)
	a.history.Matches = append(a.history.Matches, models.HistoryEntry{
		MatchID:       params.MatchID,
		LeagueID:      params.LeagueID,
		OpponentID:    params.OpponentID,
		Status:        status,
		PointsAwarded: params.PointsAwarded,
		CompletedAt:   time.Now().UTC(),
	})
	a.history.Points += params.PointsAwarded
	switch status {
	case models.StatusWin:
		a.history.Wins++
	case models.StatusDraw:
		a.history.Draws++
	default:
		a.history.Losses++
	}
	snapshot := *a.history
	a.mu.Unlock()

	if err := a.repo.SavePlayerHistory(&snapshot); err != nil {
		a.log.Error("persist history", zap.String("match_id", params.MatchID), zap.Error(err))
	}

	a.log.Info("match over",
		zap.String("match_id", params.MatchID),
		zap.String("status", params.YourStatus),
		zap.Int("points_awarded", params.PointsAwarded),
		zap.String("consequence", params.Consequence),
	)
	return map[string]string{"match_id": params.MatchID, "status": "recorded"}, nil
}

func (a *Agent) handleStandingsUpdate(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.StandingsUpdateParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed LEAGUE_STANDINGS_UPDATE: %v", err)
	}
	a.mu.Lock()
	a.standings = params.Standings
	a.mu.Unlock()
	a.log.Debug("standings update",
		zap.String("league_id", params.LeagueID),
		zap.String("as_of_match", params.AsOfMatch),
	)
	return map[string]string{"status": "ok"}, nil
}

func (a *Agent) handleRoundNotice(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	a.log.Info("round notice", zap.String("message_type", call.Method))
	return map[string]string{"status": "ok"}, nil
}

func (a *Agent) handleLeagueCompleted(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.LeagueCompletedParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed LEAGUE_COMPLETED: %v", err)
	}
	a.mu.Lock()
	a.standings = params.Standings
	a.mu.Unlock()
	a.log.Info("league completed", zap.String("league_id", params.LeagueID))
	return map[string]string{"status": "ok"}, nil
}

// RegisterWithLM announces this player to the League Manager and installs
// the issued token on the client.
func (a *Agent) RegisterWithLM(ctx context.Context, lmURL, contactEndpoint string) (string, error) {
	result, err := a.client.Call(ctx, lmURL, protocol.MsgRegisterPlayer, protocol.RegisterPlayerParams{
		PlayerID:        a.playerID,
		ContactEndpoint: contactEndpoint,
		Capabilities:    []string{"even_odd"},
	})
	if err != nil {
		return "", err
	}
	var reg protocol.RegisterResult
	if err := json.Unmarshal(result, &reg); err != nil {
		return "", err
	}
	a.client.SetToken(reg.AuthToken)
	a.log.Info("registered with league manager",
		zap.String("league_id", reg.LeagueID),
		zap.String("token", logging.RedactToken(reg.AuthToken)),
	)
	return reg.LeagueID, nil
}
