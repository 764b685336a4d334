package referee

import (
	"context"
	"encoding/json"

	"github.com/parityleague/backend/internal/logging"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/rpc"
	"go.uber.org/zap"
)

// RegisterHandlers wires the referee's inbound surface onto the server.
func (c *Conductor) RegisterHandlers(srv *rpc.Server) {
	srv.Handle(protocol.MsgStartMatch, c.handleStartMatch)
	srv.SetAuth(func(_, sender, token string) *protocol.Error {
		// Only the LM addresses a referee, and only the LM can verify
		// tokens against the registry. We require a token to be present
		// and the sender to claim the league_manager role.
		agentType, _, err := protocol.ParseSender(sender)
		if err != nil {
			return protocol.NewError(protocol.CodeValidation, "invalid sender: %v", err)
		}
		if agentType != protocol.AgentLeagueManager {
			return protocol.NewError(protocol.CodeAuthIdentity, "referee only accepts league manager calls")
		}
		if token == "" {
			return protocol.NewError(protocol.CodeAuthToken, "auth_token is required")
		}
		return nil
	})
}

// handleStartMatch validates the assignment and launches conduction in the
// background. The RPC answer only acknowledges acceptance.
func (c *Conductor) handleStartMatch(ctx context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.StartMatchParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed START_MATCH: %v", err)
	}
	if params.MatchID == "" || params.PlayerAID == "" || params.PlayerBID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "match_id and both player ids are required")
	}
	if params.PlayerAEndpoint == "" || params.PlayerBEndpoint == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "both player endpoints are required")
	}

	if !c.Begin(&params) {
		// Duplicate assignment: idempotent ack.
		return map[string]string{"match_id": params.MatchID, "status": "already_running"}, nil
	}

	c.log.Info("match accepted",
		zap.String("match_id", params.MatchID),
		zap.String("player_a", params.PlayerAID),
		zap.String("player_b", params.PlayerBID),
		zap.Int("round_id", params.RoundID),
	)

	// Detach from the request context: the match outlives the RPC.
	go c.ConductMatch(context.Background(), &params)

	return map[string]string{"match_id": params.MatchID, "status": "accepted"}, nil
}

// RegisterWithLM announces this referee to the League Manager and installs
// the issued token on the client.
func (c *Conductor) RegisterWithLM(ctx context.Context, lmURL, contactEndpoint string, maxConcurrent int) (string, error) {
	result, err := c.client.Call(ctx, lmURL, protocol.MsgRegisterReferee, protocol.RegisterRefereeParams{
		RefereeID:            c.refereeID,
		ContactEndpoint:      contactEndpoint,
		MaxConcurrentMatches: maxConcurrent,
	})
	if err != nil {
		return "", err
	}
	var reg protocol.RegisterResult
	if err := json.Unmarshal(result, &reg); err != nil {
		return "", err
	}
	c.client.SetToken(reg.AuthToken)
	c.SetLeagueManager(lmURL)
	c.log.Info("registered with league manager",
		zap.String("league_id", reg.LeagueID),
		zap.String("token", logging.RedactToken(reg.AuthToken)),
	)
	return reg.LeagueID, nil
}
