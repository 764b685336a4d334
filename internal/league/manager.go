// Package league is the League Manager core: registration, lifecycle,
// match dispatch and the standings aggregator.
package league

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/parityleague/backend/internal/config"
	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/registry"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/schedule"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Manager owns league, round and standings state. All mutations of that
// state happen either on the inbound-handler path under mu or on the
// aggregator consumer goroutine (also under mu), never concurrently from
// other processes.
type Manager struct {
	cfg    *config.Config
	reg    *registry.Registry
	repo   *storage.Repository
	agg    *Aggregator
	client *rpc.Client
	log    *zap.Logger

	mu     sync.Mutex
	league *models.League
	sched  *models.Schedule
	// Dispatch waves of the active round; waves after the first are sent
	// as earlier matches complete so referee caps hold within the round.
	waves    [][]models.Match
	waveIdx  int
	roundIdx int
}

// NewManager builds the LM core and restores any persisted schedule so a
// restart resumes an active league.
func NewManager(cfg *config.Config, reg *registry.Registry, repo *storage.Repository, agg *Aggregator, client *rpc.Client, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		reg:    reg,
		repo:   repo,
		agg:    agg,
		client: client,
		log:    log,
		league: &models.League{
			LeagueID:        cfg.LeagueID,
			GameType:        cfg.GameType,
			Status:          models.LeaguePending,
			Scoring:         models.DefaultScoring(),
			MinParticipants: cfg.MinParticipants,
			MaxParticipants: cfg.MaxParticipants,
			CreatedAt:       time.Now().UTC(),
		},
	}
	agg.SetOnApplied(m.onReportApplied)

	sched, err := repo.LoadSchedule(cfg.LeagueID)
	if err != nil {
		return nil, err
	}
	if sched != nil {
		m.sched = sched
		m.league.Status = models.LeagueActive
		reg.SetLeagueActive(true)
		m.resume()
	}
	return m, nil
}

// RegisterHandlers wires the LM inbound surface.
func (m *Manager) RegisterHandlers(srv *rpc.Server) {
	srv.SetAuth(m.reg.Auth)
	srv.Handle(protocol.MsgRegisterPlayer, m.handleRegisterPlayer)
	srv.Handle(protocol.MsgRegisterReferee, m.handleRegisterReferee)
	srv.Handle(protocol.MsgStartLeague, m.handleStartLeague)
	srv.Handle(protocol.MsgMatchResultReport, m.handleMatchResultReport)
	srv.Handle(protocol.MsgLeagueQuery, m.handleLeagueQuery)
}

// Stop drains the aggregator before shutdown.
func (m *Manager) Stop(timeout time.Duration) bool {
	return m.agg.Stop(timeout)
}

func (m *Manager) handleRegisterPlayer(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.RegisterPlayerParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed REGISTER_PLAYER: %v", err)
	}
	if params.PlayerID == "" || params.ContactEndpoint == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "player_id and contact_endpoint are required")
	}
	reg, lerr := m.reg.RegisterPlayer(params.PlayerID, params.ContactEndpoint, params.Capabilities)
	if lerr != nil {
		return nil, lerr
	}
	return protocol.RegisterResult{
		AgentID:   reg.AgentID,
		AuthToken: reg.Token,
		LeagueID:  m.cfg.LeagueID,
		ExpiresAt: reg.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}, nil
}

func (m *Manager) handleRegisterReferee(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.RegisterRefereeParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed REGISTER_REFEREE: %v", err)
	}
	if params.RefereeID == "" || params.ContactEndpoint == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "referee_id and contact_endpoint are required")
	}
	reg, lerr := m.reg.RegisterReferee(params.RefereeID, params.ContactEndpoint, params.MaxConcurrentMatches, params.Capabilities)
	if lerr != nil {
		return nil, lerr
	}
	return protocol.RegisterResult{
		AgentID:   reg.AgentID,
		AuthToken: reg.Token,
		LeagueID:  m.cfg.LeagueID,
		ExpiresAt: reg.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}, nil
}

func (m *Manager) handleStartLeague(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.StartLeagueParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed START_LEAGUE: %v", err)
	}
	if params.LeagueID != m.cfg.LeagueID {
		return nil, protocol.NewError(protocol.CodeLeagueNotFound, "unknown league %q", params.LeagueID)
	}
	if m.cfg.OperatorKeyHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(m.cfg.OperatorKeyHash), []byte(params.OperatorKey)); err != nil {
			return nil, protocol.NewError(protocol.CodeAuthToken, "operator key rejected")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.league.Status != models.LeaguePending {
		return nil, protocol.NewError(protocol.CodeStateUnavailable,
			"league is %s, not PENDING", m.league.Status)
	}

	players := m.reg.Players()
	if len(players) < m.cfg.MinParticipants {
		return nil, protocol.NewError(protocol.CodeLeagueNotFound,
			"league needs at least %d players, got %d", m.cfg.MinParticipants, len(players))
	}
	regs := m.reg.Referees()
	if len(regs) == 0 {
		return nil, protocol.NewError(protocol.CodeStateUnavailable, "no referees registered")
	}
	referees := make([]schedule.Referee, 0, len(regs))
	for _, r := range regs {
		referees = append(referees, schedule.Referee{ID: r.AgentID, MaxConcurrentMatches: r.MaxConcurrentMatches})
	}

	sched, err := schedule.BuildSchedule(players, m.cfg.LeagueID, referees)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeStateUnavailable, "cannot build schedule: %v", err)
	}
	if err := m.repo.SaveSchedule(sched); err != nil {
		return nil, protocol.NewError(protocol.CodeServiceUnavailable, "persist schedule: %v", err)
	}

	m.sched = sched
	now := time.Now().UTC()
	m.league.Status = models.LeagueActive
	m.league.StartedAt = &now
	m.league.RegisteredPlayers = players
	m.reg.SetLeagueActive(true)

	totalMatches := 0
	for _, r := range sched.Rounds {
		totalMatches += len(r.Matches)
	}
	m.log.Info("league started",
		zap.String("league_id", m.cfg.LeagueID),
		zap.Int("players", len(players)),
		zap.Int("referees", len(referees)),
		zap.Int("rounds", len(sched.Rounds)),
		zap.Int("matches", totalMatches),
	)

	m.startRoundLocked(0)

	return map[string]any{
		"league_id": m.cfg.LeagueID,
		"status":    m.league.Status,
		"rounds":    len(sched.Rounds),
		"matches":   totalMatches,
	}, nil
}

func (m *Manager) handleMatchResultReport(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var report protocol.MatchResultReportParams
	if err := json.Unmarshal(call.Params, &report); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed MATCH_RESULT_REPORT: %v", err)
	}
	if len(report.Results) != 2 {
		return nil, protocol.NewError(protocol.CodeValidation, "report must carry exactly two player results")
	}
	if report.LeagueID != m.cfg.LeagueID {
		return nil, protocol.NewError(protocol.CodeLeagueNotFound, "unknown league %q", report.LeagueID)
	}

	m.mu.Lock()
	match := m.findMatchLocked(report.MatchID)
	active := m.league.Status == models.LeagueActive
	m.mu.Unlock()

	if match == nil {
		return nil, protocol.NewError(protocol.CodeMatchNotFound, "match %q is not in the schedule", report.MatchID)
	}
	// Only the referee the schedule assigned may report this match.
	_, senderID, err := protocol.ParseSender(call.Envelope.Sender)
	if err != nil || senderID != match.RefereeID {
		return nil, protocol.NewError(protocol.CodeRegistration,
			"match %s is assigned to referee %s", report.MatchID, match.RefereeID)
	}

	// An already-scored match gets the idempotent ack even after the league
	// completed, so a referee's resend loop can terminate.
	if m.agg.Processed(report.MatchID) {
		return protocol.ReportAck{MatchID: report.MatchID, Status: "duplicate"}, nil
	}
	if !active {
		return nil, protocol.NewError(protocol.CodeStateUnavailable, "league is not active")
	}

	status, lerr := m.agg.Enqueue(&report)
	if lerr != nil {
		return nil, lerr
	}
	return protocol.ReportAck{MatchID: report.MatchID, Status: status}, nil
}

func (m *Manager) handleLeagueQuery(_ context.Context, call *rpc.Call) (any, *protocol.Error) {
	var params protocol.LeagueQueryParams
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "malformed LEAGUE_QUERY: %v", err)
	}
	if params.LeagueID != "" && params.LeagueID != m.cfg.LeagueID {
		return nil, protocol.NewError(protocol.CodeLeagueNotFound, "unknown league %q", params.LeagueID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch params.Query {
	case "", "standings":
		return map[string]any{
			"league_id": m.cfg.LeagueID,
			"status":    m.league.Status,
			"standings": m.agg.Ranked(m.roundIdx + 1),
		}, nil
	case "league_status":
		rounds := 0
		if m.sched != nil {
			rounds = len(m.sched.Rounds)
		}
		return map[string]any{
			"league_id":         m.cfg.LeagueID,
			"status":            m.league.Status,
			"current_round":     m.roundIdx + 1,
			"rounds":            rounds,
			"matches_processed": m.agg.ProcessedCount(),
		}, nil
	case "match_state":
		match := m.findMatchLocked(params.MatchID)
		if match == nil {
			return nil, protocol.NewError(protocol.CodeMatchNotFound, "match %q is not in the schedule", params.MatchID)
		}
		return match, nil
	case "registration_status":
		return map[string]any{
			"league_id": m.cfg.LeagueID,
			"status":    m.league.Status,
			"players":   m.reg.Players(),
			"referees":  len(m.reg.Referees()),
		}, nil
	default:
		return nil, protocol.NewError(protocol.CodeValidation, "unknown query %q", params.Query)
	}
}

// findMatchLocked locates a scheduled match. Caller holds mu.
func (m *Manager) findMatchLocked(matchID string) *models.Match {
	if m.sched == nil {
		return nil
	}
	for ri := range m.sched.Rounds {
		for mi := range m.sched.Rounds[ri].Matches {
			if m.sched.Rounds[ri].Matches[mi].MatchID == matchID {
				return &m.sched.Rounds[ri].Matches[mi]
			}
		}
	}
	return nil
}
