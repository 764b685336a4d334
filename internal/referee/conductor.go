// Package referee runs assigned matches through the six-step conduction
// state machine and reports outcomes to the League Manager.
package referee

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parityleague/backend/internal/game"
	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

// side is the conductor's working state for one player of a match.
type side struct {
	playerID string
	endpoint string
	role     string
	joined   bool
	choice   string
	status   models.PlayerStatus
	errCode  string
}

// Conductor owns all active-match state for one referee. Each match runs in
// its own goroutine; the semaphore caps concurrency.
type Conductor struct {
	refereeID string
	client    *rpc.Client
	repo      *storage.Repository
	scoring   models.Scoring
	draw      game.DrawFunc
	log       *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	lmURL  string
	active map[string]*models.MatchTranscript
}

// SetLeagueManager installs the LM endpoint reports are delivered to.
func (c *Conductor) SetLeagueManager(url string) {
	c.mu.Lock()
	c.lmURL = url
	c.mu.Unlock()
}

// NewConductor builds a conductor. A nil draw falls back to the production
// CSPRNG draw in [1,10].
func NewConductor(refereeID string, client *rpc.Client, repo *storage.Repository, maxConcurrent int, draw game.DrawFunc, log *zap.Logger) *Conductor {
	if draw == nil {
		draw = game.CryptoDraw(1, 10)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	return &Conductor{
		refereeID: refereeID,
		client:    client,
		repo:      repo,
		scoring:   models.DefaultScoring(),
		draw:      draw,
		log:       log,
		sem:       make(chan struct{}, maxConcurrent),
		active:    make(map[string]*models.MatchTranscript),
	}
}

// Begin claims the match id. A duplicate START_MATCH for an active match is
// a logged no-op; the bool reports whether the caller should conduct.
func (c *Conductor) Begin(params *protocol.StartMatchParams) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[params.MatchID]; exists {
		c.log.Info("duplicate START_MATCH ignored",
			zap.String("match_id", params.MatchID),
			zap.String("conversation_id", params.ConversationID),
		)
		return false
	}
	c.active[params.MatchID] = &models.MatchTranscript{
		MatchID:        params.MatchID,
		LeagueID:       params.LeagueID,
		RoundID:        params.RoundID,
		PlayerAID:      params.PlayerAID,
		PlayerBID:      params.PlayerBID,
		ConversationID: uuid.NewString(),
		RefereeID:      c.refereeID,
		State:          models.MatchScheduled,
		Choices:        make(map[string]string),
		StartedAt:      time.Now().UTC(),
	}
	return true
}

// ActiveMatches reports how many matches are currently claimed.
func (c *Conductor) ActiveMatches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Transcript returns the live transcript for a match, if the match is
// active on this referee.
func (c *Conductor) Transcript(matchID string) (*models.MatchTranscript, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[matchID]
	return t, ok
}

func (c *Conductor) transition(t *models.MatchTranscript, state models.MatchState) {
	c.mu.Lock()
	t.State = state
	c.mu.Unlock()
	c.log.Info("match state",
		zap.String("match_id", t.MatchID),
		zap.String("conversation_id", t.ConversationID),
		zap.String("state", string(state)),
	)
}

func (c *Conductor) record(t *models.MatchTranscript, direction, messageType, peer, detail string) {
	c.mu.Lock()
	t.Entries = append(t.Entries, models.TranscriptEntry{
		Direction:   direction,
		MessageType: messageType,
		Peer:        peer,
		Timestamp:   time.Now().UTC(),
		Detail:      detail,
	})
	c.mu.Unlock()
}

// ConductMatch runs one match end to end. It blocks until the match reaches
// FINISHED, FAILED, or is parked in REPORTED with an outbox entry.
func (c *Conductor) ConductMatch(ctx context.Context, params *protocol.StartMatchParams) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.release(params.MatchID)
		return
	}
	defer func() { <-c.sem }()

	t, ok := c.Transcript(params.MatchID)
	if !ok {
		return
	}

	a := &side{playerID: params.PlayerAID, endpoint: params.PlayerAEndpoint, role: "player_a"}
	b := &side{playerID: params.PlayerBID, endpoint: params.PlayerBEndpoint, role: "player_b"}

	// Steps 1-2: invite both players in parallel; the join ack is the RPC
	// response to the invitation.
	c.transition(t, models.MatchInvited)
	c.invitePair(ctx, t, params, a, b)

	switch {
	case !a.joined && !b.joined:
		a.status, b.status = models.StatusTechnicalLoss, models.StatusTechnicalLoss
		c.finalize(ctx, t, params, a, b, "", 0, "", models.MatchFailed)
		return
	case a.joined != b.joined:
		// One side never joined: forfeit win, skip choosing entirely.
		winner, loser := a, b
		if b.joined {
			winner, loser = b, a
		}
		loser.status = models.StatusTechnicalLoss
		winner.status = models.StatusWin
		c.transition(t, models.MatchDecided)
		c.finalize(ctx, t, params, a, b, winner.playerID, 0, "", models.MatchReported)
		return
	}
	c.transition(t, models.MatchJoined)

	// Steps 3-4: collect parity choices in parallel. The 30s deadline is
	// authoritative; the client performs no transport retry for this call.
	c.transition(t, models.MatchChoosing)
	c.collectChoices(ctx, t, params, a, b)

	// Step 5: decide.
	var (
		winnerID string
		drawn    int
		parity   string
	)
	switch {
	case a.status == models.StatusTechnicalLoss && b.status == models.StatusTechnicalLoss:
		c.finalize(ctx, t, params, a, b, "", 0, "", models.MatchFailed)
		return
	case a.status == models.StatusTechnicalLoss:
		b.status = models.StatusWin
		winnerID = b.playerID
	case b.status == models.StatusTechnicalLoss:
		a.status = models.StatusWin
		winnerID = a.playerID
	default:
		rule, err := game.Lookup(params.GameType)
		if err != nil {
			c.log.Error("no rule for game type",
				zap.String("match_id", t.MatchID),
				zap.String("game_type", params.GameType),
				zap.Error(err),
			)
			a.status, b.status = models.StatusTechnicalLoss, models.StatusTechnicalLoss
			c.finalize(ctx, t, params, a, b, "", 0, "", models.MatchFailed)
			return
		}
		outcome, err := rule.DetermineOutcome(a.playerID, b.playerID, a.choice, b.choice, c.draw)
		if err != nil {
			c.log.Error("rule rejected validated choices",
				zap.String("match_id", t.MatchID),
				zap.Error(err),
			)
			a.status, b.status = models.StatusTechnicalLoss, models.StatusTechnicalLoss
			c.finalize(ctx, t, params, a, b, "", 0, "", models.MatchFailed)
			return
		}
		winnerID = outcome.WinnerID
		drawn = outcome.DrawnNumber
		parity = outcome.NumberParity
		a.status = outcome.Statuses[a.playerID]
		b.status = outcome.Statuses[b.playerID]
	}
	c.transition(t, models.MatchDecided)
	c.finalize(ctx, t, params, a, b, winnerID, drawn, parity, models.MatchReported)
}

// invitePair sends GAME_INVITATION to both players concurrently and records
// who joined within the deadline.
func (c *Conductor) invitePair(ctx context.Context, t *models.MatchTranscript, params *protocol.StartMatchParams, a, b *side) {
	var wg sync.WaitGroup
	for _, pair := range []struct{ me, opp *side }{{a, b}, {b, a}} {
		wg.Add(1)
		go func(me, opp *side) {
			defer wg.Done()
			c.record(t, "sent", protocol.MsgGameInvitation, me.playerID, "")
			result, err := c.client.Call(ctx, me.endpoint, protocol.MsgGameInvitation, protocol.GameInvitationParams{
				Envelope:         protocol.Envelope{ConversationID: t.ConversationID},
				MatchID:          t.MatchID,
				LeagueID:         t.LeagueID,
				RoundID:          t.RoundID,
				GameType:         params.GameType,
				RoleInMatch:      me.role,
				OpponentID:       opp.playerID,
				OpponentEndpoint: opp.endpoint,
			})
			if err != nil {
				me.status = models.StatusTechnicalLoss
				me.errCode = errorCode(err)
				c.record(t, "received", protocol.MsgGameJoinAck, me.playerID, "failed: "+err.Error())
				c.log.Warn("player failed to join",
					zap.String("match_id", t.MatchID),
					zap.String("player_id", me.playerID),
					zap.String("error_code", me.errCode),
				)
				return
			}
			var ack protocol.GameJoinAck
			if uerr := json.Unmarshal(result, &ack); uerr != nil || !ack.Accepted {
				me.status = models.StatusTechnicalLoss
				me.errCode = protocol.CodeValidation
				c.record(t, "received", protocol.MsgGameJoinAck, me.playerID, "rejected or malformed ack")
				return
			}
			me.joined = true
			c.record(t, "received", protocol.MsgGameJoinAck, me.playerID, "accepted")
		}(pair.me, pair.opp)
	}
	wg.Wait()
}

// collectChoices sends CHOOSE_PARITY_CALL to both players concurrently and
// validates what comes back. Missing answer -> E001, invalid value -> E010.
func (c *Conductor) collectChoices(ctx context.Context, t *models.MatchTranscript, params *protocol.StartMatchParams, a, b *side) {
	var wg sync.WaitGroup
	for _, pair := range []struct{ me, opp *side }{{a, b}, {b, a}} {
		wg.Add(1)
		go func(me, opp *side) {
			defer wg.Done()
			c.record(t, "sent", protocol.MsgChooseParityCall, me.playerID, "")
			result, err := c.client.Call(ctx, me.endpoint, protocol.MsgChooseParityCall, protocol.ChooseParityCallParams{
				Envelope:   protocol.Envelope{ConversationID: t.ConversationID},
				MatchID:    t.MatchID,
				LeagueID:   t.LeagueID,
				OpponentID: opp.playerID,
				Range:      [2]int{1, 10},
			})
			if err != nil {
				me.status = models.StatusTechnicalLoss
				me.errCode = protocol.CodeTimeout
				c.record(t, "received", protocol.MsgChooseParityResponse, me.playerID, "missing: "+err.Error())
				c.log.Warn("parity choice missing",
					zap.String("match_id", t.MatchID),
					zap.String("player_id", me.playerID),
					zap.String("error_code", me.errCode),
				)
				return
			}
			var resp protocol.ChooseParityResponse
			if uerr := json.Unmarshal(result, &resp); uerr != nil {
				me.status = models.StatusTechnicalLoss
				me.errCode = protocol.CodeValidation
				c.record(t, "received", protocol.MsgChooseParityResponse, me.playerID, "malformed response")
				return
			}
			if !game.ValidChoice(resp.ParityChoice) {
				me.status = models.StatusTechnicalLoss
				me.errCode = protocol.CodeInvalidMove
				c.record(t, "received", protocol.MsgChooseParityResponse, me.playerID, "invalid choice "+resp.ParityChoice)
				c.log.Warn("invalid parity choice",
					zap.String("match_id", t.MatchID),
					zap.String("player_id", me.playerID),
					zap.String("choice", resp.ParityChoice),
					zap.String("error_code", me.errCode),
				)
				return
			}
			me.choice = resp.ParityChoice
			c.mu.Lock()
			t.Choices[me.playerID] = resp.ParityChoice
			c.mu.Unlock()
			c.record(t, "received", protocol.MsgChooseParityResponse, me.playerID, resp.ParityChoice)
		}(pair.me, pair.opp)
	}
	wg.Wait()
}

// finalize populates the outcome, notifies both players, reports to the LM
// and persists the transcript. endState is REPORTED for reportable matches
// and FAILED when both sides collapsed.
func (c *Conductor) finalize(ctx context.Context, t *models.MatchTranscript, params *protocol.StartMatchParams, a, b *side, winnerID string, drawn int, parity string, endState models.MatchState) {
	if winnerID == "" && endState != models.MatchFailed {
		winnerID = models.WinnerDraw
	}

	results := make([]protocol.PlayerResult, 0, 2)
	for _, s := range []*side{a, b} {
		results = append(results, protocol.PlayerResult{
			PlayerID:      s.playerID,
			Choice:        s.choice,
			Status:        string(s.status),
			PointsAwarded: c.scoring.PointsFor(s.status),
			ErrorCode:     s.errCode,
		})
	}

	now := time.Now().UTC()
	c.mu.Lock()
	t.DrawnNumber = drawn
	t.NumberParity = parity
	t.WinnerID = winnerID
	t.Results = results
	t.CompletedAt = &now
	c.mu.Unlock()

	// Step 6a: GAME_OVER to both players, parallel and best-effort.
	var wg sync.WaitGroup
	for _, pair := range []struct{ me, opp *side }{{a, b}, {b, a}} {
		wg.Add(1)
		go func(me, opp *side) {
			defer wg.Done()
			over := protocol.GameOverParams{
				Envelope:      protocol.Envelope{ConversationID: t.ConversationID},
				MatchID:       t.MatchID,
				LeagueID:      t.LeagueID,
				DrawnNumber:   drawn,
				NumberParity:  parity,
				WinnerID:      winnerID,
				OpponentID:    opp.playerID,
				YourStatus:    string(me.status),
				PointsAwarded: c.scoring.PointsFor(me.status),
			}
			if me.status == models.StatusTechnicalLoss {
				over.ErrorCode = me.errCode
				over.Consequence = consequenceFor(me.errCode)
			}
			if err := c.client.Notify(ctx, me.endpoint, protocol.MsgGameOver, over); err != nil {
				c.log.Warn("GAME_OVER delivery failed",
					zap.String("match_id", t.MatchID),
					zap.String("player_id", me.playerID),
					zap.Error(err),
				)
			}
			c.record(t, "sent", protocol.MsgGameOver, me.playerID, string(me.status))
		}(pair.me, pair.opp)
	}
	wg.Wait()

	// Step 6b: every outcome is reported, FAILED included; the LM closes
	// rounds only from reports. The outbox entry survives a crash; the
	// resend loop keeps trying after the inline attempt gives up.
	if endState == models.MatchFailed {
		c.transition(t, models.MatchFailed)
	} else {
		c.transition(t, models.MatchReported)
	}
	report := &protocol.MatchResultReportParams{
		Envelope:     protocol.Envelope{ConversationID: t.ConversationID},
		MatchID:      t.MatchID,
		LeagueID:     t.LeagueID,
		RoundID:      t.RoundID,
		RefereeID:    c.refereeID,
		DrawnNumber:  drawn,
		NumberParity: parity,
		WinnerID:     winnerID,
		Results:      results,
		CompletedAt:  now.Format("2006-01-02T15:04:05.000Z"),
	}
	if err := c.repo.SaveOutboxReport(c.refereeID, report); err != nil {
		c.log.Error("failed to persist outbox report",
			zap.String("match_id", t.MatchID),
			zap.Error(err),
		)
	}
	c.record(t, "sent", protocol.MsgMatchResultReport, "league_manager", "")

	if err := c.sendReport(ctx, report); err != nil {
		c.log.Error("LM unreachable, report parked in outbox",
			zap.String("match_id", t.MatchID),
			zap.String("conversation_id", t.ConversationID),
			zap.Error(err),
		)
		c.persistAndRelease(t)
		return
	}
	if endState != models.MatchFailed {
		c.transition(t, models.MatchFinished)
	}
	c.persistAndRelease(t)
}

// sendReport delivers one report and clears its outbox entry on success.
func (c *Conductor) sendReport(ctx context.Context, report *protocol.MatchResultReportParams) error {
	_, err := c.client.Call(ctx, c.lmEndpoint(), protocol.MsgMatchResultReport, report)
	if err != nil {
		return err
	}
	return c.repo.DeleteOutboxReport(c.refereeID, report.MatchID)
}

func (c *Conductor) persistAndRelease(t *models.MatchTranscript) {
	c.mu.Lock()
	snapshot := *t
	c.mu.Unlock()
	if err := c.repo.SaveTranscript(&snapshot); err != nil {
		c.log.Error("failed to persist transcript",
			zap.String("match_id", t.MatchID),
			zap.Error(err),
		)
	}
	c.release(t.MatchID)
}

func (c *Conductor) release(matchID string) {
	c.mu.Lock()
	delete(c.active, matchID)
	c.mu.Unlock()
}

// lmEndpoint is injected via SetLeagueManager before any match runs.
func (c *Conductor) lmEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lmURL
}

func errorCode(err error) string {
	var lerr *protocol.Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return protocol.CodeServiceUnavailable
}

func consequenceFor(code string) string {
	switch code {
	case protocol.CodeInvalidMove:
		return "invalid parity choice, technical loss (" + code + ")"
	case protocol.CodeTimeout:
		return "response deadline exceeded, technical loss (" + code + ")"
	default:
		return "protocol violation, technical loss (" + code + ")"
	}
}
