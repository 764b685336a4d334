package league

import (
	"context"
	"time"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/schedule"
	"go.uber.org/zap"
)

// startRoundLocked activates round idx, announces it and dispatches the
// first wave. Caller holds mu.
func (m *Manager) startRoundLocked(idx int) {
	m.roundIdx = idx
	round := &m.sched.Rounds[idx]
	round.Status = models.RoundActive

	regs := m.reg.Referees()
	referees := make([]schedule.Referee, 0, len(regs))
	for _, r := range regs {
		referees = append(referees, schedule.Referee{ID: r.AgentID, MaxConcurrentMatches: r.MaxConcurrentMatches})
	}
	m.waves = schedule.SubBatches(round.Matches, referees)
	m.waveIdx = 0

	if err := m.repo.SaveSchedule(m.sched); err != nil {
		m.log.Error("persist schedule", zap.Error(err))
	}

	matchIDs := make([]string, 0, len(round.Matches))
	for _, match := range round.Matches {
		matchIDs = append(matchIDs, match.MatchID)
	}
	m.log.Info("round started",
		zap.String("league_id", m.cfg.LeagueID),
		zap.Int("round_id", round.RoundID),
		zap.Int("matches", len(round.Matches)),
		zap.Int("waves", len(m.waves)),
	)

	m.broadcast(protocol.MsgRoundAnnouncement, protocol.RoundAnnouncementParams{
		LeagueID: m.cfg.LeagueID,
		RoundID:  round.RoundID,
		Matches:  matchIDs,
	})
	m.dispatchWaveLocked()
}

// dispatchWaveLocked sends START_MATCH for every match of the current wave.
// Caller holds mu.
func (m *Manager) dispatchWaveLocked() {
	if m.waveIdx >= len(m.waves) {
		return
	}
	wave := m.waves[m.waveIdx]
	for _, match := range wave {
		m.dispatchMatch(match)
	}
}

// dispatchMatch resolves endpoints and fires START_MATCH at the assigned
// referee in the background.
func (m *Manager) dispatchMatch(match models.Match) {
	ref, ok := m.reg.Get(match.RefereeID)
	if !ok {
		m.log.Error("assigned referee not registered",
			zap.String("match_id", match.MatchID),
			zap.String("referee_id", match.RefereeID),
		)
		return
	}
	endpoints := m.reg.PlayerEndpoints()
	params := protocol.StartMatchParams{
		MatchID:         match.MatchID,
		LeagueID:        match.LeagueID,
		RoundID:         match.RoundID,
		GameType:        m.cfg.GameType,
		PlayerAID:       match.PlayerAID,
		PlayerBID:       match.PlayerBID,
		PlayerAEndpoint: endpoints[match.PlayerAID],
		PlayerBEndpoint: endpoints[match.PlayerBID],
	}
	go func() {
		if _, err := m.client.Call(context.Background(), ref.Endpoint, protocol.MsgStartMatch, params); err != nil {
			m.log.Error("START_MATCH dispatch failed",
				zap.String("match_id", match.MatchID),
				zap.String("referee_id", match.RefereeID),
				zap.Error(err),
			)
			return
		}
		m.log.Info("match dispatched",
			zap.String("match_id", match.MatchID),
			zap.String("referee_id", match.RefereeID),
		)
	}()
}

// onReportApplied runs on the aggregator consumer after each report
// commits: round bookkeeping, wave advancement, completion transitions and
// the standings broadcast.
func (m *Manager) onReportApplied(report *protocol.MatchResultReportParams, rows []protocol.StandingsRow) {
	m.mu.Lock()

	if match := m.findMatchLocked(report.MatchID); match != nil {
		// A report without a winner is a doubly-failed match.
		if report.WinnerID == "" {
			match.Status = models.MatchFailed
		} else {
			match.Status = models.MatchFinished
		}
	}

	round := &m.sched.Rounds[m.roundIdx]
	if m.waveIdx < len(m.waves) && m.waveProcessedLocked(m.waves[m.waveIdx]) {
		m.waveIdx++
		m.dispatchWaveLocked()
	}

	roundDone := m.waveProcessedLocked(round.Matches)
	if roundDone {
		round.Status = models.RoundCompleted
		m.log.Info("round completed",
			zap.String("league_id", m.cfg.LeagueID),
			zap.Int("round_id", round.RoundID),
		)
	}
	if err := m.repo.SaveSchedule(m.sched); err != nil {
		m.log.Error("persist schedule", zap.Error(err))
	}

	leagueDone := roundDone && m.roundIdx == len(m.sched.Rounds)-1
	nextRound := -1
	if roundDone && !leagueDone {
		nextRound = m.roundIdx + 1
	}
	completedRoundID := round.RoundID
	m.mu.Unlock()

	m.broadcast(protocol.MsgLeagueStandingsUpdate, protocol.StandingsUpdateParams{
		LeagueID:  m.cfg.LeagueID,
		Standings: rows,
		AsOfMatch: report.MatchID,
	})

	if roundDone {
		m.broadcast(protocol.MsgRoundCompleted, protocol.RoundCompletedParams{
			LeagueID: m.cfg.LeagueID,
			RoundID:  completedRoundID,
		})
	}

	if leagueDone {
		m.completeLeague()
		return
	}
	if nextRound >= 0 {
		m.mu.Lock()
		m.startRoundLocked(nextRound)
		m.mu.Unlock()
	}
}

// broadcast fans a notification out to every registered player. Best
// effort: delivery failures are logged and never block the league.
func (m *Manager) broadcast(messageType string, params any) {
	endpoints := m.reg.PlayerEndpoints()
	for playerID, endpoint := range endpoints {
		playerID, endpoint := playerID, endpoint
		go func() {
			if err := m.client.Notify(context.Background(), endpoint, messageType, params); err != nil {
				m.log.Warn("broadcast delivery failed",
					zap.String("message_type", messageType),
					zap.String("player_id", playerID),
					zap.Error(err),
				)
			}
		}()
	}
}

// waveProcessedLocked reports whether every match of the slice has been
// scored. Caller holds mu.
func (m *Manager) waveProcessedLocked(matches []models.Match) bool {
	for _, match := range matches {
		if !m.agg.Processed(match.MatchID) {
			return false
		}
	}
	return true
}

func (m *Manager) completeLeague() {
	m.mu.Lock()
	now := time.Now().UTC()
	m.league.Status = models.LeagueCompleted
	m.league.CompletedAt = &now
	m.reg.SetLeagueActive(false)
	final := m.agg.Ranked(m.roundIdx + 1)
	m.mu.Unlock()

	m.log.Info("league completed",
		zap.String("league_id", m.cfg.LeagueID),
		zap.Int("matches_processed", m.agg.ProcessedCount()),
	)
	m.broadcast(protocol.MsgLeagueCompleted, protocol.LeagueCompletedParams{
		LeagueID:  m.cfg.LeagueID,
		Standings: final,
	})
}

// resume rebuilds dispatch state from the persisted schedule after a
// restart. Unprocessed matches of the first incomplete round are
// re-dispatched; completed state is trusted from the processed set.
func (m *Manager) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := range m.sched.Rounds {
		round := &m.sched.Rounds[idx]
		if m.waveProcessedLocked(round.Matches) {
			round.Status = models.RoundCompleted
			continue
		}
		m.log.Info("resuming round after restart",
			zap.Int("round_id", round.RoundID),
		)
		m.startRoundLocked(idx)
		return
	}

	// Every match already processed: the league finished while we were down.
	m.league.Status = models.LeagueCompleted
	m.reg.SetLeagueActive(false)
}
