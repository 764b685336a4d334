package referee

import (
	"context"
	"time"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"go.uber.org/zap"
)

// StartOutboxLoop resends parked MATCH_RESULT_REPORTs until the LM
// acknowledges them. Runs until ctx is cancelled.
func (c *Conductor) StartOutboxLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.log.Info("outbox resend loop started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				c.log.Info("outbox resend loop stopped")
				return
			case <-ticker.C:
				c.flushOutbox(ctx)
			}
		}
	}()
}

func (c *Conductor) flushOutbox(ctx context.Context) {
	reports, err := c.repo.ListOutboxReports(c.refereeID)
	if err != nil {
		c.log.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, report := range reports {
		if err := c.sendReport(ctx, report); err != nil {
			c.log.Warn("outbox resend failed",
				zap.String("match_id", report.MatchID),
				zap.String("conversation_id", report.ConversationID),
				zap.Error(err),
			)
			continue
		}
		c.log.Info("outbox report delivered",
			zap.String("match_id", report.MatchID),
		)
		// Reflect FINISHED in the persisted transcript if we still have it.
		if t, err := c.repo.LoadTranscript(report.MatchID); err == nil && t != nil && t.State == models.MatchReported {
			t.State = models.MatchFinished
			if err := c.repo.SaveTranscript(t); err != nil {
				c.log.Error("failed to update transcript state",
					zap.String("match_id", report.MatchID),
					zap.Error(err),
				)
			}
		}
	}
}

// RecoverStale scans persisted transcripts after a restart. Matches that
// never reached a terminal state and are older than the grace window are
// marked FAILED and their TECHNICAL_LOSS report is parked in the outbox;
// REPORTED matches stay with the outbox loop.
func (c *Conductor) RecoverStale(grace time.Duration) {
	transcripts, err := c.repo.ListTranscripts()
	if err != nil {
		c.log.Error("failed to scan transcripts on restart", zap.Error(err))
		return
	}
	cutoff := time.Now().Add(-grace)
	for _, t := range transcripts {
		switch t.State {
		case models.MatchFinished, models.MatchFailed, models.MatchReported:
			continue
		}
		if t.StartedAt.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		t.State = models.MatchFailed
		t.CompletedAt = &now
		if err := c.repo.SaveTranscript(t); err != nil {
			c.log.Error("failed to fail stale match",
				zap.String("match_id", t.MatchID),
				zap.Error(err),
			)
			continue
		}
		if err := c.repo.SaveOutboxReport(c.refereeID, c.failedReport(t, now)); err != nil {
			c.log.Error("failed to park report for stale match",
				zap.String("match_id", t.MatchID),
				zap.Error(err),
			)
		}
		c.log.Warn("stale match marked FAILED after restart",
			zap.String("match_id", t.MatchID),
			zap.Time("started_at", t.StartedAt),
		)
	}
}

// failedReport builds the double-TECHNICAL_LOSS report for a match that
// never produced an outcome.
func (c *Conductor) failedReport(t *models.MatchTranscript, completed time.Time) *protocol.MatchResultReportParams {
	results := make([]protocol.PlayerResult, 0, 2)
	for _, playerID := range []string{t.PlayerAID, t.PlayerBID} {
		results = append(results, protocol.PlayerResult{
			PlayerID:      playerID,
			Choice:        t.Choices[playerID],
			Status:        string(models.StatusTechnicalLoss),
			PointsAwarded: c.scoring.PointsFor(models.StatusTechnicalLoss),
			ErrorCode:     protocol.CodeTimeout,
		})
	}
	return &protocol.MatchResultReportParams{
		Envelope:    protocol.Envelope{ConversationID: t.ConversationID},
		MatchID:     t.MatchID,
		LeagueID:    t.LeagueID,
		RoundID:     t.RoundID,
		RefereeID:   c.refereeID,
		Results:     results,
		CompletedAt: completed.Format("2006-01-02T15:04:05.000Z"),
	}
}
