package league

import (
	"sync"
	"time"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/storage"
	"go.uber.org/zap"
)

// Aggregator serializes standings mutations behind a bounded queue with a
// single consumer. It is the only writer of standings state, which gives
// at-most-once scoring per match id without file locking.
type Aggregator struct {
	leagueID string
	repo     *storage.Repository
	table    *Table
	log      *zap.Logger

	queue chan *protocol.MatchResultReportParams
	done  chan struct{}

	mu        sync.Mutex
	processed map[string]struct{}
	draining  bool

	// onApplied runs on the consumer goroutine after each report commits;
	// the manager uses it for round bookkeeping and broadcasts.
	onApplied func(report *protocol.MatchResultReportParams, rows []protocol.StandingsRow)
}

// NewAggregator builds an aggregator with the given queue capacity and
// restores any persisted snapshot.
func NewAggregator(leagueID string, capacity int, scoring models.Scoring, repo *storage.Repository, log *zap.Logger) (*Aggregator, error) {
	if capacity <= 0 {
		capacity = 100
	}
	a := &Aggregator{
		leagueID:  leagueID,
		repo:      repo,
		table:     NewTable(scoring),
		log:       log,
		queue:     make(chan *protocol.MatchResultReportParams, capacity),
		done:      make(chan struct{}),
		processed: make(map[string]struct{}),
	}
	rows, processed, err := repo.LoadStandings(leagueID)
	if err != nil {
		return nil, err
	}
	a.table.Load(rows)
	for _, id := range processed {
		a.processed[id] = struct{}{}
	}
	return a, nil
}

// SetOnApplied installs the post-commit hook. Must be called before Run.
func (a *Aggregator) SetOnApplied(fn func(report *protocol.MatchResultReportParams, rows []protocol.StandingsRow)) {
	a.onApplied = fn
}

// Processed reports whether a match id has already been scored.
func (a *Aggregator) Processed(matchID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.processed[matchID]
	return ok
}

// ProcessedCount returns the number of scored matches.
func (a *Aggregator) ProcessedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.processed)
}

// Enqueue accepts a report for sequential processing. Duplicates are
// acknowledged without enqueueing; a full queue yields E014 (retryable);
// a draining aggregator refuses new work with E005.
func (a *Aggregator) Enqueue(report *protocol.MatchResultReportParams) (status string, lerr *protocol.Error) {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return "", protocol.NewError(protocol.CodeStateUnavailable, "aggregator is shutting down")
	}
	if _, dup := a.processed[report.MatchID]; dup {
		a.mu.Unlock()
		return "duplicate", nil
	}
	a.mu.Unlock()

	select {
	case a.queue <- report:
		return "queued", nil
	default:
		return "", protocol.NewError(protocol.CodeRateLimited, "report queue is full")
	}
}

// Run drains the queue until Stop closes it. Single consumer; total order
// by enqueue time.
func (a *Aggregator) Run() {
	go func() {
		defer close(a.done)
		for report := range a.queue {
			a.apply(report)
		}
	}()
}

// apply commits one report: re-check the processed set (enqueue-time checks
// race with drain-time state), fold into the table, persist atomically,
// then mark processed.
func (a *Aggregator) apply(report *protocol.MatchResultReportParams) {
	a.mu.Lock()
	if _, dup := a.processed[report.MatchID]; dup {
		a.mu.Unlock()
		a.log.Info("skipping already-processed report",
			zap.String("match_id", report.MatchID),
			zap.String("conversation_id", report.ConversationID),
		)
		return
	}
	a.table.Apply(report)
	a.processed[report.MatchID] = struct{}{}
	rows := a.table.Rows()
	processed := make([]string, 0, len(a.processed))
	for id := range a.processed {
		processed = append(processed, id)
	}
	a.mu.Unlock()

	if err := a.repo.SaveStandings(a.leagueID, rows, processed); err != nil {
		// The in-memory table already holds the delta; the snapshot catches
		// up on the next successful write.
		a.log.Error("failed to persist standings",
			zap.String("match_id", report.MatchID),
			zap.Error(err),
		)
	}

	a.log.Info("standings updated",
		zap.String("match_id", report.MatchID),
		zap.String("conversation_id", report.ConversationID),
		zap.String("winner", report.WinnerID),
	)

	if a.onApplied != nil {
		a.onApplied(report, rows)
	}
}

// Ranked exposes the tiebreaker ordering for queries. Callers on the
// request path may trail in-flight reports by at most the queue depth.
func (a *Aggregator) Ranked(round int) []protocol.StandingsRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.Ranked(a.leagueID, round)
}

// Rows exposes the stable-order snapshot.
func (a *Aggregator) Rows() []protocol.StandingsRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.Rows()
}

// Stop refuses new enqueues and waits for the consumer to drain, up to
// timeout. Returns true if the queue drained fully.
func (a *Aggregator) Stop(timeout time.Duration) bool {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		return true
	}
	a.draining = true
	a.mu.Unlock()

	close(a.queue)
	select {
	case <-a.done:
		return true
	case <-time.After(timeout):
		a.log.Warn("aggregator drain timed out", zap.Duration("timeout", timeout))
		return false
	}
}
