package league

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/parityleague/backend/internal/config"
	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/parityleague/backend/internal/registry"
	"github.com/parityleague/backend/internal/rpc"
	"github.com/parityleague/backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// acceptAllDoer acknowledges every outbound call and records the methods
// sent to each endpoint.
type acceptAllDoer struct {
	mu      sync.Mutex
	methods map[string][]string
}

func newAcceptAllDoer() *acceptAllDoer {
	return &acceptAllDoer{methods: make(map[string][]string)}
}

func (d *acceptAllDoer) sent(endpoint string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods[endpoint]...)
}

func (d *acceptAllDoer) Do(req *http.Request) (*http.Response, error) {
	endpoint := req.URL.Scheme + "://" + req.URL.Host
	body, _ := io.ReadAll(req.Body)
	var rpcReq rpc.Request
	if err := json.Unmarshal(body, &rpcReq); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.methods[endpoint] = append(d.methods[endpoint], rpcReq.Method)
	d.mu.Unlock()

	resp := rpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`{"status":"accepted"}`), ID: rpcReq.ID}
	out, _ := json.Marshal(resp)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(out))}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:         "test",
		LeagueID:            "league-001",
		GameType:            "even_odd",
		MinParticipants:     2,
		MaxParticipants:     16,
		MaxReferees:         4,
		ReportQueueCapacity: 100,
		RetryMaxAttempts:    3,
	}
}

type managerFixture struct {
	mgr  *Manager
	reg  *registry.Registry
	repo *storage.Repository
	doer *acceptAllDoer
}

func newManagerFixture(t *testing.T, dir string) *managerFixture {
	t.Helper()
	cfg := testConfig()
	log := zap.NewNop()
	repo := storage.NewRepository(dir)
	reg := registry.New("test-secret", 24*time.Hour, cfg.MaxParticipants, cfg.MaxReferees, log)
	doer := newAcceptAllDoer()
	client := rpc.NewClient(protocol.AgentLeagueManager, "lm-1", rpc.NewBreakerSet(5, time.Minute), 3,
		log, rpc.WithTransport(doer),
		rpc.WithSleep(func(context.Context, time.Duration) error { return nil }))

	agg, err := NewAggregator(cfg.LeagueID, cfg.ReportQueueCapacity, models.DefaultScoring(), repo, log)
	require.NoError(t, err)
	mgr, err := NewManager(cfg, reg, repo, agg, client, log)
	require.NoError(t, err)
	agg.Run()
	t.Cleanup(func() { mgr.Stop(time.Second) })
	return &managerFixture{mgr: mgr, reg: reg, repo: repo, doer: doer}
}

func (f *managerFixture) registerPair(t *testing.T) {
	t.Helper()
	_, lerr := f.reg.RegisterPlayer("alice", "http://alice", nil)
	require.Nil(t, lerr)
	_, lerr = f.reg.RegisterPlayer("bob", "http://bob", nil)
	require.Nil(t, lerr)
	_, lerr = f.reg.RegisterReferee("ref-1", "http://ref-1", 10, nil)
	require.Nil(t, lerr)
}

func managerCall(method, sender string, params any) *rpc.Call {
	raw, _ := json.Marshal(params)
	return &rpc.Call{
		Method: method,
		Envelope: protocol.Envelope{
			Protocol:       protocol.Version,
			MessageType:    method,
			Sender:         sender,
			Timestamp:      protocol.Now(),
			ConversationID: "conv-1",
			AuthToken:      "tok",
		},
		Params: raw,
	}
}

func (f *managerFixture) startLeague(t *testing.T) {
	t.Helper()
	result, lerr := f.mgr.handleStartLeague(context.Background(),
		managerCall(protocol.MsgStartLeague, "operator:leaguectl",
			protocol.StartLeagueParams{LeagueID: "league-001"}))
	require.Nil(t, lerr)
	summary := result.(map[string]any)
	assert.Equal(t, models.LeagueActive, summary["status"])
}

func (f *managerFixture) leagueStatus() models.LeagueStatus {
	f.mgr.mu.Lock()
	defer f.mgr.mu.Unlock()
	return f.mgr.league.Status
}

func TestStartLeagueBuildsAndDispatches(t *testing.T) {
	f := newManagerFixture(t, t.TempDir())
	f.registerPair(t)
	f.startLeague(t)

	sched, err := f.repo.LoadSchedule("league-001")
	require.NoError(t, err)
	require.NotNil(t, sched)
	require.Len(t, sched.Rounds, 1)
	require.Len(t, sched.Rounds[0].Matches, 1)
	assert.Equal(t, "ref-1", sched.Rounds[0].Matches[0].RefereeID)

	// The assigned referee receives START_MATCH; players hear the round
	// announcement.
	require.Eventually(t, func() bool {
		for _, m := range f.doer.sent("http://ref-1") {
			if m == protocol.MsgStartMatch {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, m := range f.doer.sent("http://alice") {
			if m == protocol.MsgRoundAnnouncement {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// Registration window is closed once active.
	_, lerr := f.reg.RegisterPlayer("carol", "http://carol", nil)
	require.NotNil(t, lerr)
	assert.Equal(t, protocol.CodeStateUnavailable, lerr.Code)
}

func TestStartLeagueValidation(t *testing.T) {
	f := newManagerFixture(t, t.TempDir())

	t.Run("unknown league is E008", func(t *testing.T) {
		_, lerr := f.mgr.handleStartLeague(context.Background(),
			managerCall(protocol.MsgStartLeague, "operator:leaguectl",
				protocol.StartLeagueParams{LeagueID: "league-999"}))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeLeagueNotFound, lerr.Code)
	})

	t.Run("too few players is E008", func(t *testing.T) {
		_, lerr := f.mgr.handleStartLeague(context.Background(),
			managerCall(protocol.MsgStartLeague, "operator:leaguectl",
				protocol.StartLeagueParams{LeagueID: "league-001"}))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeLeagueNotFound, lerr.Code)
	})

	t.Run("no referees is E005", func(t *testing.T) {
		_, lerr := f.reg.RegisterPlayer("alice", "http://alice", nil)
		require.Nil(t, lerr)
		_, lerr = f.reg.RegisterPlayer("bob", "http://bob", nil)
		require.Nil(t, lerr)
		_, slerr := f.mgr.handleStartLeague(context.Background(),
			managerCall(protocol.MsgStartLeague, "operator:leaguectl",
				protocol.StartLeagueParams{LeagueID: "league-001"}))
		require.NotNil(t, slerr)
		assert.Equal(t, protocol.CodeStateUnavailable, slerr.Code)
	})

	t.Run("second start is E005", func(t *testing.T) {
		_, lerr := f.reg.RegisterReferee("ref-1", "http://ref-1", 10, nil)
		require.Nil(t, lerr)
		f.startLeague(t)
		_, slerr := f.mgr.handleStartLeague(context.Background(),
			managerCall(protocol.MsgStartLeague, "operator:leaguectl",
				protocol.StartLeagueParams{LeagueID: "league-001"}))
		require.NotNil(t, slerr)
		assert.Equal(t, protocol.CodeStateUnavailable, slerr.Code)
	})
}

func validReport(matchID string) protocol.MatchResultReportParams {
	return protocol.MatchResultReportParams{
		MatchID:   matchID,
		LeagueID:  "league-001",
		RoundID:   1,
		RefereeID: "ref-1",
		WinnerID:  "alice",
		Results: []protocol.PlayerResult{
			{PlayerID: "alice", Status: string(models.StatusWin), PointsAwarded: 3},
			{PlayerID: "bob", Status: string(models.StatusLoss)},
		},
		CompletedAt: "2026-08-24T12:00:00.000Z",
	}
}

func TestMatchResultReportLifecycle(t *testing.T) {
	f := newManagerFixture(t, t.TempDir())
	f.registerPair(t)
	f.startLeague(t)

	sched, err := f.repo.LoadSchedule("league-001")
	require.NoError(t, err)
	matchID := sched.Rounds[0].Matches[0].MatchID

	t.Run("unknown match is E007", func(t *testing.T) {
		_, lerr := f.mgr.handleMatchResultReport(context.Background(),
			managerCall(protocol.MsgMatchResultReport, "referee:ref-1", validReport("R9M9")))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeMatchNotFound, lerr.Code)
	})

	t.Run("unassigned referee is E004", func(t *testing.T) {
		_, lerr := f.mgr.handleMatchResultReport(context.Background(),
			managerCall(protocol.MsgMatchResultReport, "referee:ref-9", validReport(matchID)))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeRegistration, lerr.Code)
	})

	t.Run("malformed results are E002", func(t *testing.T) {
		report := validReport(matchID)
		report.Results = report.Results[:1]
		_, lerr := f.mgr.handleMatchResultReport(context.Background(),
			managerCall(protocol.MsgMatchResultReport, "referee:ref-1", report))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeValidation, lerr.Code)
	})

	t.Run("accepted report completes the league", func(t *testing.T) {
		result, lerr := f.mgr.handleMatchResultReport(context.Background(),
			managerCall(protocol.MsgMatchResultReport, "referee:ref-1", validReport(matchID)))
		require.Nil(t, lerr)
		assert.Equal(t, "queued", result.(protocol.ReportAck).Status)

		// Single round, single match: processing it finishes the league.
		require.Eventually(t, func() bool {
			return f.leagueStatus() == models.LeagueCompleted
		}, time.Second, time.Millisecond)

		require.Eventually(t, func() bool {
			var update, completed bool
			for _, m := range f.doer.sent("http://alice") {
				switch m {
				case protocol.MsgLeagueStandingsUpdate:
					update = true
				case protocol.MsgLeagueCompleted:
					completed = true
				}
			}
			return update && completed
		}, time.Second, time.Millisecond)
	})

	t.Run("resent report gets the duplicate ack", func(t *testing.T) {
		result, lerr := f.mgr.handleMatchResultReport(context.Background(),
			managerCall(protocol.MsgMatchResultReport, "referee:ref-1", validReport(matchID)))
		require.Nil(t, lerr)
		assert.Equal(t, "duplicate", result.(protocol.ReportAck).Status)
	})
}

func TestFailedMatchReportStillClosesTheLeague(t *testing.T) {
	f := newManagerFixture(t, t.TempDir())
	f.registerPair(t)
	f.startLeague(t)

	sched, err := f.repo.LoadSchedule("league-001")
	require.NoError(t, err)
	matchID := sched.Rounds[0].Matches[0].MatchID

	// Both sides collapsed: no winner, two technical losses.
	report := validReport(matchID)
	report.WinnerID = ""
	report.Results = []protocol.PlayerResult{
		{PlayerID: "alice", Status: string(models.StatusTechnicalLoss), ErrorCode: protocol.CodeTimeout},
		{PlayerID: "bob", Status: string(models.StatusTechnicalLoss), ErrorCode: protocol.CodeTimeout},
	}
	result, lerr := f.mgr.handleMatchResultReport(context.Background(),
		managerCall(protocol.MsgMatchResultReport, "referee:ref-1", report))
	require.Nil(t, lerr)
	assert.Equal(t, "queued", result.(protocol.ReportAck).Status)

	require.Eventually(t, func() bool {
		return f.leagueStatus() == models.LeagueCompleted
	}, time.Second, time.Millisecond)

	f.mgr.mu.Lock()
	status := f.mgr.findMatchLocked(matchID).Status
	f.mgr.mu.Unlock()
	assert.Equal(t, models.MatchFailed, status)

	rows := f.mgr.agg.Rows()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 0, row.Points)
		assert.Equal(t, 1, row.TechnicalLosses)
		assert.Equal(t, 1, row.GamesPlayed)
	}
}

func TestLeagueQuery(t *testing.T) {
	f := newManagerFixture(t, t.TempDir())
	f.registerPair(t)

	t.Run("registration status before start", func(t *testing.T) {
		result, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "operator:leaguectl",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "registration_status"}))
		require.Nil(t, lerr)
		body := result.(map[string]any)
		assert.Equal(t, models.LeaguePending, body["status"])
		assert.ElementsMatch(t, []string{"alice", "bob"}, body["players"])
	})

	f.startLeague(t)

	t.Run("standings", func(t *testing.T) {
		result, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "standings"}))
		require.Nil(t, lerr)
		body := result.(map[string]any)
		assert.Equal(t, "league-001", body["league_id"])
	})

	t.Run("league status", func(t *testing.T) {
		result, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "league_status"}))
		require.Nil(t, lerr)
		body := result.(map[string]any)
		assert.Equal(t, models.LeagueActive, body["status"])
		assert.Equal(t, 1, body["rounds"])
	})

	t.Run("match state", func(t *testing.T) {
		sched, err := f.repo.LoadSchedule("league-001")
		require.NoError(t, err)
		matchID := sched.Rounds[0].Matches[0].MatchID

		result, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "match_state", MatchID: matchID}))
		require.Nil(t, lerr)
		match := result.(*models.Match)
		assert.Equal(t, matchID, match.MatchID)

		_, lerr = f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "match_state", MatchID: "R9M9"}))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeMatchNotFound, lerr.Code)
	})

	t.Run("wrong league id is E008", func(t *testing.T) {
		_, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-999"}))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeLeagueNotFound, lerr.Code)
	})

	t.Run("unknown query is E002", func(t *testing.T) {
		_, lerr := f.mgr.handleLeagueQuery(context.Background(),
			managerCall(protocol.MsgLeagueQuery, "player:alice",
				protocol.LeagueQueryParams{LeagueID: "league-001", Query: "gossip"}))
		require.NotNil(t, lerr)
		assert.Equal(t, protocol.CodeValidation, lerr.Code)
	})
}

func TestManagerResumesPersistedSchedule(t *testing.T) {
	dir := t.TempDir()

	first := newManagerFixture(t, dir)
	first.registerPair(t)
	first.startLeague(t)
	require.True(t, first.mgr.Stop(time.Second))

	// A fresh process over the same data dir comes back ACTIVE and
	// re-dispatches the unfinished round.
	second := newManagerFixture(t, dir)
	_, lerr := second.reg.RegisterReferee("ref-1", "http://ref-1", 10, nil)
	require.Nil(t, lerr)
	assert.Equal(t, models.LeagueActive, second.leagueStatus())
}
