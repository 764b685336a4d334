package league

import (
	"testing"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func report(matchID, winner string, results ...protocol.PlayerResult) *protocol.MatchResultReportParams {
	return &protocol.MatchResultReportParams{
		MatchID:  matchID,
		LeagueID: "league-001",
		WinnerID: winner,
		Results:  results,
	}
}

func winLoss(matchID, winner, loser string) *protocol.MatchResultReportParams {
	return report(matchID, winner,
		protocol.PlayerResult{PlayerID: winner, Status: string(models.StatusWin), PointsAwarded: 3},
		protocol.PlayerResult{PlayerID: loser, Status: string(models.StatusLoss)},
	)
}

func drawn(matchID, a, b string) *protocol.MatchResultReportParams {
	return report(matchID, models.WinnerDraw,
		protocol.PlayerResult{PlayerID: a, Status: string(models.StatusDraw), PointsAwarded: 1},
		protocol.PlayerResult{PlayerID: b, Status: string(models.StatusDraw), PointsAwarded: 1},
	)
}

func rowFor(t *testing.T, rows []protocol.StandingsRow, playerID string) protocol.StandingsRow {
	t.Helper()
	for _, row := range rows {
		if row.PlayerID == playerID {
			return row
		}
	}
	t.Fatalf("no row for %s", playerID)
	return protocol.StandingsRow{}
}

func TestTableApplyScoring(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	table.Apply(winLoss("R1M1", "alice", "bob"))
	table.Apply(drawn("R1M2", "alice", "carol"))
	table.Apply(report("R1M3", "carol",
		protocol.PlayerResult{PlayerID: "carol", Status: string(models.StatusWin), PointsAwarded: 3},
		protocol.PlayerResult{PlayerID: "bob", Status: string(models.StatusTechnicalLoss), ErrorCode: protocol.CodeTimeout},
	))

	rows := table.Rows()
	require.Len(t, rows, 3)

	alice := rowFor(t, rows, "alice")
	assert.Equal(t, 4, alice.Points)
	assert.Equal(t, 1, alice.Wins)
	assert.Equal(t, 1, alice.Draws)
	assert.Equal(t, 2, alice.GamesPlayed)

	bob := rowFor(t, rows, "bob")
	assert.Equal(t, 0, bob.Points)
	assert.Equal(t, 2, bob.Losses)
	assert.Equal(t, 1, bob.TechnicalLosses)

	carol := rowFor(t, rows, "carol")
	assert.Equal(t, 4, carol.Points)
	assert.Equal(t, 1, carol.Wins)
	assert.Equal(t, 1, carol.Draws)
}

func TestTableHeadToHeadTracking(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	table.Apply(winLoss("R1M1", "alice", "bob"))
	table.Apply(winLoss("R2M1", "alice", "bob"))
	table.Apply(winLoss("R3M1", "bob", "alice"))

	alice := rowFor(t, table.Rows(), "alice")
	assert.Equal(t, protocol.HeadToHead{Wins: 2, Losses: 1}, alice.HeadToHead["bob"])
	bob := rowFor(t, table.Rows(), "bob")
	assert.Equal(t, protocol.HeadToHead{Wins: 1, Losses: 2}, bob.HeadToHead["alice"])
}

func TestRankedOrdersByPointsThenWins(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	// alice: 2 wins (6 pts). bob: 1 win 3 draws... construct directly:
	table.Apply(winLoss("R1M1", "alice", "dave"))
	table.Apply(winLoss("R2M1", "alice", "carol"))
	table.Apply(winLoss("R1M2", "bob", "carol"))
	table.Apply(drawn("R2M2", "bob", "dave"))

	ranked := table.Ranked("league-001", 2)
	require.Len(t, ranked, 4)
	assert.Equal(t, "alice", ranked[0].PlayerID) // 6 pts
	assert.Equal(t, "bob", ranked[1].PlayerID)   // 4 pts
	assert.Equal(t, "dave", ranked[2].PlayerID)  // 1 pt
	assert.Equal(t, "carol", ranked[3].PlayerID) // 0 pts
}

func TestRankedHeadToHeadBreaksTies(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	// alice and bob both end on 3 points, 1 win; alice beat bob directly.
	table.Apply(winLoss("R1M1", "alice", "bob"))
	table.Apply(winLoss("R2M1", "bob", "carol"))
	table.Apply(winLoss("R3M1", "carol", "alice"))
	// carol also has 3 points 1 win; the three-way cycle leaves h2h tied at
	// 3 points each inside the group, so the seeded shuffle decides.

	ranked := table.Ranked("league-001", 3)
	require.Len(t, ranked, 3)

	// Deterministic: same input, same order on every call.
	again := table.Ranked("league-001", 3)
	assert.Equal(t, ranked, again)
}

func TestRankedTwoWayHeadToHead(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	table.Apply(winLoss("R1M1", "alice", "bob"))
	table.Apply(winLoss("R2M1", "bob", "dave"))
	table.Apply(winLoss("R2M2", "alice", "dave"))
	table.Apply(winLoss("R3M1", "dave", "carol"))
	// alice 6, bob 3, dave 3. bob beat dave head to head? No: bob beat dave,
	// dave lost to bob, so bob ranks above dave.

	ranked := table.Ranked("league-001", 3)
	require.Len(t, ranked, 4)
	assert.Equal(t, "alice", ranked[0].PlayerID)
	assert.Equal(t, "bob", ranked[1].PlayerID)
	assert.Equal(t, "dave", ranked[2].PlayerID)
}

func TestRankedSeedVariesByRound(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	table.Apply(winLoss("R1M1", "alice", "bob"))

	r1 := table.Ranked("league-001", 1)
	r2 := table.Ranked("league-001", 2)
	// Point order is unaffected by the seed; only tied groups can move.
	assert.Equal(t, r1[0].PlayerID, r2[0].PlayerID)
}

func TestTableLoadRestoresRows(t *testing.T) {
	table := NewTable(models.DefaultScoring())
	table.Load([]protocol.StandingsRow{
		{PlayerID: "alice", Points: 3, Wins: 1, GamesPlayed: 1},
	})
	table.Apply(winLoss("R2M1", "alice", "bob"))

	alice := rowFor(t, table.Rows(), "alice")
	assert.Equal(t, 6, alice.Points)
	assert.Equal(t, 2, alice.Wins)
	assert.Equal(t, 2, alice.GamesPlayed)
}
