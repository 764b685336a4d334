package league

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/parityleague/backend/internal/models"
	"github.com/parityleague/backend/internal/protocol"
)

// Table accumulates standings rows. It is mutated only by the aggregator
// consumer, so it carries no lock of its own.
type Table struct {
	scoring models.Scoring
	rows    map[string]*protocol.StandingsRow
}

// NewTable builds an empty table.
func NewTable(scoring models.Scoring) *Table {
	return &Table{scoring: scoring, rows: make(map[string]*protocol.StandingsRow)}
}

// Load seeds the table from a persisted snapshot.
func (t *Table) Load(rows []protocol.StandingsRow) {
	for i := range rows {
		row := rows[i]
		if row.HeadToHead == nil {
			row.HeadToHead = make(map[string]protocol.HeadToHead)
		}
		t.rows[row.PlayerID] = &row
	}
}

func (t *Table) row(playerID string) *protocol.StandingsRow {
	row, ok := t.rows[playerID]
	if !ok {
		row = &protocol.StandingsRow{
			PlayerID:   playerID,
			HeadToHead: make(map[string]protocol.HeadToHead),
		}
		t.rows[playerID] = row
	}
	return row
}

// Apply folds one match report into the table. Point awards follow the
// scoring config; head-to-head is tracked per opponent.
func (t *Table) Apply(report *protocol.MatchResultReportParams) {
	for i, res := range report.Results {
		row := t.row(res.PlayerID)
		row.GamesPlayed++
		row.Points += t.scoring.PointsFor(models.PlayerStatus(res.Status))

		var opponent string
		if len(report.Results) == 2 {
			if other := report.Results[1-i]; other.PlayerID != res.PlayerID {
				opponent = other.PlayerID
			}
		}
		h2h := row.HeadToHead[opponent]

		switch models.PlayerStatus(res.Status) {
		case models.StatusWin:
			row.Wins++
			h2h.Wins++
		case models.StatusDraw:
			row.Draws++
			h2h.Draws++
		case models.StatusTechnicalLoss:
			row.TechnicalLosses++
			row.Losses++
			h2h.Losses++
		default:
			row.Losses++
			h2h.Losses++
		}
		if opponent != "" {
			row.HeadToHead[opponent] = h2h
		}
	}
}

// Rows returns the table sorted by player id, the stable persisted order.
func (t *Table) Rows() []protocol.StandingsRow {
	out := make([]protocol.StandingsRow, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// h2hPoints computes the points a player earned against a set of opponents,
// used to break ties inside a group.
func h2hPoints(row protocol.StandingsRow, group map[string]bool, scoring models.Scoring) int {
	pts := 0
	for opponent, rec := range row.HeadToHead {
		if !group[opponent] {
			continue
		}
		pts += rec.Wins*scoring.Win + rec.Draws*scoring.Draw + rec.Losses*scoring.Loss
	}
	return pts
}

// Ranked returns the rows in tiebreaker order: points desc, wins desc,
// head-to-head points among the tied group, then a deterministic shuffle
// seeded by (league_id, round). Computed per query, never stored.
func (t *Table) Ranked(leagueID string, round int) []protocol.StandingsRow {
	rows := t.Rows()

	h := fnv.New64a()
	h.Write([]byte(leagueID))
	h.Write([]byte{byte(round), byte(round >> 8)})
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	// Pre-assign the random tiebreak so the comparison stays consistent.
	tiebreak := make(map[string]int, len(rows))
	order := rng.Perm(len(rows))
	for i, row := range rows {
		tiebreak[row.PlayerID] = order[i]
	}

	// Group membership for the head-to-head comparison: players tied on
	// points and wins.
	type key struct{ points, wins int }
	groups := make(map[key]map[string]bool)
	for _, row := range rows {
		k := key{row.Points, row.Wins}
		if groups[k] == nil {
			groups[k] = make(map[string]bool)
		}
		groups[k][row.PlayerID] = true
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if a.Wins != b.Wins {
			return a.Wins > b.Wins
		}
		group := groups[key{a.Points, a.Wins}]
		ah, bh := h2hPoints(a, group, t.scoring), h2hPoints(b, group, t.scoring)
		if ah != bh {
			return ah > bh
		}
		return tiebreak[a.PlayerID] < tiebreak[b.PlayerID]
	})
	return rows
}
