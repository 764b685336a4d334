// Package schedule builds single round-robin schedules with the circle
// method. Output is deterministic in (sorted players, league_id).
package schedule

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/parityleague/backend/internal/models"
)

// byeSentinel fills the table when the player count is odd. Pairings that
// include it are dropped.
const byeSentinel = "__BYE__"

// Referee describes one referee available for assignment.
type Referee struct {
	ID                   string
	MaxConcurrentMatches int
}

// seedFor derives the shuffle seed from the league id.
func seedFor(leagueID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(leagueID))
	return int64(h.Sum64())
}

// BuildSchedule pairs every player against every other exactly once and
// assigns referees round-robin in id order. The schedule is a pure function
// of (players, leagueID, referee set), regardless of input ordering.
func BuildSchedule(players []string, leagueID string, referees []Referee) (*models.Schedule, error) {
	if len(players) < 2 {
		return nil, fmt.Errorf("need at least 2 players, got %d", len(players))
	}
	if len(referees) == 0 {
		return nil, fmt.Errorf("need at least one referee")
	}

	refs := make([]Referee, len(referees))
	copy(refs, referees)
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })

	table := make([]string, len(players))
	copy(table, players)
	sort.Strings(table)
	rng := rand.New(rand.NewSource(seedFor(leagueID)))
	rng.Shuffle(len(table), func(i, j int) {
		table[i], table[j] = table[j], table[i]
	})

	if len(table)%2 == 1 {
		table = append(table, byeSentinel)
	}
	n := len(table)

	schedule := &models.Schedule{LeagueID: leagueID}
	for round := 0; round < n-1; round++ {
		r := models.Round{RoundID: round + 1, Status: models.RoundPending}
		k := 0
		for i := 0; i < n/2; i++ {
			a, b := table[i], table[n-1-i]
			if a == byeSentinel || b == byeSentinel {
				continue
			}
			match := models.Match{
				MatchID:   fmt.Sprintf("R%dM%d", round+1, k+1),
				RoundID:   round + 1,
				LeagueID:  leagueID,
				PlayerAID: a,
				PlayerBID: b,
				RefereeID: refs[k%len(refs)].ID,
				Status:    models.MatchScheduled,
			}
			r.Matches = append(r.Matches, match)
			k++
		}
		schedule.Rounds = append(schedule.Rounds, r)

		// Rotate all positions except the first one step clockwise.
		last := table[n-1]
		copy(table[2:], table[1:n-1])
		table[1] = last
	}
	return schedule, nil
}

// SubBatches splits a round's matches into dispatch waves so no referee
// exceeds its concurrent-match cap within a wave. Round identity is
// preserved; only dispatch timing changes.
func SubBatches(matches []models.Match, referees []Referee) [][]models.Match {
	caps := make(map[string]int, len(referees))
	for _, ref := range referees {
		limit := ref.MaxConcurrentMatches
		if limit <= 0 {
			limit = 50
		}
		caps[ref.ID] = limit
	}

	var batches [][]models.Match
	remaining := matches
	for len(remaining) > 0 {
		inFlight := make(map[string]int)
		var batch, overflow []models.Match
		for _, m := range remaining {
			limit, known := caps[m.RefereeID]
			if !known {
				// An assignee absent from the referee list gets the default
				// cap rather than stalling the wave.
				limit = 50
				caps[m.RefereeID] = limit
			}
			if inFlight[m.RefereeID] < limit {
				inFlight[m.RefereeID]++
				batch = append(batch, m)
			} else {
				overflow = append(overflow, m)
			}
		}
		batches = append(batches, batch)
		remaining = overflow
	}
	return batches
}
