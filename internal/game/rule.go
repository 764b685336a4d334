// Package game defines the pluggable game rule used by referees to decide
// match outcomes. Rules are registered by game_type; the draw source is
// injectable so tests can pin the drawn number.
package game

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/parityleague/backend/internal/models"
)

// DrawFunc yields the drawn number for one match decision.
type DrawFunc func() int

// Outcome is the decided result of a match between two valid choices.
type Outcome struct {
	WinnerID     string // player id, or models.WinnerDraw
	DrawnNumber  int
	NumberParity string
	Statuses     map[string]models.PlayerStatus
}

// Rule decides a match outcome from both players' choices.
type Rule interface {
	GameType() string
	DetermineOutcome(playerA, playerB, choiceA, choiceB string, draw DrawFunc) (*Outcome, error)
}

var (
	rulesMu sync.RWMutex
	rules   = make(map[string]Rule)
)

// Register installs a rule for its game type. Later registrations replace
// earlier ones.
func Register(r Rule) {
	rulesMu.Lock()
	rules[r.GameType()] = r
	rulesMu.Unlock()
}

// Lookup returns the rule for a game type.
func Lookup(gameType string) (Rule, error) {
	rulesMu.RLock()
	defer rulesMu.RUnlock()
	r, ok := rules[gameType]
	if !ok {
		return nil, fmt.Errorf("no rule registered for game type %q", gameType)
	}
	return r, nil
}

// CryptoDraw returns a DrawFunc producing uniform integers in [min, max]
// from the system CSPRNG.
func CryptoDraw(min, max int) DrawFunc {
	span := big.NewInt(int64(max - min + 1))
	return func() int {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// a fixed fallback keeps the match decidable.
			return min
		}
		return min + int(n.Int64())
	}
}

// FixedDraw returns a DrawFunc that always yields n. Test seam.
func FixedDraw(n int) DrawFunc {
	return func() int { return n }
}
