package player

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/parityleague/backend/internal/game"
)

// MatchContext is what a strategy sees when asked for a parity choice.
type MatchContext struct {
	MatchID    string
	LeagueID   string
	OpponentID string
	Range      [2]int
}

// Strategy decides the parity bet for one match.
type Strategy interface {
	Name() string
	ChooseParity(ctx context.Context, mc MatchContext) (string, error)
}

// Fixed always answers the same parity.
type Fixed struct {
	Choice string
}

func (f Fixed) Name() string { return "always_" + f.Choice }

func (f Fixed) ChooseParity(context.Context, MatchContext) (string, error) {
	return f.Choice, nil
}

// Random picks even or odd uniformly.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom builds a seeded random strategy.
func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Name() string { return "random" }

func (r *Random) ChooseParity(context.Context, MatchContext) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Intn(2) == 0 {
		return game.ChoiceEven, nil
	}
	return game.ChoiceOdd, nil
}

// NewStrategy resolves a strategy by configured name.
func NewStrategy(name string, seed int64) (Strategy, error) {
	switch name {
	case "", "random":
		return NewRandom(seed), nil
	case "always_even":
		return Fixed{Choice: game.ChoiceEven}, nil
	case "always_odd":
		return Fixed{Choice: game.ChoiceOdd}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
