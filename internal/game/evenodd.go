package game

import (
	"fmt"

	"github.com/parityleague/backend/internal/models"
)

// Parity choices accepted on the wire.
const (
	ChoiceEven = "even"
	ChoiceOdd  = "odd"
)

// ValidChoice reports whether a parity choice is one of the two legal values.
func ValidChoice(choice string) bool {
	return choice == ChoiceEven || choice == ChoiceOdd
}

// EvenOdd is the parity game: a number is drawn and each player bets on its
// parity. Identical choices are a draw regardless of the number, which
// prevents one drawn number producing two winners or two losers.
type EvenOdd struct{}

// GameType returns the registry key.
func (EvenOdd) GameType() string { return "even_odd" }

// DetermineOutcome draws a number and resolves the bet.
func (EvenOdd) DetermineOutcome(playerA, playerB, choiceA, choiceB string, draw DrawFunc) (*Outcome, error) {
	if !ValidChoice(choiceA) {
		return nil, fmt.Errorf("invalid choice %q for player %s", choiceA, playerA)
	}
	if !ValidChoice(choiceB) {
		return nil, fmt.Errorf("invalid choice %q for player %s", choiceB, playerB)
	}

	n := draw()
	parity := ChoiceOdd
	if n%2 == 0 {
		parity = ChoiceEven
	}

	out := &Outcome{
		DrawnNumber:  n,
		NumberParity: parity,
		Statuses:     make(map[string]models.PlayerStatus, 2),
	}

	if choiceA == choiceB {
		out.WinnerID = models.WinnerDraw
		out.Statuses[playerA] = models.StatusDraw
		out.Statuses[playerB] = models.StatusDraw
		return out, nil
	}

	if choiceA == parity {
		out.WinnerID = playerA
		out.Statuses[playerA] = models.StatusWin
		out.Statuses[playerB] = models.StatusLoss
	} else {
		out.WinnerID = playerB
		out.Statuses[playerB] = models.StatusWin
		out.Statuses[playerA] = models.StatusLoss
	}
	return out, nil
}

func init() {
	Register(EvenOdd{})
}
