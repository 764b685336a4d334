package game

import (
	"testing"

	"github.com/parityleague/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvenOddParityWin(t *testing.T) {
	rule, err := Lookup("even_odd")
	require.NoError(t, err)

	t.Run("even number, even bet wins", func(t *testing.T) {
		out, err := rule.DetermineOutcome("alice", "bob", ChoiceEven, ChoiceOdd, FixedDraw(4))
		require.NoError(t, err)
		assert.Equal(t, "alice", out.WinnerID)
		assert.Equal(t, 4, out.DrawnNumber)
		assert.Equal(t, ChoiceEven, out.NumberParity)
		assert.Equal(t, models.StatusWin, out.Statuses["alice"])
		assert.Equal(t, models.StatusLoss, out.Statuses["bob"])
	})

	t.Run("odd number, odd bet wins", func(t *testing.T) {
		out, err := rule.DetermineOutcome("alice", "bob", ChoiceEven, ChoiceOdd, FixedDraw(7))
		require.NoError(t, err)
		assert.Equal(t, "bob", out.WinnerID)
		assert.Equal(t, ChoiceOdd, out.NumberParity)
		assert.Equal(t, models.StatusLoss, out.Statuses["alice"])
		assert.Equal(t, models.StatusWin, out.Statuses["bob"])
	})
}

func TestEvenOddIdenticalChoicesDraw(t *testing.T) {
	rule, err := Lookup("even_odd")
	require.NoError(t, err)

	// A draw regardless of the drawn number's parity.
	for _, n := range []int{2, 7} {
		out, err := rule.DetermineOutcome("alice", "bob", ChoiceOdd, ChoiceOdd, FixedDraw(n))
		require.NoError(t, err)
		assert.Equal(t, models.WinnerDraw, out.WinnerID)
		assert.Equal(t, models.StatusDraw, out.Statuses["alice"])
		assert.Equal(t, models.StatusDraw, out.Statuses["bob"])
	}
}

func TestEvenOddRejectsInvalidChoice(t *testing.T) {
	rule, err := Lookup("even_odd")
	require.NoError(t, err)

	_, err = rule.DetermineOutcome("alice", "bob", "prime", ChoiceOdd, FixedDraw(3))
	assert.Error(t, err)
	_, err = rule.DetermineOutcome("alice", "bob", ChoiceEven, "", FixedDraw(3))
	assert.Error(t, err)
}

func TestValidChoice(t *testing.T) {
	assert.True(t, ValidChoice(ChoiceEven))
	assert.True(t, ValidChoice(ChoiceOdd))
	assert.False(t, ValidChoice("EVEN"))
	assert.False(t, ValidChoice(""))
	assert.False(t, ValidChoice("both"))
}

func TestCryptoDrawStaysInRange(t *testing.T) {
	draw := CryptoDraw(1, 10)
	for i := 0; i < 1000; i++ {
		n := draw()
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, 10)
	}
}

func TestLookupUnknownGameType(t *testing.T) {
	_, err := Lookup("chess")
	assert.Error(t, err)
}
