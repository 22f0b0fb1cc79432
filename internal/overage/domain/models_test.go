package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOverageFormula(t *testing.T) {
	amount := OverageAmount(150, 100)
	assert.Equal(t, float64(50), amount)
	assert.True(t, OverageCost(amount, decimal.RequireFromString("0.01")).Equal(decimal.RequireFromString("0.50")))

	amount = OverageAmount(1100, 1000)
	assert.True(t, OverageCost(amount, decimal.RequireFromString("0.002")).Equal(decimal.RequireFromString("0.2")))

	assert.Zero(t, OverageAmount(80, 100))
	assert.Zero(t, OverageAmount(100, 100))
}

func TestOverageCostRoundsToFourPlaces(t *testing.T) {
	cost := OverageCost(3, decimal.RequireFromString("0.00003"))
	assert.Equal(t, "0.0001", cost.String())
}
