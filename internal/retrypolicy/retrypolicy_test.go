package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndIsCapped(t *testing.T) {
	initial := 10 * time.Second
	max := time.Minute

	first := Delay(1, initial, max)
	assert.GreaterOrEqual(t, first, 5*time.Second)
	assert.LessOrEqual(t, first, 15*time.Second)

	for attempt := 1; attempt <= 10; attempt++ {
		assert.LessOrEqual(t, Delay(attempt, initial, max), max)
	}
	assert.Greater(t, Delay(4, initial, max), 15*time.Second)
}
