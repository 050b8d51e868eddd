package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// -----------------------------------------------------------------------------

func TestNextBackoff_DoublesUntilCap(t *testing.T) {
	cap := 30 * time.Second

	d := time.Second
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		d = NextBackoff(d, cap)
		seen = append(seen, d)
	}

	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, seen)
}

// -----------------------------------------------------------------------------

func TestNextBackoff_AtCapStaysAtCap(t *testing.T) {
	assert.Equal(t, 30*time.Second, NextBackoff(30*time.Second, 30*time.Second))
}
