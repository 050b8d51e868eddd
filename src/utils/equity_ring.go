package utils

import (
	"time"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------
// EquityRing is a fixed-size circular buffer of equity observations.
// True ring buffer - no resizing allowed!
// -----------------------------------------------------------------------------

const ringNumFeatures = 3 // timestamp, equity, balance

type EquityRing struct {
	data     [][ringNumFeatures]float64
	login    string
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewEquityRing creates a new buffer with fixed capacity
func NewEquityRing(login string, capacity int) *EquityRing {
	if capacity <= 0 {
		capacity = 120 // Default reasonable size
	}

	return &EquityRing{
		data:     make([][ringNumFeatures]float64, capacity),
		login:    login,
		capacity: capacity,
		index:    0,
		size:     0,
	}
}

// -----------------------------------------------------------------------------

// Append adds one observation (Strict Type)
func (rb *EquityRing) Append(sample models.MEquitySample) {
	rb.data[rb.index] = [ringNumFeatures]float64{
		float64(sample.RecordedAt.UnixMilli()),
		sample.Equity,
		sample.Balance,
	}

	rb.index = (rb.index + 1) % rb.capacity

	// Update size (never exceeds capacity)
	if rb.size < rb.capacity {
		rb.size++
	}
}

// -----------------------------------------------------------------------------

// GetAll returns all data in insertion order (oldest to newest)
func (rb *EquityRing) GetAll() []models.MEquitySample {
	if rb.size == 0 {
		return []models.MEquitySample{}
	}

	result := make([]models.MEquitySample, rb.size)

	// Calculate start index (oldest element)
	var startIdx int
	if rb.size == rb.capacity {
		// Buffer is full, oldest is at current index (wrap-around)
		startIdx = rb.index
	} else {
		// Buffer not full, oldest is at index 0
		startIdx = 0
	}

	// Extract in order
	for i := 0; i < rb.size; i++ {
		idx := (startIdx + i) % rb.capacity
		row := rb.data[idx]

		result[i] = models.MEquitySample{
			AccountLogin: rb.login,
			RecordedAt:   time.UnixMilli(int64(row[0])),
			Equity:       row[1],
			Balance:      row[2],
		}
	}

	return result
}

// -----------------------------------------------------------------------------

// Size returns the current number of elements
func (rb *EquityRing) Size() int {
	return rb.size
}
