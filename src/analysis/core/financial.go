package core

import (
	"math"

	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------

// ProfitPercent calculates profit relative to the inferred initial balance
// (balance - profit). Returns 0 when the denominator is not positive.
func ProfitPercent(profit, balance float64) float64 {
	initial := balance - profit
	if initial <= 0 {
		return 0.0
	}
	return profit / initial * 100.0
}

// -----------------------------------------------------------------------------

// DrawdownPercent calculates the decline from peak equity to current equity.
// Never negative, 0 when the peak is not positive.
func DrawdownPercent(peakEquity, currentEquity float64) float64 {
	if peakEquity <= 0 {
		return 0.0
	}
	dd := (peakEquity - currentEquity) / peakEquity * 100.0
	if dd < 0 {
		return 0.0
	}
	return dd
}

// -----------------------------------------------------------------------------

// PeakEquity returns the maximum equity across the samples, 0 when empty.
func PeakEquity(samples []models.MEquitySample) float64 {
	peak := 0.0
	for _, s := range samples {
		if s.Equity > peak {
			peak = s.Equity
		}
	}
	return peak
}

// -----------------------------------------------------------------------------

// MaxDailyDrawdownPercent groups equity samples by calendar day and returns
// the worst peak-to-trough decline observed within any single day.
func MaxDailyDrawdownPercent(samples []models.MEquitySample) float64 {
	type dayRange struct {
		peak   float64
		trough float64
	}

	days := make(map[string]*dayRange)
	for _, s := range samples {
		day := s.RecordedAt.Format("2006-01-02")
		r, ok := days[day]
		if !ok {
			days[day] = &dayRange{peak: s.Equity, trough: s.Equity}
			continue
		}
		if s.Equity > r.peak {
			r.peak = s.Equity
		}
		if s.Equity < r.trough {
			r.trough = s.Equity
		}
	}

	worst := 0.0
	for _, r := range days {
		if r.peak <= 0 {
			continue
		}
		dd := (r.peak - r.trough) / r.peak * 100.0
		if dd > worst {
			worst = dd
		}
	}
	return worst
}

// -----------------------------------------------------------------------------

// FloatingRiskPercent relates the open (floating) profit or loss to equity.
// Returns 0 when equity is not positive.
func FloatingRiskPercent(floatingProfit, equity float64) float64 {
	if equity <= 0 {
		return 0.0
	}
	return math.Abs(floatingProfit) / equity * 100.0
}
