package storage

import (
	"context"
	"sync"
	"time"

	"marathon-engine/src/cache"
	"marathon-engine/src/interfaces"
	"marathon-engine/src/logger"
	"marathon-engine/src/models"
)

// -----------------------------------------------------------------------------
// EquityRecorder
// -----------------------------------------------------------------------------

// EquityRecorder listens to snapshot cache updates and persists one equity
// sample per login per interval. The persisted samples are the data source
// for the historical drawdown rules; throttling keeps broker bursts from
// flooding the table.
type EquityRecorder struct {
	Config  *models.MConfig
	Logger  *logger.Logger
	History interfaces.IHistoryRepository

	mu          sync.Mutex
	lastSampled map[string]time.Time
}

// -----------------------------------------------------------------------------

func NewEquityRecorder(cfg *models.MConfig, log *logger.Logger, history interfaces.IHistoryRepository) *EquityRecorder {
	return &EquityRecorder{
		Config:      cfg,
		Logger:      log,
		History:     history,
		lastSampled: make(map[string]time.Time),
	}
}

// -----------------------------------------------------------------------------

// Attach subscribes the recorder to the cache and returns the unsubscribe handle.
func (r *EquityRecorder) Attach(c *cache.SnapshotCache) func() {
	return c.Subscribe(r.onUpdate)
}

// -----------------------------------------------------------------------------

func (r *EquityRecorder) onUpdate(event cache.UpdateEvent) {
	// Only vitals-bearing segments carry a meaningful equity observation.
	if event.Type != "account" && event.Type != "update" {
		return
	}

	interval := time.Duration(r.Config.Recorder.SampleIntervalSeconds) * time.Second
	now := time.Now()

	r.mu.Lock()
	if last, ok := r.lastSampled[event.Login]; ok && now.Sub(last) < interval {
		r.mu.Unlock()
		return
	}
	r.lastSampled[event.Login] = now
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.History.SaveEquitySample(ctx, models.MEquitySample{
		AccountLogin: event.Login,
		Equity:       event.Snapshot.Equity,
		Balance:      event.Snapshot.Balance,
		RecordedAt:   now,
	})
	if err != nil {
		r.Logger.Error("Failed to persist equity sample for %s: %v", event.Login, err)
	}
}
