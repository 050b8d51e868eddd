package rules

import (
	"context"
	"time"

	"marathon-engine/src/models"

	"github.com/go-co-op/gocron/v2"
)

// -----------------------------------------------------------------------------

// StartScheduler runs the batch rule check on a fixed interval. The returned
// scheduler should be shut down on process exit.
func StartScheduler(engine *Engine, cfg *models.MConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.Rules.CheckIntervalSeconds) * time.Second
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := engine.CheckAllParticipantsRules(ctx); err != nil {
				engine.Logger.Error("Scheduled rule check failed: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	engine.Logger.Info("Rule scheduler started (every %s)", interval)
	return sched, nil
}
