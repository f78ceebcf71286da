package worker

import (
	"context"
	"log"
	"time"

	"leadflow/services"
)

// Cycle is satisfied by services.CycleRunner
type Cycle interface {
	Run(ctx context.Context) (*services.CycleReport, error)
}

// FollowupWorker runs the scheduler cycle in-process on a fixed interval.
// Deployments that drive /api/cron/process-followups externally leave it disabled.
type FollowupWorker struct {
	Cycle    Cycle
	Interval time.Duration
	Logger   *log.Logger
}

func NewFollowupWorker(cycle Cycle, interval time.Duration, logger *log.Logger) *FollowupWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &FollowupWorker{
		Cycle:    cycle,
		Interval: interval,
		Logger:   logger,
	}
}

func (fw *FollowupWorker) Start(ctx context.Context) {
	fw.Logger.Printf("Followup worker started (every %s)", fw.Interval)
	ticker := time.NewTicker(fw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fw.Logger.Println("Followup worker shutting down...")
			return
		case <-ticker.C:
			fw.runOnce(ctx)
		}
	}
}

func (fw *FollowupWorker) runOnce(ctx context.Context) {
	// A cycle never outlives the next tick
	runCtx, cancel := context.WithTimeout(ctx, fw.Interval)
	defer cancel()

	report, err := fw.Cycle.Run(runCtx)
	if err != nil {
		fw.Logger.Printf("Followup cycle failed: %v", err)
		return
	}
	if report.Followups != nil && report.Followups.Processed > 0 {
		fw.Logger.Printf("Cycle %s processed %d leads", report.RunID, report.Followups.Processed)
	}
}
