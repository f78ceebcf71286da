package services

import (
	"context"
	"log"
	"os"
	"time"

	"leadflow/utils"

	"github.com/google/uuid"
)

const DefaultBatchSize = 20

// CycleReport is the outcome of one full maintenance cycle
type CycleReport struct {
	RunID      string           `json:"run_id"`
	Followups  *FollowupSummary `json:"followups"`
	Closed     int              `json:"closed"`
	Cleaned    int64            `json:"cleaned"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// CycleRunner is shared by the cron endpoint and the in-process scheduler
type CycleRunner struct {
	Engine    *Engine
	Ledger    *Ledger
	BatchSize int
	Events    EventPublisher
	Logger    *log.Logger
}

func NewCycleRunner(engine *Engine, ledger *Ledger, batchSize int) *CycleRunner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &CycleRunner{
		Engine:    engine,
		Ledger:    ledger,
		BatchSize: batchSize,
		Events:    noopPublisher{},
		Logger:    log.New(os.Stdout, "CRON: ", log.LstdFlags),
	}
}

// Run processes due followups, then expires old sequences and prunes the
// webhook ledger. Only the followup query can fail the cycle.
func (r *CycleRunner) Run(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		RunID:     uuid.NewString(),
		StartedAt: r.Engine.now(),
	}
	start := time.Now()
	defer func() {
		cycleDuration.Observe(time.Since(start).Seconds())
	}()

	summary, err := r.Engine.ProcessAllFollowups(ctx, r.BatchSize)
	if err != nil {
		utils.LogError("followup_cycle_failed", err, map[string]interface{}{"run_id": report.RunID})
		return nil, err
	}
	report.Followups = summary

	closed, err := r.Engine.CloseExpiredSequences(ctx, r.BatchSize)
	if err != nil {
		utils.LogError("expire_sequences_failed", err, map[string]interface{}{"run_id": report.RunID})
	}
	report.Closed = closed

	if r.Ledger != nil {
		cleaned, err := r.Ledger.CleanupExpired(ctx)
		if err != nil {
			utils.LogError("webhook_cleanup_failed", err, map[string]interface{}{"run_id": report.RunID})
		}
		report.Cleaned = cleaned
	}

	report.FinishedAt = r.Engine.now()

	r.logger().Printf("Cycle %s: processed=%d closed=%d cleaned=%d in %s",
		report.RunID, summary.Processed, report.Closed, report.Cleaned, utils.FormatDuration(time.Since(start)))
	publisherOrNoop(r.Events).Publish(ActivityEvent{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"run_id":    report.RunID,
			"processed": summary.Processed,
			"sent":      summary.Sent,
			"closed":    report.Closed,
			"cleaned":   report.Cleaned,
		},
		At: report.FinishedAt,
	})

	return report, nil
}

func (r *CycleRunner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}
