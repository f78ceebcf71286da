package controller

import (
	"context"
	"log"
	"time"

	"leadflow/services"

	"github.com/gofiber/fiber/v2"
)

// CycleRunner runs one scheduler cycle
type CycleRunner interface {
	Run(ctx context.Context) (*services.CycleReport, error)
}

type CronController struct {
	Runner CycleRunner
	Logger *log.Logger
}

func NewCronController(runner CycleRunner, logger *log.Logger) *CronController {
	return &CronController{
		Runner: runner,
		Logger: logger,
	}
}

// ProcessFollowups sends due steps, closes stale sequences and prunes the webhook ledger
func (cc *CronController) ProcessFollowups(c *fiber.Ctx) error {
	report, err := cc.Runner.Run(c.UserContext())
	if err != nil {
		cc.Logger.Printf("Cycle failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process followups",
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"processed": report.Followups.Processed,
		"timestamp": report.FinishedAt.UTC().Format(time.RFC3339),
		"summary":   report.Followups,
		"closed":    report.Closed,
		"cleaned":   report.Cleaned,
		"runId":     report.RunID,
	})
}
