package services

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"leadflow/models"
)

func TestCycleRunnerRun(t *testing.T) {
	h := newHarness(t)
	h.seedSteps(t, 60, 60)
	ctx := context.Background()

	expired := h.leadAt(t, "Old", "+15135550101", 1, nil)
	if err := h.ledger.Record(ctx, "twilio:SMold", "twilio"); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(31 * 24 * time.Hour)
	due := h.leadAt(t, "Due", "+15135550102", 0, at(h.clock.Now().Add(-time.Minute)))

	hub := NewActivityHub(8)
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	runner := NewCycleRunner(h.engine, h.ledger, 10)
	runner.Events = hub
	runner.Logger = log.New(io.Discard, "", 0)

	report, err := runner.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.RunID == "" {
		t.Error("missing run id")
	}
	if report.Followups.Processed != 1 || report.Followups.Sent != 1 {
		t.Errorf("followups = %+v", report.Followups)
	}
	if report.Closed != 1 || report.Cleaned != 1 {
		t.Errorf("closed=%d cleaned=%d", report.Closed, report.Cleaned)
	}

	if got := h.reload(t, expired.ID); got.SequenceStatus != models.SequenceStopped {
		t.Errorf("expired lead = %s", got.SequenceStatus)
	}
	if got := h.reload(t, due.ID); got.SequenceStep != 1 {
		t.Errorf("due lead step = %d", got.SequenceStep)
	}

	select {
	case ev := <-events:
		if ev.Type != EventCycleCompleted || ev.Data["run_id"] != report.RunID {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle event")
	}
}

func TestCycleRunnerFailsWhenDueQueryFails(t *testing.T) {
	h := newHarness(t)
	runner := NewCycleRunner(h.engine, h.ledger, 10)
	runner.Logger = log.New(io.Discard, "", 0)

	sqlDB, _ := h.db.DB()
	sqlDB.Close()

	if _, err := runner.Run(context.Background()); err == nil {
		t.Error("expected error from closed database")
	}
}
