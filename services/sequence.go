package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"leadflow/models"
	"leadflow/utils"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultClaimLease = 5 * time.Minute
	SequenceMaxAge    = 30 * 24 * time.Hour
	maxMutateAttempts = 3
)

// Per-lead results of a followup run
const (
	OutcomeAdvanced  = "advanced"
	OutcomeCompleted = "completed"
	OutcomePaused    = "paused"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// FollowupSummary counts what one ProcessAllFollowups call did
type FollowupSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Blocked   int `json:"blocked"`
	Failed    int `json:"failed"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Paused    int `json:"paused"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type leadOutcome struct {
	sent    int
	blocked int
	failed  int
	result  string
}

// Engine drives each lead through the drip sequence
type Engine struct {
	Store       *LeadStore
	Messenger   *Messenger
	Limiter     RateLimiter
	Events      EventPublisher
	Logger      *log.Logger
	Now         func() time.Time
	ClaimLease  time.Duration
	Concurrency int
	MaxAge      time.Duration
	BookingLink string // used when the bookingLink setting is empty
}

func NewEngine(store *LeadStore, messenger *Messenger, limiter RateLimiter) *Engine {
	return &Engine{
		Store:       store,
		Messenger:   messenger,
		Limiter:     limiter,
		Events:      noopPublisher{},
		Logger:      log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags),
		Now:         time.Now,
		ClaimLease:  DefaultClaimLease,
		Concurrency: 1,
		MaxAge:      SequenceMaxAge,
	}
}

// ProcessInstantResponse runs the first step for a newly created lead without
// waiting for the scheduler. A lead already past that step, or currently
// claimed by a batch run, is left alone.
func (e *Engine) ProcessInstantResponse(ctx context.Context, leadID uint) error {
	lead, err := e.Store.GetLead(ctx, leadID)
	if err != nil {
		return err
	}
	if lead.SequenceStep >= models.InstantStepNumber {
		return nil
	}

	steps, err := e.Store.ActiveSteps(ctx)
	if err != nil {
		return err
	}
	settings, err := e.settings(ctx)
	if err != nil {
		return err
	}

	out, err := e.runStep(ctx, lead, steps, settings)
	if err != nil {
		return fmt.Errorf("instant response for lead %d: %w", leadID, err)
	}
	e.logger().Printf("Instant response for lead %d: %s (sent=%d blocked=%d failed=%d)",
		leadID, out.result, out.sent, out.blocked, out.failed)
	return nil
}

// ProcessAllFollowups executes the pending step of every due lead, oldest first.
// Only a failure to load the batch is returned; per-lead errors are counted.
func (e *Engine) ProcessAllFollowups(ctx context.Context, batchSize int) (*FollowupSummary, error) {
	leads, err := e.Store.FindDueLeads(ctx, e.now(), batchSize)
	if err != nil {
		return nil, err
	}

	summary := &FollowupSummary{}
	if len(leads) == 0 {
		return summary, nil
	}

	steps, err := e.Store.ActiveSteps(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := e.settings(ctx)
	if err != nil {
		return nil, err
	}

	limit := e.Concurrency
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)

	for i := range leads {
		lead := leads[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			out, err := e.runStep(ctx, &lead, steps, settings)

			mu.Lock()
			defer mu.Unlock()

			summary.Processed++
			summary.Sent += out.sent
			summary.Blocked += out.blocked
			summary.Failed += out.failed

			if err != nil {
				summary.Errors++
				recordFollowupOutcome(OutcomeError)
				utils.LogError("followup_failed", err, map[string]interface{}{"lead_id": lead.ID})
				return nil
			}

			switch out.result {
			case OutcomeAdvanced:
				summary.Advanced++
			case OutcomeCompleted:
				summary.Completed++
			case OutcomePaused:
				summary.Paused++
			default:
				summary.Skipped++
			}
			recordFollowupOutcome(out.result)
			return nil
		})
	}
	_ = g.Wait()

	e.logger().Printf("Processed %d followups: sent=%d blocked=%d failed=%d advanced=%d completed=%d paused=%d skipped=%d errors=%d",
		summary.Processed, summary.Sent, summary.Blocked, summary.Failed, summary.Advanced,
		summary.Completed, summary.Paused, summary.Skipped, summary.Errors)

	return summary, nil
}

// runStep executes the pending step of one lead if it is due
func (e *Engine) runStep(ctx context.Context, lead *models.Lead, steps []models.SequenceStep, settings map[string]string) (leadOutcome, error) {
	now := e.now()

	if lead.SequenceStatus != models.SequenceActive {
		return leadOutcome{result: OutcomeSkipped}, nil
	}
	if lead.NextFollowupAt == nil || lead.NextFollowupAt.After(now) {
		return leadOutcome{result: OutcomeSkipped}, nil
	}

	if hasUnhandledReply(lead) {
		_, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
			if l.SequenceStatus != models.SequenceActive {
				return nil, nil
			}
			return map[string]interface{}{
				"sequence_status":  models.SequencePaused,
				"next_followup_at": nil,
			}, nil
		})
		e.logger().Printf("Lead %d has responded, pausing sequence", lead.ID)
		return leadOutcome{result: OutcomePaused}, err
	}

	if lead.ConsultationBookedAt != nil {
		_, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
			if l.SequenceStatus != models.SequenceActive {
				return nil, nil
			}
			return map[string]interface{}{
				"sequence_status":  models.SequenceCompleted,
				"status":           models.LeadStatusBooked,
				"next_followup_at": nil,
			}, nil
		})
		e.logger().Printf("Lead %d has booked a consultation, completing sequence", lead.ID)
		return leadOutcome{result: OutcomeCompleted}, err
	}

	pending := pendingStep(steps, lead.SequenceStep)
	if pending == nil {
		_, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
			if l.SequenceStatus != models.SequenceActive {
				return nil, nil
			}
			return map[string]interface{}{
				"sequence_status":  models.SequenceCompleted,
				"next_followup_at": nil,
			}, nil
		})
		return leadOutcome{result: OutcomeCompleted}, err
	}

	// No instant step configured: the first step is timed from lead creation
	if lead.SequenceStep < models.InstantStepNumber && pending.StepNumber != models.InstantStepNumber {
		next := lead.CreatedAt.Add(stepDelay(pending))
		_, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
			if l.SequenceStatus != models.SequenceActive || l.SequenceStep >= models.InstantStepNumber {
				return nil, nil
			}
			return map[string]interface{}{
				"sequence_step":    models.InstantStepNumber,
				"next_followup_at": next,
			}, nil
		})
		return leadOutcome{result: OutcomeAdvanced}, err
	}

	scheduledAt := now
	if lead.NextFollowupAt != nil {
		scheduledAt = *lead.NextFollowupAt
	}

	// Claim the lead so an overlapping run cannot send the same step
	err := e.Store.CompareAndSwap(ctx, lead, map[string]interface{}{
		"next_followup_at": now.Add(e.claimLease()),
	})
	if errors.Is(err, ErrConcurrentUpdate) {
		return leadOutcome{result: OutcomeSkipped}, nil
	}
	if err != nil {
		return leadOutcome{}, err
	}

	out := leadOutcome{}
	e.sendStep(ctx, lead, pending, settings, &out)

	completed := false
	updated, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
		completed = false
		if l.SequenceStep >= pending.StepNumber {
			return nil, nil
		}

		changes := map[string]interface{}{"sequence_step": pending.StepNumber}
		if l.Status == models.LeadStatusNew {
			changes["status"] = models.LeadStatusContacted
		}
		if l.SequenceStatus != models.SequenceActive {
			return changes, nil
		}

		following := pendingStep(steps, pending.StepNumber)
		if following == nil {
			changes["sequence_status"] = models.SequenceCompleted
			changes["next_followup_at"] = nil
			completed = true
			return changes, nil
		}
		changes["next_followup_at"] = nextFireTime(scheduledAt, following, e.now())
		return changes, nil
	})
	if err != nil {
		return out, err
	}

	out.result = OutcomeAdvanced
	if completed {
		out.result = OutcomeCompleted
	}
	e.publishSequence(updated, "step_executed")
	return out, nil
}

func (e *Engine) sendStep(ctx context.Context, lead *models.Lead, step *models.SequenceStep, settings map[string]string, out *leadOutcome) {
	tctx := utils.TemplateContext{Lead: lead, Settings: settings}
	stepNumber := step.StepNumber

	if step.SendSms && lead.PhoneNormalized != "" {
		if body, ok := utils.RenderSmsTemplate(step, tctx); ok {
			e.deliverSms(ctx, lead, body, &stepNumber, out)
		}
	}

	if step.SendEmail && lead.Email != "" {
		if subject, body, ok := utils.RenderEmailTemplates(step, tctx); ok {
			result := e.Messenger.SendEmail(ctx, EmailRequest{
				LeadID:       lead.ID,
				To:           lead.Email,
				Subject:      subject,
				Body:         body,
				SequenceStep: &stepNumber,
			})
			if result.Success {
				out.sent++
			} else {
				out.failed++
			}
		}
	}
}

func (e *Engine) deliverSms(ctx context.Context, lead *models.Lead, body string, step *int, out *leadOutcome) {
	if e.Limiter != nil {
		check, err := e.Limiter.Check(ctx, lead.ID)
		if err != nil {
			utils.LogError("rate_limit_check_failed", err, map[string]interface{}{"lead_id": lead.ID})
			check = RateLimitResult{Allowed: false, Reason: "Rate limiter unavailable"}
		}
		if !check.Allowed {
			if _, err := e.Messenger.LogBlocked(ctx, lead.ID, models.ChannelSMS, body, check.Reason, step); err != nil {
				utils.LogError("blocked_log_failed", err, map[string]interface{}{"lead_id": lead.ID})
			}
			e.logger().Printf("SMS to lead %d blocked: %s", lead.ID, check.Reason)
			out.blocked++
			return
		}
	}

	result := e.Messenger.SendSms(ctx, SmsRequest{
		LeadID:       lead.ID,
		To:           lead.PhoneNormalized,
		Body:         body,
		SequenceStep: step,
	})
	if !result.Success {
		out.failed++
		return
	}

	out.sent++
	if e.Limiter != nil {
		if err := e.Limiter.RecordSent(ctx, lead.ID); err != nil {
			utils.LogError("rate_limit_record_failed", err, map[string]interface{}{"lead_id": lead.ID})
		}
	}
}

// PauseSequence stops sending until the lead is resumed
func (e *Engine) PauseSequence(ctx context.Context, leadID uint) (*models.Lead, error) {
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		if l.SequenceStatus != models.SequenceActive {
			return nil, invalidTransition("pause", l.SequenceStatus)
		}
		return map[string]interface{}{
			"sequence_status":  models.SequencePaused,
			"next_followup_at": nil,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.publishSequence(lead, "paused")
	return lead, nil
}

// ResumeSequence reactivates a paused lead. The pending step's delay counts from now.
func (e *Engine) ResumeSequence(ctx context.Context, leadID uint) (*models.Lead, error) {
	steps, err := e.Store.ActiveSteps(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		if l.SequenceStatus != models.SequencePaused {
			return nil, invalidTransition("resume", l.SequenceStatus)
		}

		changes := map[string]interface{}{"resumed_at": now}
		pending := pendingStep(steps, l.SequenceStep)
		if pending == nil {
			changes["sequence_status"] = models.SequenceCompleted
			changes["next_followup_at"] = nil
			return changes, nil
		}
		changes["sequence_status"] = models.SequenceActive
		changes["next_followup_at"] = now.Add(stepDelay(pending))
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	e.publishSequence(lead, "resumed")
	return lead, nil
}

// SkipToNextStep marks the pending step as done without sending it
func (e *Engine) SkipToNextStep(ctx context.Context, leadID uint) (*models.Lead, error) {
	steps, err := e.Store.ActiveSteps(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		if l.SequenceStatus != models.SequenceActive {
			return nil, invalidTransition("skip", l.SequenceStatus)
		}

		changes := map[string]interface{}{}
		pending := pendingStep(steps, l.SequenceStep)
		if pending == nil {
			changes["sequence_status"] = models.SequenceCompleted
			changes["next_followup_at"] = nil
			return changes, nil
		}

		changes["sequence_step"] = pending.StepNumber
		following := pendingStep(steps, pending.StepNumber)
		if following == nil {
			changes["sequence_status"] = models.SequenceCompleted
			changes["next_followup_at"] = nil
			return changes, nil
		}
		changes["next_followup_at"] = now.Add(stepDelay(following))
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	e.publishSequence(lead, "skipped")
	return lead, nil
}

// StopSequence closes the lead as won or lost. A booked close completes the
// sequence, anything else stops it.
func (e *Engine) StopSequence(ctx context.Context, leadID uint, reason, leadStatus string) (*models.Lead, error) {
	if leadStatus != models.LeadStatusWon && leadStatus != models.LeadStatusLost {
		return nil, ErrInvalidLeadStatus
	}

	now := e.now()
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		if l.ClosedAt != nil {
			return nil, invalidTransition("close", "already closed")
		}

		sequenceStatus := models.SequenceStopped
		if reason == models.CloseReasonBooked {
			sequenceStatus = models.SequenceCompleted
		}
		return map[string]interface{}{
			"sequence_status":  sequenceStatus,
			"status":           leadStatus,
			"next_followup_at": nil,
			"closed_at":        now,
			"closed_reason":    reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.publishSequence(lead, "closed")
	return lead, nil
}

// HandleInboundReply records a reply and pauses an active sequence
func (e *Engine) HandleInboundReply(ctx context.Context, leadID uint, at time.Time) (*models.Lead, error) {
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		changes := map[string]interface{}{"last_responded_at": at}
		switch l.Status {
		case models.LeadStatusBooked, models.LeadStatusWon, models.LeadStatusLost:
		default:
			changes["status"] = models.LeadStatusEngaged
		}
		if l.SequenceStatus == models.SequenceActive {
			changes["sequence_status"] = models.SequencePaused
			changes["next_followup_at"] = nil
		}
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	e.publishSequence(lead, "replied")
	return lead, nil
}

// RecordBooking marks the consultation as booked and completes the sequence
func (e *Engine) RecordBooking(ctx context.Context, leadID uint, bookedAt time.Time) (*models.Lead, error) {
	lead, err := e.mutate(ctx, leadID, func(l *models.Lead) (map[string]interface{}, error) {
		changes := map[string]interface{}{
			"consultation_booked_at": bookedAt,
			"sequence_status":        models.SequenceCompleted,
			"next_followup_at":       nil,
		}
		if l.Status != models.LeadStatusWon {
			changes["status"] = models.LeadStatusBooked
		}
		return changes, nil
	})
	if err != nil {
		return nil, err
	}

	e.events().Publish(ActivityEvent{
		Type:   EventBookingCreated,
		LeadID: lead.ID,
		Data:   map[string]interface{}{"booked_at": bookedAt},
		At:     e.now(),
	})
	e.publishSequence(lead, "booked")
	return lead, nil
}

// CloseExpiredSequences stops active leads older than MaxAge, at most batchSize per call
func (e *Engine) CloseExpiredSequences(ctx context.Context, batchSize int) (int, error) {
	now := e.now()
	cutoff := now.Add(-e.maxAge())

	leads, err := e.Store.FindExpiredLeads(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}

		changed := false
		_, err := e.mutate(ctx, lead.ID, func(l *models.Lead) (map[string]interface{}, error) {
			changed = false
			if l.SequenceStatus != models.SequenceActive || !l.CreatedAt.Before(cutoff) {
				return nil, nil
			}
			changed = true
			return map[string]interface{}{
				"sequence_status":  models.SequenceStopped,
				"status":           models.LeadStatusLost,
				"next_followup_at": nil,
				"closed_at":        now,
				"closed_reason":    models.CloseReasonNoResponse,
			}, nil
		})
		if err != nil {
			utils.LogError("expire_sequence_failed", err, map[string]interface{}{"lead_id": lead.ID})
			continue
		}
		if changed {
			closed++
		}
	}

	if closed > 0 {
		e.logger().Printf("Closed %d expired sequences", closed)
	}
	return closed, nil
}

// mutate reloads the lead, lets fn compute changes from its current state and
// writes them with a version check, retrying when another writer got there first.
// fn returning no changes leaves the lead untouched.
func (e *Engine) mutate(ctx context.Context, leadID uint, fn func(*models.Lead) (map[string]interface{}, error)) (*models.Lead, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		lead, err := e.Store.GetLead(ctx, leadID)
		if err != nil {
			return nil, err
		}

		changes, err := fn(lead)
		if err != nil {
			return nil, err
		}
		if len(changes) == 0 {
			return lead, nil
		}

		err = e.Store.CompareAndSwap(ctx, lead, changes)
		if err == nil {
			return e.Store.GetLead(ctx, leadID)
		}
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, err
		}
	}
	return nil, ErrConcurrentUpdate
}

func (e *Engine) settings(ctx context.Context) (map[string]string, error) {
	settings, err := e.Store.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if settings["bookingLink"] == "" && e.BookingLink != "" {
		settings["bookingLink"] = e.BookingLink
	}
	return settings, nil
}

func (e *Engine) publishSequence(lead *models.Lead, action string) {
	if lead == nil {
		return
	}
	e.events().Publish(ActivityEvent{
		Type:   EventSequenceChanged,
		LeadID: lead.ID,
		Data: map[string]interface{}{
			"action":           action,
			"sequence_status":  lead.SequenceStatus,
			"sequence_step":    lead.SequenceStep,
			"next_followup_at": lead.NextFollowupAt,
		},
		At: e.now(),
	})
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) claimLease() time.Duration {
	if e.ClaimLease > 0 {
		return e.ClaimLease
	}
	return DefaultClaimLease
}

func (e *Engine) maxAge() time.Duration {
	if e.MaxAge > 0 {
		return e.MaxAge
	}
	return SequenceMaxAge
}

func (e *Engine) events() EventPublisher {
	return publisherOrNoop(e.Events)
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// pendingStep returns the first step numbered after current. steps must be sorted.
func pendingStep(steps []models.SequenceStep, current int) *models.SequenceStep {
	for i := range steps {
		if steps[i].StepNumber > current {
			return &steps[i]
		}
	}
	return nil
}

func stepDelay(step *models.SequenceStep) time.Duration {
	return time.Duration(step.DelayMinutes) * time.Minute
}

// nextFireTime counts the delay from when the previous step was due. A result
// already in the past means the engine fell behind, so it restarts from now.
func nextFireTime(scheduledAt time.Time, step *models.SequenceStep, now time.Time) time.Time {
	next := scheduledAt.Add(stepDelay(step))
	if !next.After(now) {
		next = now.Add(stepDelay(step))
	}
	return next
}

func hasUnhandledReply(lead *models.Lead) bool {
	if lead.LastRespondedAt == nil {
		return false
	}
	return lead.ResumedAt == nil || lead.LastRespondedAt.After(*lead.ResumedAt)
}
