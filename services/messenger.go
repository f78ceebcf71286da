package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"leadflow/models"
	"leadflow/utils"

	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const DefaultProviderTimeout = 15 * time.Second

type SmsRequest struct {
	LeadID       uint
	To           string
	Body         string
	SequenceStep *int
	SentBy       string
}

type EmailRequest struct {
	LeadID       uint
	To           string
	Subject      string
	Body         string
	SequenceStep *int
	SentBy       string
}

// InboundMessage is a reply received from a lead on any channel
type InboundMessage struct {
	LeadID     uint
	Channel    string
	Subject    string
	Body       string
	ExternalID string
	ReceivedAt time.Time
}

// SendResult mirrors the audit row written for the attempt
type SendResult struct {
	Success    bool
	ExternalID string
	Error      string
	Message    *models.Message
}

// Messenger sends through the providers and owns the message audit log.
// Every attempt, failed or not, leaves exactly one Message row.
type Messenger struct {
	DB       *gorm.DB
	SMS      SmsProvider
	Email    EmailProvider
	Timeout  time.Duration
	Throttle *rate.Limiter
	Events   EventPublisher
	Logger   *log.Logger
	Now      func() time.Time
}

func NewMessenger(db *gorm.DB, sms SmsProvider, email EmailProvider) *Messenger {
	return &Messenger{
		DB:      db,
		SMS:     sms,
		Email:   email,
		Timeout: DefaultProviderTimeout,
		Events:  noopPublisher{},
		Logger:  log.New(os.Stdout, "MESSENGER: ", log.LstdFlags),
		Now:     time.Now,
	}
}

// SendSms delivers an SMS and records the outcome
func (m *Messenger) SendSms(ctx context.Context, req SmsRequest) SendResult {
	msg := &models.Message{
		LeadID:       req.LeadID,
		Channel:      models.ChannelSMS,
		Direction:    models.DirectionOutbound,
		Body:         req.Body,
		SequenceStep: req.SequenceStep,
		SentBy:       req.SentBy,
	}

	var receipt ProviderReceipt
	err := m.call(ctx, func(callCtx context.Context) error {
		if m.SMS == nil {
			return errors.New("sms provider not configured")
		}
		var sendErr error
		receipt, sendErr = m.SMS.SendSms(callCtx, req.To, req.Body)
		return sendErr
	})

	return m.finish(ctx, msg, receipt, err)
}

// SendEmail delivers an email and records the outcome
func (m *Messenger) SendEmail(ctx context.Context, req EmailRequest) SendResult {
	msg := &models.Message{
		LeadID:       req.LeadID,
		Channel:      models.ChannelEmail,
		Direction:    models.DirectionOutbound,
		Subject:      req.Subject,
		Body:         req.Body,
		SequenceStep: req.SequenceStep,
		SentBy:       req.SentBy,
	}

	var receipt ProviderReceipt
	err := m.call(ctx, func(callCtx context.Context) error {
		if m.Email == nil {
			return errors.New("email provider not configured")
		}
		var sendErr error
		receipt, sendErr = m.Email.SendEmail(callCtx, req.To, req.Subject, req.Body)
		return sendErr
	})

	return m.finish(ctx, msg, receipt, err)
}

// call waits for the throttle and bounds the provider call by Timeout
func (m *Messenger) call(ctx context.Context, fn func(context.Context) error) error {
	if m.Throttle != nil {
		if err := m.Throttle.Wait(ctx); err != nil {
			return fmt.Errorf("provider throttle: %w", err)
		}
	}

	callCtx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	return fn(callCtx)
}

func (m *Messenger) finish(ctx context.Context, msg *models.Message, receipt ProviderReceipt, sendErr error) SendResult {
	now := m.now()
	msg.SentAt = now

	switch {
	case sendErr != nil:
		msg.Status = models.MessageFailed
		msg.ErrorMessage = sendErr.Error()
	case receipt.Status == models.MessageFailed:
		msg.Status = models.MessageFailed
		msg.ExternalID = receipt.ID
		msg.ErrorMessage = "provider reported failure"
	default:
		msg.Status = models.MessageSent
		msg.ExternalID = receipt.ID
	}

	// The audit row must survive a cancelled caller
	dbCtx := context.WithoutCancel(ctx)

	if err := m.DB.WithContext(dbCtx).Create(msg).Error; err != nil {
		utils.LogError("message_log_failed", err, map[string]interface{}{
			"lead_id": msg.LeadID,
			"channel": msg.Channel,
			"status":  msg.Status,
		})
	}
	recordMessage(msg.Channel, msg.Direction, msg.Status)

	result := SendResult{ExternalID: msg.ExternalID, Error: msg.ErrorMessage, Message: msg}

	if msg.Status == models.MessageFailed {
		m.logger().Printf("Failed to send %s to lead %d: %s", msg.Channel, msg.LeadID, msg.ErrorMessage)
		m.events().Publish(ActivityEvent{
			Type:   EventMessageFailed,
			LeadID: msg.LeadID,
			Data:   map[string]interface{}{"channel": msg.Channel, "error": msg.ErrorMessage},
			At:     now,
		})
		return result
	}

	result.Success = true
	err := m.DB.WithContext(dbCtx).
		Model(&models.Lead{}).
		Where("id = ?", msg.LeadID).
		UpdateColumn("last_contacted_at", now).Error
	if err != nil {
		utils.LogError("last_contacted_update_failed", err, map[string]interface{}{"lead_id": msg.LeadID})
	}

	m.events().Publish(ActivityEvent{
		Type:   EventMessageSent,
		LeadID: msg.LeadID,
		Data:   map[string]interface{}{"channel": msg.Channel, "external_id": msg.ExternalID},
		At:     now,
	})
	return result
}

// LogBlocked records an SMS or email the rate limiter refused
func (m *Messenger) LogBlocked(ctx context.Context, leadID uint, channel, body, reason string, step *int) (*models.Message, error) {
	msg := &models.Message{
		LeadID:       leadID,
		Channel:      channel,
		Direction:    models.DirectionOutbound,
		Body:         body,
		Status:       models.MessageBlocked,
		ErrorMessage: reason,
		SequenceStep: step,
		SentAt:       m.now(),
	}
	if err := m.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to log blocked message: %w", err)
	}
	recordMessage(msg.Channel, msg.Direction, msg.Status)

	m.events().Publish(ActivityEvent{
		Type:   EventMessageBlocked,
		LeadID: leadID,
		Data:   map[string]interface{}{"channel": channel, "reason": reason},
		At:     msg.SentAt,
	})
	return msg, nil
}

// LogInbound records a reply from the lead
func (m *Messenger) LogInbound(ctx context.Context, in InboundMessage) (*models.Message, error) {
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = m.now()
	}

	msg := &models.Message{
		LeadID:     in.LeadID,
		Channel:    in.Channel,
		Direction:  models.DirectionInbound,
		Subject:    in.Subject,
		Body:       in.Body,
		Status:     models.MessageDelivered,
		ExternalID: in.ExternalID,
		SentAt:     receivedAt,
	}
	if err := m.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to log inbound message: %w", err)
	}
	recordMessage(msg.Channel, msg.Direction, msg.Status)

	m.events().Publish(ActivityEvent{
		Type:   EventMessageReceived,
		LeadID: in.LeadID,
		Data:   map[string]interface{}{"channel": in.Channel},
		At:     receivedAt,
	})
	return msg, nil
}

func (m *Messenger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Messenger) events() EventPublisher {
	return publisherOrNoop(m.Events)
}

func (m *Messenger) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}
