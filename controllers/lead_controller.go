package controller

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"leadflow/middleware"
	"leadflow/models"
	"leadflow/services"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type LeadController struct {
	DB         *gorm.DB
	Store      *services.LeadStore
	Engine     *services.Engine
	Messenger  *services.Messenger
	Limiter    services.RateLimiter
	Dispatcher services.Dispatcher
	Events     services.EventPublisher
	Logger     *log.Logger
	Now        func() time.Time
}

func NewLeadController(db *gorm.DB, engine *services.Engine, dispatcher services.Dispatcher, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:         db,
		Store:      engine.Store,
		Engine:     engine,
		Messenger:  engine.Messenger,
		Limiter:    engine.Limiter,
		Dispatcher: dispatcher,
		Events:     engine.Events,
		Logger:     logger,
		Now:        time.Now,
	}
}

// createLeadInput uses the same snake_case keys the lead JSON is rendered with
type createLeadInput struct {
	FirstName          string `json:"first_name" validate:"required,max=100"`
	LastName           string `json:"last_name" validate:"max=100"`
	Email              string `json:"email" validate:"omitempty,max=255,mailbox"`
	Phone              string `json:"phone" validate:"max=50"`
	Address            string `json:"address" validate:"max=500"`
	City               string `json:"city" validate:"max=100"`
	ProjectType        string `json:"project_type" validate:"max=100"`
	ProjectDescription string `json:"project_description" validate:"max=5000"`
	Source             string `json:"source" validate:"max=100"`
	Notes              string `json:"notes" validate:"max=10000"`
	ExternalID         string `json:"external_id" validate:"max=255"`
}

type updateLeadInput struct {
	FirstName          *string `json:"first_name" validate:"omitempty,min=1,max=100"`
	LastName           *string `json:"last_name" validate:"omitempty,max=100"`
	Email              *string `json:"email" validate:"omitempty,max=255,mailbox"`
	Phone              *string `json:"phone" validate:"omitempty,max=50"`
	Address            *string `json:"address" validate:"omitempty,max=500"`
	City               *string `json:"city" validate:"omitempty,max=100"`
	ProjectType        *string `json:"project_type" validate:"omitempty,max=100"`
	ProjectDescription *string `json:"project_description" validate:"omitempty,max=5000"`
	Source             *string `json:"source" validate:"omitempty,max=100"`
	Status             *string `json:"status" validate:"omitempty,oneof=new contacted engaged qualified booked won lost"`
	Notes              *string `json:"notes" validate:"omitempty,max=10000"`
}

type closeLeadInput struct {
	Reason string `json:"reason" validate:"required,oneof=booked not_interested budget timeline competitor no_response other"`
	Notes  string `json:"notes" validate:"max=5000"`
}

type sendMessageInput struct {
	Channel string `json:"channel" validate:"required,oneof=sms email"`
	Subject string `json:"subject" validate:"max=255"`
	Body    string `json:"body" validate:"required,max=5000"`
}

func (lc *LeadController) now() time.Time {
	if lc.Now != nil {
		return lc.Now().UTC()
	}
	return time.Now().UTC()
}

// CreateLead creates a lead and starts its sequence
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input createLeadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	lead := leadFromInput(input)
	lead.CreatedBy = middleware.Subject(c)

	if err := lc.Store.CreateLead(c.UserContext(), lead, lc.now()); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this external ID already exists", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	lc.Logger.Printf("Lead %d created by %s", lead.ID, lead.CreatedBy)
	lc.leadCreated(lead)

	return c.Status(fiber.StatusCreated).JSON(lead)
}

func leadFromInput(input createLeadInput) *models.Lead {
	phoneNormalized, _ := utils.NormalizePhone(input.Phone)
	lead := &models.Lead{
		FirstName:          strings.TrimSpace(input.FirstName),
		LastName:           strings.TrimSpace(input.LastName),
		Email:              strings.ToLower(strings.TrimSpace(input.Email)),
		Phone:              input.Phone,
		PhoneNormalized:    phoneNormalized,
		Address:            input.Address,
		City:               input.City,
		ProjectType:        input.ProjectType,
		ProjectDescription: input.ProjectDescription,
		Source:             input.Source,
		Notes:              input.Notes,
	}
	if input.ExternalID != "" {
		lead.ExternalID = utils.Pointer(input.ExternalID)
	}
	return lead
}

func (lc *LeadController) leadCreated(lead *models.Lead) {
	if lc.Events != nil {
		lc.Events.Publish(services.ActivityEvent{
			Type:   services.EventLeadCreated,
			LeadID: lead.ID,
			Data:   map[string]interface{}{"source": lead.Source},
			At:     lead.CreatedAt,
		})
	}
	if lc.Dispatcher != nil {
		lc.Dispatcher.Dispatch(lead.ID)
	}
}

// GetLeads returns leads newest first with optional filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	limit, offset := utils.PageParams(c)

	query := lc.DB.Model(&models.Lead{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if sequenceStatus := c.Query("sequenceStatus", c.Query("sequence_status")); sequenceStatus != "" {
		query = query.Where("sequence_status = ?", sequenceStatus)
	}
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(phone) LIKE ? OR LOWER(city) LIKE ?",
			like, like, like, like, like,
		)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	var leads []models.Lead
	err := query.
		Select("leads.*, (SELECT COUNT(*) FROM messages WHERE messages.lead_id = leads.id AND messages.deleted_at IS NULL) AS message_count").
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&leads).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(fiber.Map{
		"leads":  leads,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetLead returns a lead with its 50 most recent messages
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	var lead models.Lead
	err := lc.DB.
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("sent_at DESC").Order("id DESC").Limit(50)
		}).
		First(&lead, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}

	return c.JSON(lead)
}

// UpdateLead edits contact and funnel fields. Sequence state changes go through the engine.
func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	var input updateLeadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	updates := map[string]interface{}{}
	setString := func(column string, value *string) {
		if value != nil {
			updates[column] = strings.TrimSpace(*value)
		}
	}
	setString("first_name", input.FirstName)
	setString("last_name", input.LastName)
	setString("address", input.Address)
	setString("city", input.City)
	setString("project_type", input.ProjectType)
	setString("project_description", input.ProjectDescription)
	setString("source", input.Source)
	setString("status", input.Status)
	setString("notes", input.Notes)
	if input.Email != nil {
		updates["email"] = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.Phone != nil {
		normalized, _ := utils.NormalizePhone(*input.Phone)
		updates["phone"] = *input.Phone
		updates["phone_normalized"] = normalized
	}

	if len(updates) > 0 {
		// bump the version so an in-flight engine write re-reads the lead
		updates["version"] = gorm.Expr("version + ?", 1)
		result := lc.DB.WithContext(c.UserContext()).Model(&models.Lead{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", result.Error)
		}
		if result.RowsAffected == 0 {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
	}

	lead, err := lc.Store.GetLead(c.UserContext(), id)
	if err != nil {
		return sequenceError(c, err, "Failed to update lead")
	}
	return c.JSON(lead)
}

// DeleteLead removes a lead and its message history
func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	err := lc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.Lead{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return services.ErrLeadNotFound
		}
		return tx.Where("lead_id = ?", id).Delete(&models.Message{}).Error
	})
	if err != nil {
		return sequenceError(c, err, "Failed to delete lead")
	}

	lc.Logger.Printf("Lead %d deleted by %s", id, middleware.Subject(c))
	return c.JSON(fiber.Map{"success": true})
}

// PauseSequence stops the drip for a lead
func (lc *LeadController) PauseSequence(c *fiber.Ctx) error {
	return lc.sequenceAction(c, "Failed to pause sequence", lc.Engine.PauseSequence)
}

// ResumeSequence restarts a paused drip
func (lc *LeadController) ResumeSequence(c *fiber.Ctx) error {
	return lc.sequenceAction(c, "Failed to resume sequence", lc.Engine.ResumeSequence)
}

// SkipStep passes over the pending step without sending it
func (lc *LeadController) SkipStep(c *fiber.Ctx) error {
	return lc.sequenceAction(c, "Failed to skip step", lc.Engine.SkipToNextStep)
}

func (lc *LeadController) sequenceAction(c *fiber.Ctx, failure string, action func(context.Context, uint) (*models.Lead, error)) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	lead, err := action(c.UserContext(), id)
	if err != nil {
		return sequenceError(c, err, failure)
	}
	return c.JSON(fiber.Map{"success": true, "lead": lead})
}

// CloseLead ends the sequence. A booked close is won, anything else lost.
func (lc *LeadController) CloseLead(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	var input closeLeadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	status := models.LeadStatusLost
	if input.Reason == models.CloseReasonBooked {
		status = models.LeadStatusWon
	}

	if _, err := lc.Engine.StopSequence(c.UserContext(), id, input.Reason, status); err != nil {
		return sequenceError(c, err, "Failed to close lead")
	}

	if input.Notes != "" {
		if err := lc.DB.WithContext(c.UserContext()).Model(&models.Lead{}).Where("id = ?", id).Update("notes", input.Notes).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save notes", err)
		}
	}

	return c.JSON(fiber.Map{"success": true})
}

// GetLeadMessages pages through a lead's conversation, newest first
func (lc *LeadController) GetLeadMessages(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	if _, err := lc.Store.GetLead(c.UserContext(), id); err != nil {
		return sequenceError(c, err, "Failed to fetch messages")
	}

	limit, offset := utils.PageParams(c)
	query := lc.DB.WithContext(c.UserContext()).Model(&models.Message{}).Where("lead_id = ?", id)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch messages", err)
	}

	var messages []models.Message
	if err := query.Order("sent_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&messages).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch messages", err)
	}

	return c.JSON(fiber.Map{
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// SendMessage sends an operator-written SMS or email to the lead
func (lc *LeadController) SendMessage(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}

	var input sendMessageInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	ctx := c.UserContext()
	lead, err := lc.Store.GetLead(ctx, id)
	if err != nil {
		return sequenceError(c, err, "Failed to send message")
	}
	sentBy := middleware.Subject(c)

	var result services.SendResult
	switch input.Channel {
	case models.ChannelSMS:
		if lead.PhoneNormalized == "" {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Lead has no valid phone number", nil)
		}
		if lc.Limiter != nil {
			check, err := lc.Limiter.Check(ctx, lead.ID)
			if err != nil {
				return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Rate limiter unavailable", err)
			}
			if !check.Allowed {
				if _, err := lc.Messenger.LogBlocked(ctx, lead.ID, models.ChannelSMS, input.Body, check.Reason, nil); err != nil {
					lc.Logger.Printf("Failed to log blocked SMS for lead %d: %v", lead.ID, err)
				}
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"success":     false,
					"error":       check.Reason,
					"retry_after": check.RetryAfter,
				})
			}
		}
		result = lc.Messenger.SendSms(ctx, services.SmsRequest{
			LeadID: lead.ID,
			To:     lead.PhoneNormalized,
			Body:   input.Body,
			SentBy: sentBy,
		})
		if result.Success && lc.Limiter != nil {
			if err := lc.Limiter.RecordSent(ctx, lead.ID); err != nil {
				lc.Logger.Printf("Failed to record SMS for lead %d: %v", lead.ID, err)
			}
		}
	case models.ChannelEmail:
		if lead.Email == "" {
			return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Lead has no email address", nil)
		}
		if input.Subject == "" {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", errors.New("subject is required"))
		}
		result = lc.Messenger.SendEmail(ctx, services.EmailRequest{
			LeadID:  lead.ID,
			To:      lead.Email,
			Subject: input.Subject,
			Body:    input.Body,
			SentBy:  sentBy,
		})
	}

	if !result.Success {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   result.Error,
			"message": result.Message,
		})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":   true,
		"messageId": result.ExternalID,
		"message":   result.Message,
	})
}

// GetRateLimit reports the lead's SMS budget for today
func (lc *LeadController) GetRateLimit(c *fiber.Ctx) error {
	id, ok := leadIDParam(c)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", nil)
	}
	if lc.Limiter == nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Rate limiter not configured", nil)
	}

	check, err := lc.Limiter.Check(c.UserContext(), id)
	if err != nil {
		return sequenceError(c, err, "Failed to check rate limit")
	}
	status, err := lc.Limiter.Status(c.UserContext(), id)
	if err != nil {
		return sequenceError(c, err, "Failed to check rate limit")
	}

	return c.JSON(fiber.Map{
		"allowed":     check.Allowed,
		"reason":      check.Reason,
		"retry_after": check.RetryAfter,
		"status":      status,
	})
}
