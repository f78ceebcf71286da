package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"leadflow/models"
	"leadflow/services"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

const calBookingCreated = "BOOKING_CREATED"

// WebhookSecrets holds the shared secrets each inbound webhook is signed with
type WebhookSecrets struct {
	TwilioAuthToken string
	Cal             string
	Intake          string
}

type WebhookController struct {
	Store      *services.LeadStore
	Engine     *services.Engine
	Messenger  *services.Messenger
	Ledger     *services.Ledger
	Dispatcher services.Dispatcher
	Events     services.EventPublisher
	Secrets    WebhookSecrets
	PublicURL  string // externally visible base URL Twilio signs against
	Logger     *log.Logger
	Now        func() time.Time
}

func NewWebhookController(engine *services.Engine, ledger *services.Ledger, dispatcher services.Dispatcher, secrets WebhookSecrets, publicURL string, logger *log.Logger) *WebhookController {
	return &WebhookController{
		Store:      engine.Store,
		Engine:     engine,
		Messenger:  engine.Messenger,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Events:     engine.Events,
		Secrets:    secrets,
		PublicURL:  strings.TrimRight(publicURL, "/"),
		Logger:     logger,
		Now:        time.Now,
	}
}

func (wc *WebhookController) now() time.Time {
	if wc.Now != nil {
		return wc.Now().UTC()
	}
	return time.Now().UTC()
}

func twiml(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/xml")
	return c.SendString(emptyTwiML)
}

// seen reports a delivery already handled. Ledger failures only cost dedupe.
func (wc *WebhookController) seen(ctx context.Context, key string) bool {
	if key == "" || wc.Ledger == nil {
		return false
	}
	seen, err := wc.Ledger.Seen(ctx, key)
	if err != nil {
		utils.LogError("webhook_ledger_read_failed", err, map[string]interface{}{"key": key})
		return false
	}
	return seen
}

func (wc *WebhookController) record(ctx context.Context, key, webhookType string) {
	if key == "" || wc.Ledger == nil {
		return
	}
	if err := wc.Ledger.Record(ctx, key, webhookType); err != nil {
		utils.LogError("webhook_ledger_write_failed", err, map[string]interface{}{"key": key})
	}
}

// signedURL rebuilds the URL Twilio computed its signature over
func (wc *WebhookController) signedURL(c *fiber.Ctx) string {
	if wc.PublicURL != "" {
		return wc.PublicURL + c.OriginalURL()
	}
	return c.BaseURL() + c.OriginalURL()
}

// HandleTwilioInbound records an SMS reply and pauses the lead's sequence
func (wc *WebhookController) HandleTwilioInbound(c *fiber.Ctx) error {
	params := utils.FormParams(c.Request().PostArgs())
	signature := c.Get("X-Twilio-Signature")

	if !utils.VerifyTwilioSignature(wc.Secrets.TwilioAuthToken, signature, wc.signedURL(c), params) {
		wc.Logger.Printf("Invalid Twilio signature from %s", c.IP())
		services.RecordWebhook("twilio", "unauthorized")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	from, body, messageSid := params["From"], params["Body"], params["MessageSid"]
	if from == "" || body == "" {
		services.RecordWebhook("twilio", "invalid")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing required fields", nil)
	}

	ctx := c.UserContext()
	key := ""
	if messageSid != "" {
		key = "twilio:" + messageSid
	}
	if wc.seen(ctx, key) {
		services.RecordWebhook("twilio", "duplicate")
		return twiml(c)
	}

	normalized, ok := utils.NormalizePhone(from)
	if !ok {
		wc.Logger.Printf("Could not normalize phone: %s", from)
		services.RecordWebhook("twilio", "unmatched")
		return twiml(c)
	}

	lead, err := wc.Store.FindLatestByPhone(ctx, normalized)
	if err != nil {
		if errors.Is(err, services.ErrLeadNotFound) {
			wc.Logger.Printf("No lead found for phone: %s", normalized)
			services.RecordWebhook("twilio", "unmatched")
			return twiml(c)
		}
		return wc.failed(c, "twilio", err)
	}

	receivedAt := wc.now()
	if _, err := wc.Messenger.LogInbound(ctx, services.InboundMessage{
		LeadID:     lead.ID,
		Channel:    models.ChannelSMS,
		Body:       body,
		ExternalID: messageSid,
		ReceivedAt: receivedAt,
	}); err != nil {
		return wc.failed(c, "twilio", err)
	}

	if _, err := wc.Engine.HandleInboundReply(ctx, lead.ID, receivedAt); err != nil {
		return wc.failed(c, "twilio", err)
	}

	wc.record(ctx, key, "twilio")
	services.RecordWebhook("twilio", "processed")
	wc.Logger.Printf("Received SMS from %s for lead %d", normalized, lead.ID)
	return twiml(c)
}

type calBookingPayload struct {
	TriggerEvent string `json:"triggerEvent"`
	CreatedAt    string `json:"createdAt"`
	Payload      struct {
		UID       string `json:"uid"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
		Attendees []struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"attendees"`
	} `json:"payload"`
}

func (p *calBookingPayload) attendeeEmail() string {
	if len(p.Payload.Attendees) > 0 && p.Payload.Attendees[0].Email != "" {
		return p.Payload.Attendees[0].Email
	}
	return p.Payload.Email
}

// HandleCalBooking marks a lead as booked when a consultation is scheduled
func (wc *WebhookController) HandleCalBooking(c *fiber.Ctx) error {
	rawBody := c.Body()
	if !utils.VerifyHMACSHA256(wc.Secrets.Cal, rawBody, c.Get("X-Cal-Signature-256")) {
		wc.Logger.Printf("Invalid Cal.com signature from %s", c.IP())
		services.RecordWebhook("cal", "unauthorized")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	var body calBookingPayload
	if err := json.Unmarshal(rawBody, &body); err != nil {
		services.RecordWebhook("cal", "invalid")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid payload", err)
	}

	if body.TriggerEvent != calBookingCreated {
		services.RecordWebhook("cal", "ignored")
		return c.JSON(fiber.Map{"message": "Event ignored"})
	}

	ctx := c.UserContext()
	key := calLedgerKey(body.TriggerEvent, body.Payload.UID, rawBody)
	if wc.seen(ctx, key) {
		services.RecordWebhook("cal", "duplicate")
		return c.JSON(fiber.Map{"message": "Already processed"})
	}

	email := strings.TrimSpace(body.attendeeEmail())
	if email == "" {
		wc.Logger.Println("No attendee email in Cal.com webhook")
		services.RecordWebhook("cal", "unmatched")
		return c.JSON(fiber.Map{"message": "No attendee email"})
	}

	lead, err := wc.Store.FindLatestByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, services.ErrLeadNotFound) {
			wc.Logger.Printf("No lead found for email: %s", email)
			services.RecordWebhook("cal", "unmatched")
			return c.JSON(fiber.Map{"message": "No matching lead"})
		}
		return wc.failed(c, "cal", err)
	}

	bookedAt, err := time.Parse(time.RFC3339, body.Payload.StartTime)
	if err != nil {
		bookedAt = wc.now()
	}

	if _, err := wc.Engine.RecordBooking(ctx, lead.ID, bookedAt.UTC()); err != nil {
		return wc.failed(c, "cal", err)
	}

	wc.record(ctx, key, "cal")
	services.RecordWebhook("cal", "processed")
	wc.Logger.Printf("Booking recorded for lead %d", lead.ID)
	return c.JSON(fiber.Map{"success": true, "leadId": lead.ID})
}

func calLedgerKey(event, uid string, rawBody []byte) string {
	if uid != "" {
		return "cal:" + event + ":" + uid
	}
	sum := sha256.Sum256(rawBody)
	return "cal:" + hex.EncodeToString(sum[:])
}

// intakeLeadInput is the camelCase payload form and ad integrations post
type intakeLeadInput struct {
	FirstName          string `json:"firstName" validate:"required,max=100"`
	LastName           string `json:"lastName" validate:"max=100"`
	Email              string `json:"email" validate:"omitempty,max=255,mailbox"`
	Phone              string `json:"phone" validate:"max=50"`
	Address            string `json:"address" validate:"max=500"`
	City               string `json:"city" validate:"max=100"`
	ProjectType        string `json:"projectType" validate:"max=100"`
	ProjectDescription string `json:"projectDescription" validate:"max=5000"`
	Source             string `json:"source" validate:"max=100"`
	ExternalID         string `json:"externalId" validate:"max=255"`
}

// HandleLeadIntake creates a lead pushed by a form or ad platform
func (wc *WebhookController) HandleLeadIntake(c *fiber.Ctx) error {
	rawBody := c.Body()
	if !utils.VerifyHMACSHA256(wc.Secrets.Intake, rawBody, c.Get("X-Webhook-Signature")) {
		services.RecordWebhook("intake", "unauthorized")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid signature", nil)
	}

	var input intakeLeadInput
	if err := json.Unmarshal(rawBody, &input); err != nil {
		services.RecordWebhook("intake", "invalid")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		services.RecordWebhook("intake", "invalid")
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}

	ctx := c.UserContext()
	externalID := strings.TrimSpace(input.ExternalID)
	key := ""
	if externalID != "" {
		key = "intake:" + externalID
		if existing, ok := wc.existingIntake(ctx, externalID); ok {
			services.RecordWebhook("intake", "duplicate")
			return c.JSON(fiber.Map{"message": "Lead already exists", "leadId": existing})
		}
	}

	lead := leadFromInput(createLeadInput{
		FirstName:          input.FirstName,
		LastName:           input.LastName,
		Email:              input.Email,
		Phone:              input.Phone,
		Address:            input.Address,
		City:               input.City,
		ProjectType:        input.ProjectType,
		ProjectDescription: input.ProjectDescription,
		Source:             input.Source,
		ExternalID:         externalID,
	})
	if lead.Source == "" {
		lead.Source = "webhook"
	}

	if err := wc.Store.CreateLead(ctx, lead, wc.now()); err != nil {
		// a concurrent delivery with the same external id won the insert
		if externalID != "" {
			if existing, lookupErr := wc.Store.FindByExternalID(ctx, externalID); lookupErr == nil {
				services.RecordWebhook("intake", "duplicate")
				return c.JSON(fiber.Map{"message": "Lead already exists", "leadId": existing.ID})
			}
		}
		return wc.failed(c, "intake", err)
	}

	wc.record(ctx, key, "intake")
	services.RecordWebhook("intake", "processed")
	wc.Logger.Printf("Lead %d created from webhook (source %s)", lead.ID, lead.Source)

	if wc.Events != nil {
		wc.Events.Publish(services.ActivityEvent{
			Type:   services.EventLeadCreated,
			LeadID: lead.ID,
			Data:   map[string]interface{}{"source": lead.Source},
			At:     lead.CreatedAt,
		})
	}
	if wc.Dispatcher != nil {
		wc.Dispatcher.Dispatch(lead.ID)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "leadId": lead.ID})
}

// existingIntake finds the lead an earlier delivery of this external id created
func (wc *WebhookController) existingIntake(ctx context.Context, externalID string) (uint, bool) {
	lead, err := wc.Store.FindByExternalID(ctx, externalID)
	if err == nil {
		return lead.ID, true
	}
	if !errors.Is(err, services.ErrLeadNotFound) {
		utils.LogError("intake_lookup_failed", err, map[string]interface{}{"external_id": externalID})
	}
	return 0, false
}

func (wc *WebhookController) failed(c *fiber.Ctx, source string, err error) error {
	services.RecordWebhook(source, "error")
	utils.LogError("webhook_failed", err, map[string]interface{}{"source": source})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process webhook", nil)
}
