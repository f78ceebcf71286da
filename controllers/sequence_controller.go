package controller

import (
	"errors"
	"fmt"
	"log"

	"leadflow/models"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSequenceController(db *gorm.DB, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger,
	}
}

type updateStepInput struct {
	ID            uint    `json:"id" validate:"required"`
	Name          *string `json:"name" validate:"omitempty,min=1,max=100"`
	DelayMinutes  *int    `json:"delay_minutes" validate:"omitempty,gte=0"`
	SmsTemplate   *string `json:"sms_template"`
	EmailSubject  *string `json:"email_subject" validate:"omitempty,max=255"`
	EmailTemplate *string `json:"email_template"`
	SendSms       *bool   `json:"send_sms"`
	SendEmail     *bool   `json:"send_email"`
	IsActive      *bool   `json:"is_active"`
}

func (in updateStepInput) changes() map[string]interface{} {
	changes := map[string]interface{}{}
	if in.Name != nil {
		changes["name"] = *in.Name
	}
	if in.DelayMinutes != nil {
		changes["delay_minutes"] = *in.DelayMinutes
	}
	if in.SmsTemplate != nil {
		changes["sms_template"] = *in.SmsTemplate
	}
	if in.EmailSubject != nil {
		changes["email_subject"] = *in.EmailSubject
	}
	if in.EmailTemplate != nil {
		changes["email_template"] = *in.EmailTemplate
	}
	if in.SendSms != nil {
		changes["send_sms"] = *in.SendSms
	}
	if in.SendEmail != nil {
		changes["send_email"] = *in.SendEmail
	}
	if in.IsActive != nil {
		changes["is_active"] = *in.IsActive
	}
	return changes
}

// GetSequences returns every step, active or not, in order
func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	var steps []models.SequenceStep
	if err := sc.DB.WithContext(c.UserContext()).Order("step_number ASC").Find(&steps).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sequences", err)
	}
	return c.JSON(steps)
}

// UpdateSequences applies a batch of step edits atomically
func (sc *SequenceController) UpdateSequences(c *fiber.Ctx) error {
	var input []updateStepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	for i, step := range input {
		if err := utils.ValidateStruct(step); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", fmt.Errorf("step %d: %w", i, err))
		}
	}

	errStepNotFound := errors.New("sequence step not found")
	var missing uint

	updated := make([]models.SequenceStep, 0, len(input))
	err := sc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		for _, in := range input {
			var step models.SequenceStep
			if err := tx.First(&step, in.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					missing = in.ID
					return errStepNotFound
				}
				return err
			}
			if changes := in.changes(); len(changes) > 0 {
				if err := tx.Model(&step).Updates(changes).Error; err != nil {
					return err
				}
				if err := tx.First(&step, in.ID).Error; err != nil {
					return err
				}
			}
			updated = append(updated, step)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errStepNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, fmt.Sprintf("Sequence step %d not found", missing), nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sequences", err)
	}

	sc.Logger.Printf("Updated %d sequence steps", len(updated))
	return c.JSON(updated)
}

// PreviewTemplate renders a template against sample lead data
func (sc *SequenceController) PreviewTemplate(c *fiber.Ctx) error {
	var input struct {
		Template string `json:"template" validate:"required,max=10000"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	return c.JSON(fiber.Map{
		"template": input.Template,
		"rendered": utils.PreviewTemplate(input.Template),
	})
}
