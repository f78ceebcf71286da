package controller

import (
	"log"

	"leadflow/models"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingsController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewSettingsController(db *gorm.DB, logger *log.Logger) *SettingsController {
	return &SettingsController{
		DB:     db,
		Logger: logger,
	}
}

type updateSettingsInput struct {
	BusinessName    *string `json:"businessName" validate:"omitempty,min=1,max=255"`
	BusinessPhone   *string `json:"businessPhone" validate:"omitempty,max=50"`
	OwnerName       *string `json:"ownerName" validate:"omitempty,max=100"`
	BookingLink     *string `json:"bookingLink" validate:"omitempty,url,max=500"`
	WebsiteURL      *string `json:"websiteUrl" validate:"omitempty,url,max=500"`
	GoogleReviewURL *string `json:"googleReviewUrl" validate:"omitempty,url,max=500"`
}

func (in updateSettingsInput) values() map[string]string {
	values := map[string]string{}
	for key, v := range map[string]*string{
		"businessName":    in.BusinessName,
		"businessPhone":   in.BusinessPhone,
		"ownerName":       in.OwnerName,
		"bookingLink":     in.BookingLink,
		"websiteUrl":      in.WebsiteURL,
		"googleReviewUrl": in.GoogleReviewURL,
	} {
		if v != nil && models.IsSettingKey(key) {
			values[key] = *v
		}
	}
	return values
}

// GetSettings returns all settings as a key/value object
func (sc *SettingsController) GetSettings(c *fiber.Ctx) error {
	var settings []models.Setting
	if err := sc.DB.WithContext(c.UserContext()).Find(&settings).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch settings", err)
	}

	values := make(map[string]string, len(settings))
	for _, s := range settings {
		values[s.Key] = s.Value
	}
	return c.JSON(values)
}

// UpdateSettings upserts the provided keys; unknown keys are ignored
func (sc *SettingsController) UpdateSettings(c *fiber.Ctx) error {
	var input updateSettingsInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	values := input.values()
	err := sc.DB.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			setting := models.Setting{Key: key, Value: value}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&setting).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update settings", err)
	}

	sc.Logger.Printf("Updated %d settings", len(values))
	return c.JSON(fiber.Map{"success": true, "updated": len(values)})
}
