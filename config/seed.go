package config

import (
	"leadflow/models"
	"leadflow/utils"

	"gorm.io/gorm"
)

// DefaultSequenceSteps is the drip campaign a fresh install starts with
func DefaultSequenceSteps() []models.SequenceStep {
	return []models.SequenceStep{
		{
			StepNumber:    models.InstantStepNumber,
			Name:          "Instant Response",
			DelayMinutes:  0,
			SmsTemplate:   utils.DefaultSmsTemplates["instant"],
			EmailSubject:  utils.DefaultEmailTemplates["instant"].Subject,
			EmailTemplate: utils.DefaultEmailTemplates["instant"].Body,
			SendSms:       true,
			SendEmail:     true,
			IsActive:      true,
		},
		{
			StepNumber:   1,
			Name:         "4 Hour Follow-up",
			DelayMinutes: 240,
			SmsTemplate:  utils.DefaultSmsTemplates["fourHours"],
			SendSms:      true,
			IsActive:     true,
		},
		{
			StepNumber:    2,
			Name:          "24 Hour Follow-up",
			DelayMinutes:  1440,
			SmsTemplate:   utils.DefaultSmsTemplates["twentyFourHours"],
			EmailSubject:  utils.DefaultEmailTemplates["twentyFourHours"].Subject,
			EmailTemplate: utils.DefaultEmailTemplates["twentyFourHours"].Body,
			SendSms:       true,
			SendEmail:     true,
			IsActive:      true,
		},
		{
			StepNumber:   3,
			Name:         "72 Hour Follow-up",
			DelayMinutes: 4320,
			SmsTemplate:  utils.DefaultSmsTemplates["seventyTwoHours"],
			SendSms:      true,
			IsActive:     true,
		},
		{
			StepNumber:    4,
			Name:          "7 Day Final Follow-up",
			DelayMinutes:  10080,
			EmailSubject:  utils.DefaultEmailTemplates["sevenDays"].Subject,
			EmailTemplate: utils.DefaultEmailTemplates["sevenDays"].Body,
			SendEmail:     true,
			IsActive:      true,
		},
	}
}

// DefaultSettings are the business settings a fresh install starts with
func DefaultSettings() []models.Setting {
	return []models.Setting{
		{Key: "businessName", Value: "Hickory Dickory Decks Cincinnati"},
		{Key: "businessPhone", Value: "(513) 555-4321"},
		{Key: "ownerName", Value: "Nathan"},
		{Key: "bookingLink", Value: "https://cal.com/hdd-cincinnati/consultation"},
		{Key: "websiteUrl", Value: "https://hdd-cincinnati.com"},
		{Key: "googleReviewUrl", Value: ""},
	}
}

// SeedDefaults inserts the default steps and settings that are missing.
// Rows an admin already edited are left alone.
func SeedDefaults(db *gorm.DB) error {
	for _, step := range DefaultSequenceSteps() {
		if err := db.FirstOrCreate(&step, "step_number = ?", step.StepNumber).Error; err != nil {
			return err
		}
	}
	for _, setting := range DefaultSettings() {
		if err := db.FirstOrCreate(&setting, "key = ?", setting.Key).Error; err != nil {
			return err
		}
	}
	return nil
}
