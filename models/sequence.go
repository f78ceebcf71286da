package models

import "gorm.io/gorm"

// InstantStepNumber is the step sent as soon as a lead arrives
const InstantStepNumber = 0

// SequenceStep is one stage of the drip campaign shared by every lead
type SequenceStep struct {
	gorm.Model
	StepNumber   int    `gorm:"not null;uniqueIndex" json:"step_number"`
	Name         string `gorm:"not null" json:"name"`
	DelayMinutes int    `gorm:"not null" json:"delay_minutes"` // from the previous step, or from lead creation for the instant step

	// Channel templates, {{variable}} placeholders
	SmsTemplate   string `gorm:"type:text" json:"sms_template"`
	EmailSubject  string `json:"email_subject"`
	EmailTemplate string `gorm:"type:text" json:"email_template"`

	SendSms   bool `json:"send_sms"`
	SendEmail bool `json:"send_email"`
	IsActive  bool `json:"is_active"`
}
