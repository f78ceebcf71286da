package models

import "time"

// ProcessedWebhook remembers an external event id until it expires
type ProcessedWebhook struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	WebhookID   string    `gorm:"not null;uniqueIndex" json:"webhook_id"`
	WebhookType string    `gorm:"not null" json:"webhook_type"` // twilio, cal, intake, imap
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expires_at"`
}
