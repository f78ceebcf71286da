package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageFailed    = "failed"
	MessageBlocked   = "blocked"
)

// Message is an append-only audit row for one send attempt or receipt
type Message struct {
	gorm.Model
	LeadID       uint      `gorm:"not null;index" json:"lead_id"`
	Channel      string    `gorm:"not null;index" json:"channel"`   // sms, email
	Direction    string    `gorm:"not null;index" json:"direction"` // inbound, outbound
	Subject      string    `json:"subject,omitempty"`
	Body         string    `gorm:"type:text" json:"body"`
	Status       string    `gorm:"not null" json:"status"` // pending, sent, delivered, failed, blocked
	ExternalID   string    `gorm:"index" json:"external_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SequenceStep *int      `json:"sequence_step"`
	SentBy       string    `json:"sent_by,omitempty"`
	SentAt       time.Time `gorm:"not null;index" json:"sent_at"`

	// Relations
	Lead *Lead `gorm:"foreignKey:LeadID" json:"lead,omitempty"`
}
