package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Lead funnel stages
const (
	LeadStatusNew       = "new"
	LeadStatusContacted = "contacted"
	LeadStatusEngaged   = "engaged"
	LeadStatusQualified = "qualified"
	LeadStatusBooked    = "booked"
	LeadStatusWon       = "won"
	LeadStatusLost      = "lost"
)

// Drip sequence states
const (
	SequenceActive    = "active"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
	SequenceStopped   = "stopped"
)

// StepNotStarted marks a lead whose instant response has not gone out yet.
const StepNotStarted = -1

// Close reasons accepted by the close endpoint
const (
	CloseReasonBooked        = "booked"
	CloseReasonNotInterested = "not_interested"
	CloseReasonBudget        = "budget"
	CloseReasonTimeline      = "timeline"
	CloseReasonCompetitor    = "competitor"
	CloseReasonNoResponse    = "no_response"
	CloseReasonOther         = "other"
)

// Lead represents a prospective customer moving through the drip sequence
type Lead struct {
	gorm.Model

	FirstName          string  `gorm:"not null" json:"first_name"`
	LastName           string  `json:"last_name"`
	Email              string  `gorm:"index" json:"email"`
	Phone              string  `json:"phone"`
	PhoneNormalized    string  `gorm:"index" json:"phone_normalized"`
	Address            string  `json:"address"`
	City               string  `json:"city"`
	ProjectType        string  `json:"project_type"`
	ProjectDescription string  `gorm:"type:text" json:"project_description"`
	Source             string  `json:"source"`
	Notes              string  `gorm:"type:text" json:"notes"`
	ExternalID         *string `gorm:"uniqueIndex" json:"external_id"`
	CreatedBy          string  `json:"created_by"`

	// Funnel
	Status string `gorm:"default:'new';index" json:"status"` // new, contacted, engaged, qualified, booked, won, lost

	// Sequence state
	SequenceStatus string     `gorm:"default:'active';index" json:"sequence_status"` // active, paused, completed, stopped
	SequenceStep   int        `gorm:"not null" json:"sequence_step"`
	NextFollowupAt *time.Time `gorm:"index" json:"next_followup_at"`

	LastContactedAt      *time.Time `json:"last_contacted_at"`
	LastRespondedAt      *time.Time `json:"last_responded_at"`
	ResumedAt            *time.Time `json:"resumed_at"` // replies before this were handled by an operator
	ConsultationBookedAt *time.Time `json:"consultation_booked_at"`
	ClosedAt             *time.Time `json:"closed_at"`
	ClosedReason         string     `json:"closed_reason"`

	// SMS rate limiting
	LastSmsAt       *time.Time `json:"-"`
	SmsCountToday   int        `gorm:"not null;default:0" json:"-"`
	SmsCountResetAt *time.Time `json:"-"`

	// Optimistic concurrency, bumped on every sequence mutation
	Version int `gorm:"not null;default:0" json:"version"`

	// Relations
	Messages     []Message `gorm:"foreignKey:LeadID" json:"messages,omitempty"`
	MessageCount int64     `gorm:"-:migration;->" json:"message_count,omitempty"`
}

// FullName joins the non-empty name parts
func (l *Lead) FullName() string {
	parts := make([]string, 0, 2)
	if l.FirstName != "" {
		parts = append(parts, l.FirstName)
	}
	if l.LastName != "" {
		parts = append(parts, l.LastName)
	}
	return strings.Join(parts, " ")
}

// IsTerminal reports whether the sequence can no longer send
func (l *Lead) IsTerminal() bool {
	return l.SequenceStatus == SequenceCompleted || l.SequenceStatus == SequenceStopped
}

// IsValidLeadStatus checks a funnel stage name
func IsValidLeadStatus(status string) bool {
	switch status {
	case LeadStatusNew, LeadStatusContacted, LeadStatusEngaged, LeadStatusQualified,
		LeadStatusBooked, LeadStatusWon, LeadStatusLost:
		return true
	}
	return false
}

// IsValidSequenceStatus checks a sequence state name
func IsValidSequenceStatus(status string) bool {
	switch status {
	case SequenceActive, SequencePaused, SequenceCompleted, SequenceStopped:
		return true
	}
	return false
}
