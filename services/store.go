package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/models"

	"gorm.io/gorm"
)

// LeadStore is the data-access layer the engine and webhooks share
type LeadStore struct {
	DB *gorm.DB
}

func NewLeadStore(db *gorm.DB) *LeadStore {
	return &LeadStore{DB: db}
}

// GetLead loads a lead by id
func (s *LeadStore) GetLead(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.DB.WithContext(ctx).First(&lead, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("failed to load lead %d: %w", id, err)
	}
	return &lead, nil
}

// CreateLead inserts a new lead at the start of the sequence, due immediately
func (s *LeadStore) CreateLead(ctx context.Context, lead *models.Lead, now time.Time) error {
	if lead.Status == "" {
		lead.Status = models.LeadStatusNew
	}
	lead.SequenceStatus = models.SequenceActive
	lead.SequenceStep = models.StepNotStarted
	lead.CreatedAt = now
	lead.NextFollowupAt = &now

	if err := s.DB.WithContext(ctx).Create(lead).Error; err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// FindDueLeads returns active leads whose next followup is due, oldest first
func (s *LeadStore) FindDueLeads(ctx context.Context, now time.Time, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.DB.WithContext(ctx).
		Where("sequence_status = ? AND next_followup_at IS NOT NULL AND next_followup_at <= ?", models.SequenceActive, now).
		Order("next_followup_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&leads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due leads: %w", err)
	}
	return leads, nil
}

// FindExpiredLeads returns active leads created before cutoff, oldest first
func (s *LeadStore) FindExpiredLeads(ctx context.Context, cutoff time.Time, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.DB.WithContext(ctx).
		Where("sequence_status = ? AND created_at < ?", models.SequenceActive, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&leads).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired leads: %w", err)
	}
	return leads, nil
}

// FindLatestByPhone returns the most recently created lead with this normalized phone
func (s *LeadStore) FindLatestByPhone(ctx context.Context, phoneNormalized string) (*models.Lead, error) {
	return s.findLatest(ctx, "phone_normalized = ?", phoneNormalized)
}

// FindLatestByEmail matches email case-insensitively, most recent lead first
func (s *LeadStore) FindLatestByEmail(ctx context.Context, email string) (*models.Lead, error) {
	return s.findLatest(ctx, "LOWER(email) = LOWER(?)", email)
}

// FindByExternalID looks up an intake lead by the id its source system assigned
func (s *LeadStore) FindByExternalID(ctx context.Context, externalID string) (*models.Lead, error) {
	return s.findLatest(ctx, "external_id = ?", externalID)
}

func (s *LeadStore) findLatest(ctx context.Context, query string, arg interface{}) (*models.Lead, error) {
	var lead models.Lead
	err := s.DB.WithContext(ctx).
		Where(query, arg).
		Order("created_at DESC").
		Order("id DESC").
		First(&lead).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	return &lead, nil
}

// CompareAndSwap writes changes only if the lead still has the version it was read with.
// On success lead.Version is advanced to match the row.
func (s *LeadStore) CompareAndSwap(ctx context.Context, lead *models.Lead, changes map[string]interface{}) error {
	updates := make(map[string]interface{}, len(changes)+1)
	for k, v := range changes {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + ?", 1)

	result := s.DB.WithContext(ctx).
		Model(&models.Lead{}).
		Where("id = ? AND version = ?", lead.ID, lead.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update lead %d: %w", lead.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}

	lead.Version++
	return nil
}

// ActiveSteps returns the enabled sequence steps in order
func (s *LeadStore) ActiveSteps(ctx context.Context) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("step_number ASC").
		Find(&steps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence steps: %w", err)
	}
	return steps, nil
}

// LoadSettings returns every setting as a key/value map
func (s *LeadStore) LoadSettings(ctx context.Context) (map[string]string, error) {
	var settings []models.Setting
	if err := s.DB.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	values := make(map[string]string, len(settings))
	for _, setting := range settings {
		values[setting.Key] = setting.Value
	}
	return values, nil
}
