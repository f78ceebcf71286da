package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const WebhookTTL = 24 * time.Hour

// Ledger remembers processed webhook ids so redeliveries are acknowledged without side effects
type Ledger struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, TTL: WebhookTTL, Now: time.Now}
}

// Seen reports whether id was recorded and has not expired yet
func (l *Ledger) Seen(ctx context.Context, id string) (bool, error) {
	var entry models.ProcessedWebhook
	err := l.DB.WithContext(ctx).
		Where("webhook_id = ? AND expires_at > ?", id, l.Now()).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check webhook %s: %w", id, err)
	}
	return true, nil
}

// Record stores id for TTL. Recording an expired id again restarts its window.
func (l *Ledger) Record(ctx context.Context, id, webhookType string) error {
	now := l.Now()
	entry := models.ProcessedWebhook{
		WebhookID:   id,
		WebhookType: webhookType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.TTL),
	}

	err := l.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "webhook_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"webhook_type", "created_at", "expires_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to record webhook %s: %w", id, err)
	}
	return nil
}

// CleanupExpired deletes entries past their expiry and returns how many went
func (l *Ledger) CleanupExpired(ctx context.Context) (int64, error) {
	result := l.DB.WithContext(ctx).
		Where("expires_at < ?", l.Now()).
		Delete(&models.ProcessedWebhook{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clean up webhooks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
