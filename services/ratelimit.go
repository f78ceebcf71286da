package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"leadflow/models"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const (
	SmsMinInterval = time.Minute
	SmsDailyLimit  = 5
)

// RateLimitResult tells the caller whether an SMS may go out now
type RateLimitResult struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// RateLimitStatus is the display view of a lead's SMS counters
type RateLimitStatus struct {
	SmsCountToday int        `json:"sms_count_today"`
	DailyLimit    int        `json:"daily_limit"`
	LastSmsAt     *time.Time `json:"last_sms_at"`
	ResetAt       *time.Time `json:"reset_at"`
}

// RateLimiter gates outbound SMS per lead. It advises only; it never writes messages.
type RateLimiter interface {
	Check(ctx context.Context, leadID uint) (RateLimitResult, error)
	RecordSent(ctx context.Context, leadID uint) error
	Status(ctx context.Context, leadID uint) (*RateLimitStatus, error)
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

func dailyLimitReason(limit int) string {
	return fmt.Sprintf("Daily SMS limit reached (%d/day)", limit)
}

func intervalReason(interval time.Duration) string {
	var span string
	switch minutes := int(interval / time.Minute); {
	case minutes == 1:
		span = "1 minute"
	case minutes > 1:
		span = fmt.Sprintf("%d minutes", minutes)
	default:
		span = fmt.Sprintf("%d seconds", int(interval/time.Second))
	}
	return fmt.Sprintf("Too soon since last SMS (min %s)", span)
}

// LeadRateLimiter keeps the counters on the lead row so every worker sees the same state
type LeadRateLimiter struct {
	DB          *gorm.DB
	Now         func() time.Time
	MinInterval time.Duration
	DailyLimit  int
}

func NewLeadRateLimiter(db *gorm.DB) *LeadRateLimiter {
	return &LeadRateLimiter{
		DB:          db,
		Now:         time.Now,
		MinInterval: SmsMinInterval,
		DailyLimit:  SmsDailyLimit,
	}
}

type smsCounters struct {
	LastSmsAt       *time.Time
	SmsCountToday   int
	SmsCountResetAt *time.Time
}

func (l *LeadRateLimiter) counters(ctx context.Context, db *gorm.DB, leadID uint) (*smsCounters, error) {
	var c smsCounters
	err := db.WithContext(ctx).
		Model(&models.Lead{}).
		Select("last_sms_at", "sms_count_today", "sms_count_reset_at").
		Where("id = ?", leadID).
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Check applies the daily cap and the minimum spacing between messages
func (l *LeadRateLimiter) Check(ctx context.Context, leadID uint) (RateLimitResult, error) {
	c, err := l.counters(ctx, l.DB, leadID)
	if errors.Is(err, ErrLeadNotFound) {
		return RateLimitResult{Allowed: false, Reason: "Lead not found"}, nil
	}
	if err != nil {
		return RateLimitResult{}, err
	}

	now := l.Now()

	count := c.SmsCountToday
	if c.SmsCountResetAt == nil || !now.Before(*c.SmsCountResetAt) {
		count = 0
	}

	if count >= l.DailyLimit {
		return RateLimitResult{Allowed: false, Reason: dailyLimitReason(l.DailyLimit)}, nil
	}

	if c.LastSmsAt != nil {
		elapsed := now.Sub(*c.LastSmsAt)
		if elapsed < l.MinInterval {
			retry := int(math.Ceil((l.MinInterval - elapsed).Seconds()))
			return RateLimitResult{Allowed: false, Reason: intervalReason(l.MinInterval), RetryAfter: retry}, nil
		}
	}

	return RateLimitResult{Allowed: true}, nil
}

// RecordSent bumps the counter, starting a new day when the reset time has passed
func (l *LeadRateLimiter) RecordSent(ctx context.Context, leadID uint) error {
	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := l.counters(ctx, tx, leadID)
		if err != nil {
			return err
		}

		now := l.Now()
		count := c.SmsCountToday
		resetAt := c.SmsCountResetAt
		if resetAt == nil || !now.Before(*resetAt) {
			count = 0
			next := nextMidnight(now)
			resetAt = &next
		}

		return tx.Model(&models.Lead{}).
			Where("id = ?", leadID).
			UpdateColumns(map[string]interface{}{
				"last_sms_at":        now,
				"sms_count_today":    count + 1,
				"sms_count_reset_at": *resetAt,
			}).Error
	})
}

// Status reports the counters as they apply right now
func (l *LeadRateLimiter) Status(ctx context.Context, leadID uint) (*RateLimitStatus, error) {
	c, err := l.counters(ctx, l.DB, leadID)
	if err != nil {
		return nil, err
	}

	count := c.SmsCountToday
	if c.SmsCountResetAt != nil && !l.Now().Before(*c.SmsCountResetAt) {
		count = 0
	}

	return &RateLimitStatus{
		SmsCountToday: count,
		DailyLimit:    l.DailyLimit,
		LastSmsAt:     c.LastSmsAt,
		ResetAt:       c.SmsCountResetAt,
	}, nil
}

// RedisRateLimiter keeps the same policy in Redis: a per-day counter key
// that expires at midnight plus a short-lived spacing key.
type RedisRateLimiter struct {
	Client      *redis.Client
	Prefix      string
	Now         func() time.Time
	MinInterval time.Duration
	DailyLimit  int
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		Client:      client,
		Prefix:      "leadflow:sms",
		Now:         time.Now,
		MinInterval: SmsMinInterval,
		DailyLimit:  SmsDailyLimit,
	}
}

func (r *RedisRateLimiter) dailyKey(leadID uint, now time.Time) string {
	return fmt.Sprintf("%s:%d:day:%s", r.Prefix, leadID, now.Format("20060102"))
}

func (r *RedisRateLimiter) intervalKey(leadID uint) string {
	return fmt.Sprintf("%s:%d:gap", r.Prefix, leadID)
}

func (r *RedisRateLimiter) lastKey(leadID uint) string {
	return fmt.Sprintf("%s:%d:last", r.Prefix, leadID)
}

func (r *RedisRateLimiter) dailyCount(ctx context.Context, leadID uint, now time.Time) (int, error) {
	count, err := r.Client.Get(ctx, r.dailyKey(leadID, now)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

func (r *RedisRateLimiter) Check(ctx context.Context, leadID uint) (RateLimitResult, error) {
	now := r.Now()

	count, err := r.dailyCount(ctx, leadID, now)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}
	if count >= r.DailyLimit {
		return RateLimitResult{Allowed: false, Reason: dailyLimitReason(r.DailyLimit)}, nil
	}

	ttl, err := r.Client.PTTL(ctx, r.intervalKey(leadID)).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}
	if ttl > 0 {
		retry := int(math.Ceil(ttl.Seconds()))
		return RateLimitResult{Allowed: false, Reason: intervalReason(r.MinInterval), RetryAfter: retry}, nil
	}

	return RateLimitResult{Allowed: true}, nil
}

func (r *RedisRateLimiter) RecordSent(ctx context.Context, leadID uint) error {
	now := r.Now()
	day := r.dailyKey(leadID, now)

	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, day)
		pipe.ExpireAt(ctx, day, nextMidnight(now))
		pipe.Set(ctx, r.intervalKey(leadID), 1, r.MinInterval)
		pipe.Set(ctx, r.lastKey(leadID), now.UnixMilli(), 24*time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rate limit record failed: %w", err)
	}
	return nil
}

func (r *RedisRateLimiter) Status(ctx context.Context, leadID uint) (*RateLimitStatus, error) {
	now := r.Now()

	count, err := r.dailyCount(ctx, leadID, now)
	if err != nil {
		return nil, err
	}

	status := &RateLimitStatus{SmsCountToday: count, DailyLimit: r.DailyLimit}
	if count > 0 {
		reset := nextMidnight(now)
		status.ResetAt = &reset
	}

	raw, err := r.Client.Get(ctx, r.lastKey(leadID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if raw != "" {
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			last := time.UnixMilli(ms).In(now.Location())
			status.LastSmsAt = &last
		}
	}

	return status, nil
}
