package controller

import (
	"log"
	"time"

	"leadflow/models"
	"leadflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type DashboardController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Now    func() time.Time
}

func NewDashboardController(db *gorm.DB, logger *log.Logger) *DashboardController {
	return &DashboardController{
		DB:     db,
		Logger: logger,
		Now:    time.Now,
	}
}

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type DashboardStats struct {
	TimeRange        TimeRange        `json:"time_range"`
	LeadsCreated     int64            `json:"leads_created"`
	ByStatus         map[string]int64 `json:"by_status"`
	BySequenceStatus map[string]int64 `json:"by_sequence_status"`
	MessagesSent     int64            `json:"messages_sent"`
	MessagesBlocked  int64            `json:"messages_blocked"`
	MessagesFailed   int64            `json:"messages_failed"`
	RepliesReceived  int64            `json:"replies_received"`
	ReplyRate        float64          `json:"reply_rate"`
	BookingRate      float64          `json:"booking_rate"`
	DueNow           int64            `json:"due_now"`
}

type groupCount struct {
	GroupKey string
	Total    int64
}

// GetDashboardStats summarizes the funnel for the selected time frame
func (dc *DashboardController) GetDashboardStats(c *fiber.Ctx) error {
	timeFrame := c.Query("time_frame", "week") // day, week, month

	now := time.Now().UTC()
	if dc.Now != nil {
		now = dc.Now().UTC()
	}
	var startTime time.Time
	switch timeFrame {
	case "day":
		startTime = now.Add(-24 * time.Hour)
	case "month":
		startTime = now.Add(-30 * 24 * time.Hour)
	default:
		startTime = now.Add(-7 * 24 * time.Hour)
	}

	db := dc.DB.WithContext(c.UserContext())
	stats := DashboardStats{
		TimeRange:        TimeRange{Start: startTime, End: now},
		ByStatus:         map[string]int64{},
		BySequenceStatus: map[string]int64{},
	}

	leadsInRange := func() *gorm.DB {
		return db.Model(&models.Lead{}).Where("created_at BETWEEN ? AND ?", startTime, now)
	}
	if err := leadsInRange().Count(&stats.LeadsCreated).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get lead stats", err)
	}

	for column, target := range map[string]map[string]int64{
		"status":          stats.ByStatus,
		"sequence_status": stats.BySequenceStatus,
	} {
		var rows []groupCount
		err := leadsInRange().Select(column + " AS group_key, COUNT(*) AS total").Group(column).Scan(&rows).Error
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get lead stats", err)
		}
		for _, row := range rows {
			target[row.GroupKey] = row.Total
		}
	}

	messagesInRange := func() *gorm.DB {
		return db.Model(&models.Message{}).Where("sent_at BETWEEN ? AND ?", startTime, now)
	}
	counts := []struct {
		dest      *int64
		direction string
		status    string
	}{
		{&stats.MessagesSent, models.DirectionOutbound, models.MessageSent},
		{&stats.MessagesBlocked, models.DirectionOutbound, models.MessageBlocked},
		{&stats.MessagesFailed, models.DirectionOutbound, models.MessageFailed},
		{&stats.RepliesReceived, models.DirectionInbound, ""},
	}
	for _, q := range counts {
		query := messagesInRange().Where("direction = ?", q.direction)
		if q.status != "" {
			query = query.Where("status = ?", q.status)
		}
		if err := query.Count(q.dest).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to get message stats", err)
		}
	}

	if stats.LeadsCreated > 0 {
		var responded, booked int64
		leadsInRange().Where("last_responded_at IS NOT NULL").Count(&responded)
		leadsInRange().Where("consultation_booked_at IS NOT NULL").Count(&booked)
		stats.ReplyRate = float64(responded) / float64(stats.LeadsCreated) * 100
		stats.BookingRate = float64(booked) / float64(stats.LeadsCreated) * 100
	}

	db.Model(&models.Lead{}).
		Where("sequence_status = ? AND next_followup_at <= ?", models.SequenceActive, now).
		Count(&stats.DueNow)

	return c.JSON(utils.SuccessResponse(stats))
}
