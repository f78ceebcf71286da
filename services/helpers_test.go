package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadflow/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:services%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Second)
		},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Lead{},
		&models.Message{},
		&models.SequenceStep{},
		&models.ProcessedWebhook{},
		&models.Setting{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMessage struct {
	To      string
	Subject string
	Body    string
}

type fakeSms struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
	status  string
}

func (f *fakeSms) SendSms(ctx context.Context, to, body string) (ProviderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor[to] {
		return ProviderReceipt{}, errors.New("carrier rejected message")
	}
	f.sent = append(f.sent, sentMessage{To: to, Body: body})

	status := f.status
	if status == "" {
		status = "queued"
	}
	return ProviderReceipt{ID: fmt.Sprintf("SM%d", len(f.sent)), Status: status}, nil
}

func (f *fakeSms) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeEmail) SendEmail(ctx context.Context, to, subject, body string) (ProviderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return ProviderReceipt{}, f.err
	}
	f.sent = append(f.sent, sentMessage{To: to, Subject: subject, Body: body})
	return ProviderReceipt{ID: fmt.Sprintf("em_%d", len(f.sent)), Status: "sent"}, nil
}

func (f *fakeEmail) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	db        *gorm.DB
	clock     *testClock
	sms       *fakeSms
	email     *fakeEmail
	store     *LeadStore
	messenger *Messenger
	limiter   *LeadRateLimiter
	engine    *Engine
	ledger    *Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := newTestDB(t)
	clock := newTestClock()
	quiet := log.New(io.Discard, "", 0)

	h := &harness{
		db:    db,
		clock: clock,
		sms:   &fakeSms{failFor: map[string]bool{}},
		email: &fakeEmail{},
		store: NewLeadStore(db),
	}

	h.messenger = NewMessenger(db, h.sms, h.email)
	h.messenger.Now = clock.Now
	h.messenger.Logger = quiet

	h.limiter = NewLeadRateLimiter(db)
	h.limiter.Now = clock.Now

	h.engine = NewEngine(h.store, h.messenger, h.limiter)
	h.engine.Now = clock.Now
	h.engine.Logger = quiet

	h.ledger = NewLedger(db)
	h.ledger.Now = clock.Now

	return h
}

// seedSteps stores an instant SMS step plus one SMS step per delay
func (h *harness) seedSteps(t *testing.T, delays ...int) {
	t.Helper()

	steps := []models.SequenceStep{{
		StepNumber:  models.InstantStepNumber,
		Name:        "Instant Response",
		SmsTemplate: "Hi {{firstName}}, thanks for contacting {{businessName}}!",
		SendSms:     true,
		IsActive:    true,
	}}
	for i, delay := range delays {
		steps = append(steps, models.SequenceStep{
			StepNumber:   i + 1,
			Name:         fmt.Sprintf("Follow-up %d", i+1),
			DelayMinutes: delay,
			SmsTemplate:  fmt.Sprintf("Follow-up %d for {{firstName}}", i+1),
			SendSms:      true,
			IsActive:     true,
		})
	}
	if err := h.db.Create(&steps).Error; err != nil {
		t.Fatalf("seed steps: %v", err)
	}
}

// newLead creates a lead that has not received its instant response yet
func (h *harness) newLead(t *testing.T, name, phone string) *models.Lead {
	t.Helper()

	created := h.clock.Now()
	lead := &models.Lead{
		FirstName:       name,
		Email:           fmt.Sprintf("%s@example.com", name),
		Phone:           phone,
		PhoneNormalized: phone,
		Status:          models.LeadStatusNew,
		SequenceStatus:  models.SequenceActive,
		SequenceStep:    models.StepNotStarted,
		NextFollowupAt:  &created,
	}
	lead.CreatedAt = created
	if err := h.db.Create(lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}

// leadAt creates a lead sitting at step with the given next fire time
func (h *harness) leadAt(t *testing.T, name, phone string, step int, next *time.Time) *models.Lead {
	t.Helper()

	lead := h.newLead(t, name, phone)
	err := h.db.Model(&models.Lead{}).Where("id = ?", lead.ID).Updates(map[string]interface{}{
		"sequence_step":    step,
		"status":           models.LeadStatusContacted,
		"next_followup_at": next,
	}).Error
	if err != nil {
		t.Fatalf("position lead: %v", err)
	}
	return h.reload(t, lead.ID)
}

func (h *harness) reload(t *testing.T, id uint) *models.Lead {
	t.Helper()

	lead, err := h.store.GetLead(context.Background(), id)
	if err != nil {
		t.Fatalf("reload lead %d: %v", id, err)
	}
	return lead
}

func (h *harness) messages(t *testing.T, leadID uint) []models.Message {
	t.Helper()

	var msgs []models.Message
	if err := h.db.Where("lead_id = ?", leadID).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

func at(t time.Time) *time.Time {
	return &t
}
