package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"leadflow/config"
	"leadflow/models"
	"leadflow/services"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	twilioToken  = "twilio-token"
	calSecret    = "cal-secret"
	intakeSecret = "intake-secret"
	publicURL    = "https://leads.example.com"
	operator     = "operator@example.com"
)

var dbCounter int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:controllers%d?mode=memory&cache=shared", atomic.AddInt64(&dbCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Second)
		},
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := config.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := config.SeedDefaults(db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return db
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeSms struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSms) SendSms(ctx context.Context, to, body string) (services.ProviderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return services.ProviderReceipt{}, f.err
	}
	f.sent = append(f.sent, to)
	return services.ProviderReceipt{ID: fmt.Sprintf("SM%d", len(f.sent)), Status: "queued"}, nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmail) SendEmail(ctx context.Context, to, subject, body string) (services.ProviderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return services.ProviderReceipt{ID: fmt.Sprintf("EM%d", len(f.sent))}, nil
}

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []uint
}

func (d *fakeDispatcher) Dispatch(leadID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, leadID)
}

func (d *fakeDispatcher) dispatched() []uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint(nil), d.ids...)
}

type harness struct {
	t          *testing.T
	db         *gorm.DB
	engine     *services.Engine
	sms        *fakeSms
	email      *fakeEmail
	dispatcher *fakeDispatcher
	app        *fiber.App
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := newTestDB(t)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sms, email := &fakeSms{}, &fakeEmail{}
	messenger := services.NewMessenger(db, sms, email)
	messenger.Logger = quietLogger()
	messenger.Now = clock

	limiter := services.NewLeadRateLimiter(db)
	limiter.Now = clock

	engine := services.NewEngine(services.NewLeadStore(db), messenger, limiter)
	engine.Logger = quietLogger()
	engine.Now = clock

	dispatcher := &fakeDispatcher{}
	ledger := services.NewLedger(db)

	leads := NewLeadController(db, engine, dispatcher, quietLogger())
	leads.Now = clock
	webhooks := NewWebhookController(engine, ledger, dispatcher, WebhookSecrets{
		TwilioAuthToken: twilioToken,
		Cal:             calSecret,
		Intake:          intakeSecret,
	}, publicURL, quietLogger())
	webhooks.Now = clock
	sequences := NewSequenceController(db, quietLogger())
	settings := NewSettingsController(db, quietLogger())
	messages := NewMessageController(db, quietLogger())
	dashboard := NewDashboardController(db, quietLogger())
	dashboard.Now = clock

	cycle := services.NewCycleRunner(engine, ledger, 20)
	cycle.Logger = quietLogger()
	cron := NewCronController(cycle, quietLogger())

	app := fiber.New()
	app.Post("/api/webhooks/twilio", webhooks.HandleTwilioInbound)
	app.Post("/api/webhooks/cal", webhooks.HandleCalBooking)
	app.Post("/api/leads/webhook", webhooks.HandleLeadIntake)
	app.Post("/api/cron/process-followups", cron.ProcessFollowups)

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Locals("subject", operator)
		return c.Next()
	})
	api.Post("/leads", leads.CreateLead)
	api.Get("/leads", leads.GetLeads)
	api.Get("/leads/:id", leads.GetLead)
	api.Put("/leads/:id", leads.UpdateLead)
	api.Delete("/leads/:id", leads.DeleteLead)
	api.Post("/leads/:id/pause", leads.PauseSequence)
	api.Post("/leads/:id/resume", leads.ResumeSequence)
	api.Post("/leads/:id/skip", leads.SkipStep)
	api.Post("/leads/:id/close", leads.CloseLead)
	api.Get("/leads/:id/messages", leads.GetLeadMessages)
	api.Post("/leads/:id/messages", leads.SendMessage)
	api.Get("/leads/:id/rate-limit", leads.GetRateLimit)
	api.Get("/messages", messages.GetMessages)
	api.Get("/sequences", sequences.GetSequences)
	api.Put("/sequences", sequences.UpdateSequences)
	api.Post("/sequences/preview", sequences.PreviewTemplate)
	api.Get("/settings", settings.GetSettings)
	api.Put("/settings", settings.UpdateSettings)
	api.Get("/dashboard/stats", dashboard.GetDashboardStats)

	return &harness{
		t:          t,
		db:         db,
		engine:     engine,
		sms:        sms,
		email:      email,
		dispatcher: dispatcher,
		app:        app,
		now:        now,
	}
}

// createLead inserts a lead through the store so it starts like a real one
func (h *harness) createLead(lead models.Lead) *models.Lead {
	h.t.Helper()
	if err := h.engine.Store.CreateLead(context.Background(), &lead, h.now); err != nil {
		h.t.Fatalf("create lead: %v", err)
	}
	return &lead
}

func (h *harness) lead(id uint) *models.Lead {
	h.t.Helper()
	lead, err := h.engine.Store.GetLead(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get lead %d: %v", id, err)
	}
	return lead
}

func (h *harness) do(req *http.Request) (*http.Response, map[string]interface{}) {
	h.t.Helper()
	resp, err := h.app.Test(req, -1)
	if err != nil {
		h.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var out map[string]interface{}
	_ = json.Unmarshal(body, &out)
	return resp, out
}

func (h *harness) doJSON(method, path string, payload interface{}) (*http.Response, map[string]interface{}) {
	h.t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			h.t.Fatal(err)
		}
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return h.do(req)
}

func (h *harness) count(model interface{}, query string, args ...interface{}) int64 {
	h.t.Helper()
	var n int64
	q := h.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		h.t.Fatal(err)
	}
	return n
}

func (h *harness) inbound(leadID uint, body string) {
	h.t.Helper()
	_, err := h.engine.Messenger.LogInbound(context.Background(), services.InboundMessage{
		LeadID:  leadID,
		Channel: models.ChannelSMS,
		Body:    body,
	})
	if err != nil {
		h.t.Fatal(err)
	}
}

func jsonRequest(t *testing.T, method, path string, payload interface{}) *http.Request {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
