package controller

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"leadflow/models"
	"leadflow/services"
)

func TestCreateLead(t *testing.T) {
	h := newHarness(t)

	resp, out := h.doJSON(http.MethodPost, "/api/v1/leads", map[string]string{
		"first_name":   " Jordan ",
		"email":        "Jordan@Example.com",
		"phone":        "(513) 555-0142",
		"project_type": "deck",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	if out["first_name"] != "Jordan" || out["email"] != "jordan@example.com" {
		t.Errorf("normalized fields = %v / %v", out["first_name"], out["email"])
	}
	if out["phone_normalized"] != "+15135550142" {
		t.Errorf("phone_normalized = %v", out["phone_normalized"])
	}
	if out["created_by"] != operator {
		t.Errorf("created_by = %v", out["created_by"])
	}
	if out["sequence_status"] != models.SequenceActive || out["sequence_step"] != float64(models.StepNotStarted) {
		t.Errorf("sequence = %v step %v", out["sequence_status"], out["sequence_step"])
	}
	if len(h.dispatcher.dispatched()) != 1 {
		t.Error("instant response was not dispatched")
	}

	resp, _ = h.doJSON(http.MethodPost, "/api/v1/leads", map[string]string{"email": "x@example.com"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing first_name: status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateLeadDuplicateExternalID(t *testing.T) {
	h := newHarness(t)
	input := map[string]string{"first_name": "Lee", "external_id": "crm-1"}

	if resp, out := h.doJSON(http.MethodPost, "/api/v1/leads", input); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d %v", resp.StatusCode, out)
	}
	if resp, _ := h.doJSON(http.MethodPost, "/api/v1/leads", input); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", resp.StatusCode)
	}
}

func TestGetLeadsFiltersAndCounts(t *testing.T) {
	h := newHarness(t)
	first := h.createLead(models.Lead{FirstName: "Alex", City: "Mason"})
	h.createLead(models.Lead{FirstName: "Blair", City: "Loveland"})
	h.inbound(first.ID, "hello")

	_, out := h.doJSON(http.MethodGet, "/api/v1/leads?search=mas", nil)
	if out["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", out["total"])
	}
	leads := out["leads"].([]interface{})
	got := leads[0].(map[string]interface{})
	if got["first_name"] != "Alex" || got["message_count"] != float64(1) {
		t.Errorf("lead = %v", got)
	}

	_, out = h.doJSON(http.MethodGet, "/api/v1/leads?sequence_status=paused", nil)
	if out["total"] != float64(0) {
		t.Errorf("paused total = %v, want 0", out["total"])
	}
}

func TestSequenceActions(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(models.Lead{FirstName: "Casey", Phone: "5135550123", PhoneNormalized: "+15135550123"})
	path := func(action string) string { return fmt.Sprintf("/api/v1/leads/%d/%s", lead.ID, action) }

	resp, out := h.doJSON(http.MethodPost, path("pause"), nil)
	if resp.StatusCode != http.StatusOK || out["success"] != true {
		t.Fatalf("pause: %d %v", resp.StatusCode, out)
	}
	if resp, _ := h.doJSON(http.MethodPost, path("pause"), nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second pause: status = %d, want 409", resp.StatusCode)
	}
	if resp, _ := h.doJSON(http.MethodPost, path("skip"), nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("skip while paused: status = %d, want 409", resp.StatusCode)
	}

	resp, _ = h.doJSON(http.MethodPost, path("resume"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status = %d", resp.StatusCode)
	}
	got := h.lead(lead.ID)
	if got.SequenceStatus != models.SequenceActive || got.ResumedAt == nil {
		t.Errorf("after resume: %q resumed_at=%v", got.SequenceStatus, got.ResumedAt)
	}

	resp, _ = h.doJSON(http.MethodPost, path("skip"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("skip: status = %d", resp.StatusCode)
	}
	if got := h.lead(lead.ID); got.SequenceStep != models.InstantStepNumber {
		t.Errorf("step after skip = %d, want %d", got.SequenceStep, models.InstantStepNumber)
	}
	if len(h.sms.sent) != 0 {
		t.Errorf("skip sent %d messages", len(h.sms.sent))
	}
}

func TestCloseLead(t *testing.T) {
	h := newHarness(t)
	won := h.createLead(models.Lead{FirstName: "Drew"})
	lost := h.createLead(models.Lead{FirstName: "Emery"})

	resp, _ := h.doJSON(http.MethodPost, fmt.Sprintf("/api/v1/leads/%d/close", won.ID), map[string]string{"reason": "booked", "notes": "signed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close booked: status = %d", resp.StatusCode)
	}
	got := h.lead(won.ID)
	if got.Status != models.LeadStatusWon || got.SequenceStatus != models.SequenceCompleted || got.Notes != "signed" {
		t.Errorf("booked close: status=%q sequence=%q notes=%q", got.Status, got.SequenceStatus, got.Notes)
	}

	h.doJSON(http.MethodPost, fmt.Sprintf("/api/v1/leads/%d/close", lost.ID), map[string]string{"reason": "budget"})
	got = h.lead(lost.ID)
	if got.Status != models.LeadStatusLost || got.SequenceStatus != models.SequenceStopped || got.ClosedReason != "budget" {
		t.Errorf("budget close: status=%q sequence=%q reason=%q", got.Status, got.SequenceStatus, got.ClosedReason)
	}

	if resp, _ := h.doJSON(http.MethodPost, fmt.Sprintf("/api/v1/leads/%d/close", lost.ID), map[string]string{"reason": "other"}); resp.StatusCode != http.StatusConflict {
		t.Errorf("second close: status = %d, want 409", resp.StatusCode)
	}
	if resp, _ := h.doJSON(http.MethodPost, fmt.Sprintf("/api/v1/leads/%d/close", won.ID), map[string]string{"reason": "bored"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid reason: status = %d, want 400", resp.StatusCode)
	}
}

func TestLeadNotFoundAndBadID(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/leads/999", http.StatusNotFound},
		{http.MethodPost, "/api/v1/leads/999/pause", http.StatusNotFound},
		{http.MethodGet, "/api/v1/leads/999/messages", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/leads/999", http.StatusNotFound},
		{http.MethodGet, "/api/v1/leads/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/v1/leads/0", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/leads/-4/pause", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/leads/0/resume", http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, _ := h.doJSON(tt.method, tt.path, nil)
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestUpdateAndDeleteLead(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(models.Lead{FirstName: "Finley"})
	before := h.lead(lead.ID).Version

	resp, out := h.doJSON(http.MethodPut, fmt.Sprintf("/api/v1/leads/%d", lead.ID), map[string]string{
		"status": "qualified",
		"phone":  "513.555.0177",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, out)
	}
	got := h.lead(lead.ID)
	if got.Status != models.LeadStatusQualified || got.PhoneNormalized != "+15135550177" {
		t.Errorf("status=%q phone=%q", got.Status, got.PhoneNormalized)
	}
	if got.Version != before+1 {
		t.Errorf("version = %d, want %d", got.Version, before+1)
	}

	if resp, _ := h.doJSON(http.MethodPut, fmt.Sprintf("/api/v1/leads/%d", lead.ID), map[string]string{"status": "archived"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid status: %d, want 400", resp.StatusCode)
	}

	h.inbound(lead.ID, "thanks")
	if resp, _ := h.doJSON(http.MethodDelete, fmt.Sprintf("/api/v1/leads/%d", lead.ID), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	if resp, _ := h.doJSON(http.MethodGet, fmt.Sprintf("/api/v1/leads/%d", lead.ID), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: %d, want 404", resp.StatusCode)
	}
	if n := h.count(&models.Message{}, "lead_id = ?", lead.ID); n != 0 {
		t.Errorf("messages after delete = %d", n)
	}
}

func TestSendManualMessage(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(models.Lead{FirstName: "Gale", Email: "gale@example.com", Phone: "5135550111", PhoneNormalized: "+15135550111"})
	noPhone := h.createLead(models.Lead{FirstName: "Harper"})
	path := fmt.Sprintf("/api/v1/leads/%d/messages", lead.ID)

	resp, out := h.doJSON(http.MethodPost, path, map[string]string{"channel": "sms", "body": "Running 10 minutes late"})
	if resp.StatusCode != http.StatusCreated || out["messageId"] != "SM1" {
		t.Fatalf("sms: %d %v", resp.StatusCode, out)
	}
	var msg models.Message
	if err := h.db.Where("lead_id = ?", lead.ID).First(&msg).Error; err != nil {
		t.Fatal(err)
	}
	if msg.SentBy != operator || msg.SequenceStep != nil || msg.Status != models.MessageSent {
		t.Errorf("message = %+v", msg)
	}

	if resp, _ := h.doJSON(http.MethodPost, path, map[string]string{"channel": "email", "body": "hi"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("email without subject: %d, want 400", resp.StatusCode)
	}
	if resp, _ := h.doJSON(http.MethodPost, path, map[string]string{"channel": "email", "subject": "Quote", "body": "Attached"}); resp.StatusCode != http.StatusCreated {
		t.Errorf("email: %d, want 201", resp.StatusCode)
	}
	if resp, _ := h.doJSON(http.MethodPost, fmt.Sprintf("/api/v1/leads/%d/messages", noPhone.ID), map[string]string{"channel": "sms", "body": "hi"}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("sms without phone: %d, want 422", resp.StatusCode)
	}

	// Spacing rule blocks an immediate second SMS and logs the attempt
	resp, out = h.doJSON(http.MethodPost, path, map[string]string{"channel": "sms", "body": "One more thing"})
	if resp.StatusCode != http.StatusTooManyRequests || out["retry_after"] == float64(0) {
		t.Errorf("second sms: %d %v", resp.StatusCode, out)
	}
	if n := h.count(&models.Message{}, "lead_id = ? AND status = ?", lead.ID, models.MessageBlocked); n != 1 {
		t.Errorf("blocked rows = %d, want 1", n)
	}

	h.engine.Limiter.(*services.LeadRateLimiter).MinInterval = 0
	h.sms.err = errors.New("carrier down")
	if resp, out := h.doJSON(http.MethodPost, path, map[string]string{"channel": "sms", "body": "again"}); resp.StatusCode != http.StatusBadGateway || out["success"] != false {
		t.Errorf("failed send: %d %v", resp.StatusCode, out)
	}

	resp, out = h.doJSON(http.MethodGet, path, nil)
	if resp.StatusCode != http.StatusOK || out["total"] != float64(4) {
		t.Errorf("history: %d total=%v, want 4 audit rows", resp.StatusCode, out["total"])
	}

	resp, out = h.doJSON(http.MethodGet, fmt.Sprintf("/api/v1/leads/%d/rate-limit", lead.ID), nil)
	if resp.StatusCode != http.StatusOK || out["status"] == nil {
		t.Errorf("rate limit: %d %v", resp.StatusCode, out)
	}
}

func TestCreateLeadUsesSnakeCaseKeys(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.doJSON(http.MethodPost, "/api/v1/leads", map[string]string{"firstName": "Camel"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("camelCase body: status = %d, want 400", resp.StatusCode)
	}

	resp, out := h.doJSON(http.MethodPost, "/api/v1/leads", map[string]string{"first_name": "Snake", "project_type": "patio"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("snake_case body: status = %d, body %v", resp.StatusCode, out)
	}
	if n := h.count(&models.Lead{}, "first_name = ? AND project_type = ?", "Snake", "patio"); n != 1 {
		t.Errorf("leads = %d, want 1", n)
	}
}
