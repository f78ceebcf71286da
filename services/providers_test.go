package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTwilioClientSendSms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("From") != "+15135550000" || r.PostForm.Get("To") != "+15135550101" || r.PostForm.Get("Body") != "hello" {
			t.Errorf("form = %v", r.PostForm)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	client := NewTwilioClient("AC123", "secret", "+15135550000", srv.URL, 5*time.Second)
	receipt, err := client.SendSms(context.Background(), "+15135550101", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ID != "SM42" || receipt.Status != "queued" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestTwilioClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	client := NewTwilioClient("AC123", "secret", "+15135550000", srv.URL, 5*time.Second)
	_, err := client.SendSms(context.Background(), "+1", "hello")
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Errorf("err = %v", err)
	}
}

func TestTwilioClientRequiresCredentials(t *testing.T) {
	client := NewTwilioClient("", "", "", "", time.Second)
	if _, err := client.SendSms(context.Background(), "+15135550101", "hello"); err == nil {
		t.Error("expected missing credentials error")
	}
}

func TestResendClientSendEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer re_test" {
			t.Errorf("authorization = %q", got)
		}

		var body resendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.From != "Nathan <nathan@example.com>" || len(body.To) != 1 || body.To[0] != "ann@example.com" || body.Text != "Hi Ann" {
			t.Errorf("body = %+v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"em_123"}`))
	}))
	defer srv.Close()

	client := NewResendClient("re_test", "Nathan <nathan@example.com>", srv.URL, 5*time.Second)
	receipt, err := client.SendEmail(context.Background(), "ann@example.com", "Your deck", "Hi Ann")
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ID != "em_123" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestResendClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"statusCode":422,"name":"validation_error","message":"Invalid to field"}`))
	}))
	defer srv.Close()

	client := NewResendClient("re_test", "noreply@example.com", srv.URL, 5*time.Second)
	_, err := client.SendEmail(context.Background(), "bad", "s", "b")
	if err == nil || !strings.Contains(err.Error(), "Invalid to field") {
		t.Errorf("err = %v", err)
	}
}

func TestMailDomain(t *testing.T) {
	tests := map[string]string{
		"noreply@hdd.com":             "hdd.com",
		"Nathan <nathan@example.com>": "example.com",
		"nobody":                      "localhost",
	}
	for in, want := range tests {
		if got := mailDomain(in); got != want {
			t.Errorf("mailDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
