package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

const defaultResendBaseURL = "https://api.resend.com"

// EmailProvider delivers one plain-text email
type EmailProvider interface {
	SendEmail(ctx context.Context, to, subject, body string) (ProviderReceipt, error)
}

// SMTPMailer sends through an SMTP relay
type SMTPMailer struct {
	From   string
	dialer *gomail.Dialer
}

func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	dialer := gomail.NewDialer(host, port, username, password)
	dialer.TLSConfig = &tls.Config{ServerName: host}

	return &SMTPMailer{From: from, dialer: dialer}
}

func (m *SMTPMailer) SendEmail(ctx context.Context, to, subject, body string) (ProviderReceipt, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), mailDomain(m.From))

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", messageID)
	msg.SetBody("text/plain", body)

	// gomail has no context support; abandon the dial when ctx ends
	done := make(chan error, 1)
	go func() {
		done <- m.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return ProviderReceipt{}, fmt.Errorf("send failed: %w", err)
		}
		return ProviderReceipt{ID: messageID, Status: "sent"}, nil
	case <-ctx.Done():
		return ProviderReceipt{}, fmt.Errorf("send aborted: %w", ctx.Err())
	}
}

func mailDomain(address string) string {
	address = strings.TrimSuffix(strings.TrimSpace(address), ">")
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}

// ResendClient sends through the Resend REST API
type ResendClient struct {
	From   string
	client *resty.Client
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func NewResendClient(apiKey, from, baseURL string, timeout time.Duration) *ResendClient {
	if baseURL == "" {
		baseURL = defaultResendBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(apiKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &ResendClient{From: from, client: client}
}

func (r *ResendClient) SendEmail(ctx context.Context, to, subject, body string) (ProviderReceipt, error) {
	var result resendResponse
	var apiErr resendError

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(resendRequest{
			From:    r.From,
			To:      []string{to},
			Subject: subject,
			Text:    body,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/emails")
	if err != nil {
		return ProviderReceipt{}, fmt.Errorf("error connecting to Resend: %w", err)
	}

	if resp.IsError() {
		if apiErr.Message != "" {
			return ProviderReceipt{}, fmt.Errorf("resend error: %s", apiErr.Message)
		}
		return ProviderReceipt{}, fmt.Errorf("resend returned status %d", resp.StatusCode())
	}

	return ProviderReceipt{ID: result.ID, Status: "sent"}, nil
}
