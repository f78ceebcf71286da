package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// ProviderReceipt is what a provider hands back for an accepted message
type ProviderReceipt struct {
	ID     string
	Status string
}

// SmsProvider delivers one SMS
type SmsProvider interface {
	SendSms(ctx context.Context, to, body string) (ProviderReceipt, error)
}

// TwilioClient sends SMS through the Twilio Messages REST API
type TwilioClient struct {
	AccountSID string
	AuthToken  string
	From       string
	client     *resty.Client
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// NewTwilioClient builds a client. An empty baseURL means the public Twilio API.
func NewTwilioClient(accountSID, authToken, from, baseURL string, timeout time.Duration) *TwilioClient {
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(accountSID, authToken).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &TwilioClient{
		AccountSID: accountSID,
		AuthToken:  authToken,
		From:       from,
		client:     client,
	}
}

func (t *TwilioClient) SendSms(ctx context.Context, to, body string) (ProviderReceipt, error) {
	if t.AccountSID == "" || t.AuthToken == "" {
		return ProviderReceipt{}, fmt.Errorf("missing Twilio credentials")
	}
	if t.From == "" {
		return ProviderReceipt{}, fmt.Errorf("missing TWILIO_PHONE_NUMBER")
	}

	var result twilioMessage
	var apiErr twilioError

	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"From": t.From,
			"To":   to,
			"Body": body,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", t.AccountSID))
	if err != nil {
		return ProviderReceipt{}, fmt.Errorf("error connecting to Twilio: %w", err)
	}

	if resp.IsError() {
		if apiErr.Message != "" {
			return ProviderReceipt{}, fmt.Errorf("twilio error %d: %s", apiErr.Code, apiErr.Message)
		}
		return ProviderReceipt{}, fmt.Errorf("twilio returned status %d", resp.StatusCode())
	}

	return ProviderReceipt{ID: result.SID, Status: result.Status}, nil
}
