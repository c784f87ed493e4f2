package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSMSLocalURL = "https://api.smslocal.com/api/v1"
	smsClientTimeout   = 15 * time.Second
)

// SMSLocalSender sends codes through the SMS Local OTP route.
type SMSLocalSender struct {
	APIKey     string
	BaseURL    string
	Sender     string
	HTTPClient *http.Client
}

func NewSMSLocalSender(apiKey, baseURL, sender string) *SMSLocalSender {
	if baseURL == "" {
		baseURL = defaultSMSLocalURL
	}
	return &SMSLocalSender{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		Sender:     sender,
		HTTPClient: &http.Client{Timeout: smsClientTimeout},
	}
}

func (s *SMSLocalSender) Channel() string {
	return "sms"
}

func (s *SMSLocalSender) Send(ctx context.Context, msg Message) error {
	if s.APIKey == "" {
		return ErrNotConfigured
	}
	phone := digitsOnly(msg.Phone)
	if phone == "" {
		return fmt.Errorf("sms: missing phone number")
	}

	body := map[string]any{
		"route":     "otp",
		"numbers":   phone,
		"variables": msg.Code,
	}
	if s.Sender != "" {
		body["sender_id"] = s.Sender
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", s.APIKey)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func digitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
