package delivery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	defaultSendGridHost = "https://api.sendgrid.com"
	sendGridEndpoint    = "/v3/mail/send"
)

// SendGridSender emails codes through the SendGrid v3 API.
type SendGridSender struct {
	key        string
	host       string
	from       *sgmail.Email
	subjPrefix string
}

func NewSendGridSender(key, host, fromName, fromEmail string) *SendGridSender {
	if host == "" {
		host = defaultSendGridHost
	}
	return &SendGridSender{
		key:        key,
		host:       host,
		from:       sgmail.NewEmail(fromName, fromEmail),
		subjPrefix: "[" + fromName + "] ",
	}
}

func (s *SendGridSender) Channel() string {
	return "email"
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if s.key == "" || s.from.Address == "" {
		return ErrNotConfigured
	}
	if msg.Email == "" {
		return fmt.Errorf("email: missing recipient")
	}

	req := sendgrid.GetRequest(s.key, sendGridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(msg))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("email: request failed status=%d body=%s", res.StatusCode, res.Body)
	}
	return nil
}

func (s *SendGridSender) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = s.subjPrefix + subjectFor(msg.Purpose)
	p.AddTos(sgmail.NewEmail("", msg.Email))

	text := bodyFor(msg)

	m := sgmail.NewV3Mail()
	m.SetFrom(s.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", text),
		sgmail.NewContent("text/html", "<p>"+text+"</p>"),
	)
	return m
}
