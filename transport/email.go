package transport

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/coregx/notify"
	"github.com/coregx/notify/model"
)

// DefaultEmailSubject is used when the published message has no subject.
const DefaultEmailSubject = "Notification"

// SMTPConfig holds the SMTP server settings.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

// mailSender abstracts the sending mechanism for testing.
type mailSender interface {
	send(from, to string, msg []byte) error
}

type smtpSender struct {
	config SMTPConfig
}

func (s *smtpSender) send(from, to string, msg []byte) error {
	var auth smtp.Auth
	if s.config.User != "" {
		auth = smtp.PlainAuth("", s.config.User, s.config.Password, s.config.Host)
	}
	return smtp.SendMail(s.config.Host+":"+s.config.Port, auth, from, []string{to}, msg)
}

// Email delivers to email and email-json endpoints. The email protocol sends
// the body as plain text; email-json sends it with a JSON content type.
type Email struct {
	from   string
	sender mailSender
}

// NewEmail creates an SMTP email transport.
func NewEmail(config SMTPConfig) (*Email, error) {
	if config.Host == "" || config.Port == "" {
		return nil, fmt.Errorf("smtp host and port are required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("from address is required")
	}
	return &Email{from: config.From, sender: &smtpSender{config: config}}, nil
}

// Deliver implements notify.Transport. The SMTP exchange is not cancellable;
// ctx is only checked before it starts.
func (e *Email) Deliver(ctx context.Context, req notify.DeliveryRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(req.Endpoint, "\r\n") {
		return fmt.Errorf("invalid recipient address")
	}

	contentType := "text/plain; charset=UTF-8"
	if req.Protocol == model.ProtocolEmailJSON {
		contentType = "application/json; charset=UTF-8"
	}

	subject := req.Subject
	switch req.MessageType {
	case model.MessageTypeSubscriptionConfirmation:
		subject = "Subscription Confirmation"
	case model.MessageTypeUnsubscribeConfirmation:
		subject = "Unsubscribe Confirmation"
	}
	if subject == "" {
		subject = DefaultEmailSubject
	}
	subject = strings.NewReplacer("\r", " ", "\n", " ").Replace(subject)

	var b strings.Builder
	b.WriteString("From: " + e.from + "\r\n")
	b.WriteString("To: " + req.Endpoint + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n")
	if req.MessageID != "" {
		b.WriteString("X-Cns-Message-Id: " + req.MessageID + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(req.Body)

	if err := e.sender.send(e.from, req.Endpoint, []byte(b.String())); err != nil {
		return fmt.Errorf("send to %s: %w", req.Endpoint, err)
	}
	return nil
}
