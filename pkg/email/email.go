package email

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// Service sends transactional mail for scheduler reminders. It is an
// out-of-band side channel like push; failures are logged by callers, never
// propagated into state transitions.
type Service interface {
	Send(to, subject, body string) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type service struct {
	dialer *gomail.Dialer
	from   string
}

func NewService(cfg Config) Service {
	return &service{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *service) Send(to, subject, body string) error {
	if to == "" {
		return fmt.Errorf("recipient address is required")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Noop returns a Service that silently drops mail, for deployments without
// an SMTP relay configured.
func Noop() Service {
	return noopService{}
}

type noopService struct{}

func (noopService) Send(_, _, _ string) error { return nil }
