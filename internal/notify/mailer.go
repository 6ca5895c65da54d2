// Package notify delivers operator alerts by mail: duplicate escalations
// from the reconciler and failure reports from the sync pipeline.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer sends one message. The SMTP implementation is behind this interface
// so alert logic is testable without a mail server.
type Mailer interface {
	Send(to []string, subject, body string) error
}

// SMTPMailer delivers through a plain relay, no auth. Deployments run a local
// forwarder.
type SMTPMailer struct {
	Server string // host:port
	From   string
}

func (m *SMTPMailer) Send(to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients for %q", subject)
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(m.Server, nil, m.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", m.Server, err)
	}
	return nil
}

// MockMailer is a mock implementation for testing
type MockMailer struct {
	SendFunc func(to []string, subject, body string) error

	// Track calls
	SendCalls []struct {
		To      []string
		Subject string
		Body    string
	}
}

// NewMockMailer creates a new mock mailer
func NewMockMailer() *MockMailer {
	return &MockMailer{}
}

func (m *MockMailer) Send(to []string, subject, body string) error {
	m.SendCalls = append(m.SendCalls, struct {
		To      []string
		Subject string
		Body    string
	}{to, subject, body})
	if m.SendFunc != nil {
		return m.SendFunc(to, subject, body)
	}
	return nil
}
