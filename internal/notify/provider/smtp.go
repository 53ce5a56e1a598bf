package provider

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// SMTPProvider sends email through a plain SMTP server, typically a local
// relay in development.
type SMTPProvider struct {
	host     string
	port     string
	user     string
	password string
}

// NewSMTPProvider creates an SMTP provider from SMTP_HOST, SMTP_PORT,
// SMTP_USER and SMTP_PASSWORD.
func NewSMTPProvider() *SMTPProvider {
	return &SMTPProvider{
		host:     GetEnvOrDefault("SMTP_HOST", "localhost"),
		port:     GetEnvOrDefault("SMTP_PORT", "1025"),
		user:     GetEnvOrDefault("SMTP_USER", ""),
		password: GetEnvOrDefault("SMTP_PASSWORD", ""),
	}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) IsConfigured() bool { return p.host != "" && p.port != "" }

// Send delivers the email over SMTP.
func (p *SMTPProvider) Send(ctx context.Context, req *EmailRequest) error {
	if len(req.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	var auth smtp.Auth
	if p.user != "" && p.password != "" {
		auth = smtp.PlainAuth("", p.user, p.password, p.host)
	}

	addr := fmt.Sprintf("%s:%s", p.host, p.port)
	msg := buildMessage(req.From, req.To, req.Subject, req.Body)
	if err := smtp.SendMail(addr, auth, req.From, req.To, msg); err != nil {
		return fmt.Errorf("failed to send email via %s: %w", addr, err)
	}

	slog.Info("Email sent via SMTP", "smtp_server", addr, "to", req.To, "subject", req.Subject)
	return nil
}

// buildMessage assembles an RFC 822 message.
func buildMessage(from string, to []string, subject, body string) []byte {
	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}
