package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/zkemails/zkemails/internal/model"
)

const smtpDialTimeout = 30 * time.Second

// sendSMTP composes the MIME message and delivers it to every recipient
// in one SMTP transaction. BCC recipients receive the message but never
// appear in its headers.
func sendSMTP(_ context.Context, cfg model.AccountConfig, password string, msg *Outgoing) error {
	body, err := buildMIME(msg)
	if err != nil {
		return fmt.Errorf("composing message: %w", err)
	}

	recipients := msg.Recipients
	if len(recipients) == 0 {
		recipients = make([]string, 0, len(msg.To)+len(msg.CC)+len(msg.BCC))
		recipients = append(recipients, msg.To...)
		recipients = append(recipients, msg.CC...)
		recipients = append(recipients, msg.BCC...)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	addr := cfg.SMTPHost + ":" + cfg.SMTPPort

	if cfg.SMTPTLS {
		return sendSMTPWithTLS(addr, cfg, password, msg.From, recipients, body)
	}
	return sendSMTPWithStartTLS(addr, cfg, password, msg.From, recipients, body)
}

// sendSMTPWithTLS sends an email over an implicit TLS connection.
func sendSMTPWithTLS(
	addr string, cfg model.AccountConfig, password string,
	from string, to []string, body []byte,
) error {
	tlsConfig := &tls.Config{ServerName: cfg.SMTPHost}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := authenticate(client, cfg, password); err != nil {
		return err
	}

	return sendMailViaSMTPClient(client, from, to, body)
}

// sendSMTPWithStartTLS sends an email using STARTTLS.
func sendSMTPWithStartTLS(
	addr string, cfg model.AccountConfig, password string,
	from string, to []string, body []byte,
) error {
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: cfg.SMTPHost}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	if err := authenticate(client, cfg, password); err != nil {
		return err
	}

	return sendMailViaSMTPClient(client, from, to, body)
}

// authenticate runs PLAIN auth, surfacing credential failures as
// AuthError so callers can tell them apart from transient transport
// errors.
func authenticate(client *smtp.Client, cfg model.AccountConfig, password string) error {
	auth := smtp.PlainAuth("", cfg.LoginUser(), password, cfg.SMTPHost)
	if err := client.Auth(auth); err != nil {
		if strings.Contains(err.Error(), "535") {
			return &AuthError{
				Account: cfg.Email,
				Message: fmt.Sprintf("SMTP authentication failed for %s: %v", cfg.LoginUser(), err),
			}
		}
		return fmt.Errorf("SMTP auth: %w", err)
	}
	return nil
}

// sendMailViaSMTPClient sends a message using an already-authenticated
// SMTP client.
func sendMailViaSMTPClient(
	client *smtp.Client, from string, to []string, body []byte,
) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}

	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}

	if _, err := writer.Write(body); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}

	return client.Quit()
}
