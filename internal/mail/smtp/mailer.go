// Package smtp delivers e-mail over SMTP.
package smtp

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/jordan-wright/email"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// Config configures the SMTP connection.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Mailer implements monitor.Mailer over SMTP with PLAIN auth.
type Mailer struct {
	addr string
	auth smtp.Auth
}

// New builds a Mailer. Auth is skipped when no username is configured.
func New(cfg Config) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	m := &Mailer{addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port))}
	if cfg.Username != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m, nil
}

// Send delivers msg. The SMTP exchange itself cannot be interrupted, so ctx
// is only checked before dialing.
func (m *Mailer) Send(ctx context.Context, msg monitor.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	e := buildEmail(msg)
	err := e.Send(m.addr, m.auth)
	if err != nil && m.auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.Send(m.addr, nil)
	}
	if err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func buildEmail(msg monitor.Message) *email.Email {
	e := email.NewEmail()
	e.From = msg.From
	if msg.FromName != "" {
		e.From = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	e.To = []string{msg.To}
	e.Subject = msg.Subject
	if msg.Text != "" {
		e.Text = []byte(msg.Text)
	}
	if msg.HTML != "" {
		e.HTML = []byte(msg.HTML)
	}
	return e
}
