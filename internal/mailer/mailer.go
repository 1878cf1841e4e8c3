// Package mailer delivers verification and password-reset links.
//
// Delivery is best effort. The token is already stored when a mail is sent,
// and the user can ask for another, so callers log a failed send instead of
// failing the request.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Mailer is the outbound mail collaborator.
type Mailer interface {
	SendVerification(ctx context.Context, to, username, link string) error
	SendPasswordReset(ctx context.Context, to, username, link string) error
}

var (
	verificationTmpl = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html>
<body>
  <p>Hi {{.Username}},</p>
  <p>Confirm your email address by opening the link below.</p>
  <p><a href="{{.Link}}">Verify email</a></p>
  <p>The link expires in {{.Expires}}.</p>
</body>
</html>
`))

	resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body>
  <p>Hi {{.Username}},</p>
  <p>We received a request to reset your password. If it was not you, ignore this email.</p>
  <p><a href="{{.Link}}">Reset password</a></p>
  <p>The link expires in {{.Expires}}.</p>
</body>
</html>
`))
)

type mailData struct {
	Username string
	Link     string
	Expires  string
}

// LogMailer writes links to the log instead of sending mail. It is the
// default when no SMTP server is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerification(ctx context.Context, to, username, link string) error {
	m.logger.InfoContext(ctx, "verification email", slog.String("to", to), slog.String("link", link))
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, to, username, link string) error {
	m.logger.InfoContext(ctx, "password reset email", slog.String("to", to), slog.String("link", link))
	return nil
}

// SMTPConfig configures SMTPMailer. Username empty means no AUTH.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string

	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// SMTPMailer sends HTML mail through an SMTP relay. STARTTLS is used when
// the server offers it.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("mailer: SMTP address %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("mailer: SMTP sender address is required")
	}
	return &SMTPMailer{cfg: cfg, logger: logger, send: smtp.SendMail}, nil
}

func (m *SMTPMailer) SendVerification(ctx context.Context, to, username, link string) error {
	return m.deliver(ctx, to, "Verify your email address", verificationTmpl,
		mailData{Username: username, Link: link, Expires: m.cfg.VerificationTTL.String()})
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, username, link string) error {
	return m.deliver(ctx, to, "Reset your password", resetTmpl,
		mailData{Username: username, Link: link, Expires: m.cfg.ResetTTL.String()})
}

func (m *SMTPMailer) deliver(ctx context.Context, to, subject string, tmpl *template.Template, data mailData) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("mailer: invalid recipient")
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("mailer: rendering %s: %w", tmpl.Name(), err)
	}
	msg := buildMessage(m.cfg.From, to, subject, body.Bytes())

	var a smtp.Auth
	if m.cfg.Username != "" {
		host, _, _ := net.SplitHostPort(m.cfg.Addr)
		a = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	if err := m.send(m.cfg.Addr, a, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("mailer: sending %s to %s: %w", tmpl.Name(), to, err)
	}

	m.logger.InfoContext(ctx, "email sent", slog.String("to", to), slog.String("subject", subject))
	return nil
}

// buildMessage writes headers in a fixed order followed by the HTML body.
func buildMessage(from, to, subject string, body []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}
