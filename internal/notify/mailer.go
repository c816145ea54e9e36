package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/logging"
)

var (
	// ErrPermanent marks a delivery error that retrying cannot fix.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrUnavailable means the transport was not tried at all. The entry
	// keeps its attempt count and stays due.
	ErrUnavailable = errors.New("mail transport unavailable")
)

type Message struct {
	To      []string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Render builds the alert mail for a notification log entry.
func Render(entry domain.NotificationLogEntry, recipients []string) Message {
	name, _ := entry.Payload["productName"].(string)
	productID, _ := entry.Payload["productId"].(string)
	if name == "" {
		name = productID
	}
	var body strings.Builder
	fmt.Fprintf(&body, "Product: %s (%s)\r\n", name, productID)
	fmt.Fprintf(&body, "Current stock: %v\r\n", entry.Payload["currentStock"])
	fmt.Fprintf(&body, "Low-stock threshold: %v\r\n", entry.Payload["threshold"])
	fmt.Fprintf(&body, "Detected at: %s\r\n", entry.CreatedAt.UTC().Format(time.RFC3339))
	return Message{
		To:      recipients,
		Subject: fmt.Sprintf("[kiosk] Low stock: %s", name),
		Body:    body.String(),
	}
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPMailer sends plain-text mail, upgrading to TLS when the server offers STARTTLS.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: no recipients", ErrPermanent)
	}
	addr := net.JoinHostPort(m.cfg.Host, fmt.Sprint(m.cfg.Port))

	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("start tls: %w", err)
		}
	}
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %v", ErrPermanent, err)
		}
	}
	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("add recipient %s: %w", to, classifyReply(err))
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("open data: %w", err)
	}
	if _, err := w.Write([]byte(m.build(msg))); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return client.Quit()
}

// classifyReply marks 5xx SMTP replies as permanent; 4xx replies and
// connection errors stay retryable.
func classifyReply(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}

func (m *SMTPMailer) build(msg Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

// LogMailer writes alerts to the log. Used when no SMTP host is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg Message) error {
	logging.Info().Strs("to", msg.To).Str("subject", msg.Subject).Msg("alert mail (log only)")
	return nil
}
