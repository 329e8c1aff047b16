package mail

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"followup-engine/internal/dispatch"
	"followup-engine/internal/metrics"
)

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Client sends email over SMTP, one connection per message.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  net.Dialer
}

// New creates an SMTP client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("component", "mail"),
		metrics: m,
		dialer:  net.Dialer{Timeout: cfg.Timeout},
	}
}

// Send satisfies dispatch.Sender. The Message-ID is derived from the idempotency key so
// a retried message carries the same id.
func (c *Client) Send(ctx context.Context, msg dispatch.Message) (dispatch.Receipt, error) {
	messageID := MessageID(msg.IdempotencyKey, c.cfg.Host)
	start := time.Now()
	err := c.deliver(ctx, msg, messageID)
	c.observe(err, time.Since(start))
	if err != nil {
		return dispatch.Receipt{}, classify(err)
	}
	return dispatch.Receipt{ProviderID: messageID}, nil
}

func (c *Client) deliver(ctx context.Context, msg dispatch.Message, messageID string) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.Recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(c.cfg.From, msg, messageID)); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return client.Quit()
}

func (c *Client) observe(err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "250"
	if err != nil {
		status = "error"
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			status = strconv.Itoa(tpErr.Code)
		}
	}
	c.metrics.GatewayRequests.WithLabelValues("smtp", status).Inc()
	c.metrics.GatewayLatency.WithLabelValues("smtp", status).Observe(d.Seconds())
}

// classify maps SMTP replies onto retry semantics: 5xx is final, 4xx and network
// failures are retryable.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return dispatch.Permanent(err)
		}
		return dispatch.Transient(err)
	}
	return dispatch.Transient(err)
}

// MessageID returns a stable Message-ID for an idempotency key.
func MessageID(key, host string) string {
	if host == "" {
		host = "localhost"
	}
	sum := sha1.Sum([]byte(key))
	return "<" + hex.EncodeToString(sum[:]) + "@" + host + ">"
}

func buildMessage(from string, msg dispatch.Message, messageID string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.Recipient + "\r\n")
	if msg.Subject != "" {
		b.WriteString("Subject: " + sanitizeHeader(msg.Subject) + "\r\n")
	}
	b.WriteString("Message-ID: " + messageID + "\r\n")
	if msg.IdempotencyKey != "" {
		b.WriteString("X-Idempotency-Key: " + sanitizeHeader(msg.IdempotencyKey) + "\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
