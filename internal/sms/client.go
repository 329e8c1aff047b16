package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"followup-engine/internal/dispatch"
	"followup-engine/internal/metrics"
)

const (
	formContentType   = "application/x-www-form-urlencoded"
	sendEndpoint      = "/send"
	defaultReceiptTTL = 24 * time.Hour
)

var (
	// ErrInvalidCredential indicates the gateway rejected the API key.
	ErrInvalidCredential = errors.New("sms gateway invalid credential")
	// ErrInvalidRecipient indicates the gateway refused the destination number.
	ErrInvalidRecipient = errors.New("sms gateway invalid recipient")
)

// ReceiptCache remembers receipts by idempotency key. *cache.Redis satisfies it.
type ReceiptCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
}

// Config holds gateway settings.
type Config struct {
	BaseURL  string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

// Client sends SMS through an HTTP form gateway.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	senderID   string
	http       *http.Client
	metrics    *metrics.Metrics
	receipts   ReceiptCache
	receiptTTL time.Duration
}

// responseEnvelope mirrors the gateway's response shape. Status and code arrive as
// booleans, numbers or strings depending on the gateway version.
type responseEnvelope struct {
	Status    bool
	Message   string
	Code      int
	MessageID string
}

func (r *responseEnvelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Message json.RawMessage `json:"message"`
		Code    json.RawMessage `json:"code"`
		Data    struct {
			ID        json.RawMessage `json:"id"`
			MessageID json.RawMessage `json:"message_id"`
		} `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	r.Message = strings.TrimSpace(trimQuotes(a.Message))
	if len(a.Status) != 0 {
		var b bool
		if err := json.Unmarshal(a.Status, &b); err == nil {
			r.Status = b
		} else {
			str := strings.TrimSpace(trimQuotes(a.Status))
			r.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || strings.EqualFold(str, "ok") || str == "1"
		}
	}
	if len(a.Code) != 0 {
		if n, err := strconv.Atoi(strings.TrimSpace(trimQuotes(a.Code))); err == nil {
			r.Code = n
		}
	}
	r.MessageID = trimQuotes(a.Data.MessageID)
	if r.MessageID == "" {
		r.MessageID = trimQuotes(a.Data.ID)
	}
	return nil
}

// New creates a gateway client. receipts may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics, receipts ReceiptCache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:     logger.With("component", "sms"),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		senderID:   cfg.SenderID,
		http:       &http.Client{Timeout: timeout},
		metrics:    m,
		receipts:   receipts,
		receiptTTL: defaultReceiptTTL,
	}
}

// Send satisfies dispatch.Sender. A message whose idempotency key already has a receipt
// is not sent again.
func (c *Client) Send(ctx context.Context, msg dispatch.Message) (dispatch.Receipt, error) {
	if cached, ok := c.cachedReceipt(ctx, msg.IdempotencyKey); ok {
		c.logger.Debug("reusing receipt", "idempotency_key", msg.IdempotencyKey, "provider_id", cached.ProviderID)
		return cached, nil
	}

	values := url.Values{}
	values.Set("api_key", c.apiKey)
	values.Set("to", msg.Recipient)
	values.Set("message", msg.Body)
	if c.senderID != "" {
		values.Set("from", c.senderID)
	}
	if msg.IdempotencyKey != "" {
		values.Set("reference", msg.IdempotencyKey)
	}

	env, err := c.postForm(ctx, sendEndpoint, values)
	if err != nil {
		return dispatch.Receipt{}, err
	}
	receipt := dispatch.Receipt{ProviderID: env.MessageID}
	c.storeReceipt(ctx, msg.IdempotencyKey, receipt)
	return receipt, nil
}

func (c *Client) cachedReceipt(ctx context.Context, key string) (dispatch.Receipt, bool) {
	if c.receipts == nil || key == "" {
		return dispatch.Receipt{}, false
	}
	var r dispatch.Receipt
	ok, err := c.receipts.GetJSON(ctx, receiptKey(key), &r)
	if err != nil {
		c.logger.Warn("receipt lookup failed", "idempotency_key", key, "error", err)
		return dispatch.Receipt{}, false
	}
	return r, ok
}

func (c *Client) storeReceipt(ctx context.Context, key string, r dispatch.Receipt) {
	if c.receipts == nil || key == "" {
		return
	}
	if err := c.receipts.SetJSON(context.WithoutCancel(ctx), receiptKey(key), r, c.receiptTTL); err != nil {
		c.logger.Warn("receipt store failed", "idempotency_key", key, "error", err)
	}
}

func receiptKey(key string) string {
	return "sms:receipt:" + key
}

func (c *Client) postForm(ctx context.Context, endpoint string, values url.Values) (*responseEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, dispatch.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "followup-engine/sms-client")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe(endpoint, "error", time.Since(start))
		return nil, dispatch.Transient(fmt.Errorf("sms request: %w", err))
	}
	defer res.Body.Close()
	c.observe(endpoint, strconv.Itoa(res.StatusCode), time.Since(start))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, dispatch.Transient(fmt.Errorf("read response: %w", err))
	}
	if res.StatusCode >= 400 {
		return nil, classifyHTTPError(res.StatusCode, string(body))
	}

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, dispatch.Transient(fmt.Errorf("decode response: %w", err))
	}
	if !env.Status {
		message := env.Message
		if message == "" {
			message = "sms send failed"
		}
		if env.Code != 0 {
			return nil, classifyHTTPError(env.Code, message)
		}
		return nil, classifyMessage(fmt.Errorf("sms %s error: %s", endpoint, message), message)
	}
	return &env, nil
}

func (c *Client) observe(endpoint, status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.GatewayRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.GatewayLatency.WithLabelValues(endpoint, status).Observe(d.Seconds())
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	lower := strings.ToLower(snippet)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid credential"):
		return dispatch.Permanent(fmt.Errorf("%w: %s", ErrInvalidCredential, snippet))
	case status == http.StatusTooManyRequests || status >= 500:
		return dispatch.Transient(fmt.Errorf("sms gateway error: status=%d body=%s", status, snippet))
	}
	return classifyMessage(fmt.Errorf("sms gateway error: status=%d body=%s", status, snippet), lower)
}

// classifyMessage treats recipient and content rejections as permanent and anything
// else the gateway returns as retryable.
func classifyMessage(err error, message string) error {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "invalid number") ||
		strings.Contains(lower, "invalid recipient") ||
		strings.Contains(lower, "invalid phone") ||
		strings.Contains(lower, "unsubscribed") ||
		strings.Contains(lower, "blacklist") {
		return dispatch.Permanent(fmt.Errorf("%w: %v", ErrInvalidRecipient, err))
	}
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "try again") {
		return dispatch.Transient(err)
	}
	return dispatch.Permanent(err)
}

func trimQuotes(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
