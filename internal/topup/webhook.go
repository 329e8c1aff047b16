package topup

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"followup-engine/internal/channel"
	"followup-engine/internal/metrics"
)

const (
	maxBodyBytes = 64 << 10
	// referenceScope is the dedup namespace top-up references are claimed under.
	referenceScope = "topup"
)

// Crediter adds purchased credits to a balance.
type Crediter interface {
	Credit(ctx context.Context, userID string, ch channel.Channel, amount int64, reason string) (int64, error)
}

// ReferenceClaimer guards against replayed notifications. dedup.Index satisfies it.
type ReferenceClaimer interface {
	MarkSent(ctx context.Context, scope, reference string) (bool, error)
	Release(ctx context.Context, scope, reference string) error
}

// Request is the top-up notification body.
type Request struct {
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

func (r Request) validate() (channel.Channel, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return "", errors.New("user_id is required")
	}
	ch, err := channel.Parse(r.Channel)
	if err != nil {
		return "", err
	}
	if r.Amount <= 0 {
		return "", errors.New("amount must be positive")
	}
	return ch, nil
}

// Response is returned on success.
type Response struct {
	Status    string `json:"status"`
	Balance   int64  `json:"balance"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Handler verifies the billing provider's credentials and credits the ledger.
type Handler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	ledger      Crediter
	references  ReferenceClaimer
}

// NewHandler creates a top-up handler. references may be nil, which disables replay
// protection.
func NewHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, ledger Crediter, references ReferenceClaimer) *Handler {
	return &Handler{
		logger:      logger.With("component", "topup"),
		metrics:     m,
		usernameMD5: strings.ToLower(usernameMD5),
		passwordMD5: strings.ToLower(passwordMD5),
		ledger:      ledger,
		references:  references,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateAuth(r); err != nil {
		h.countError("topup_auth")
		h.logger.Warn("top-up rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		h.countError("topup")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ch, err := req.validate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Apply(r.Context(), req.UserID, ch, req.Amount, req.Reference)
	if err != nil {
		h.countError("topup_process")
		h.logger.Error("failed processing top-up", "user_id", req.UserID, "channel", ch, "reference", req.Reference, "error", err)
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Apply credits amount once per reference. An empty reference is always applied.
func (h *Handler) Apply(ctx context.Context, userID string, ch channel.Channel, amount int64, reference string) (Response, error) {
	if reference != "" && h.references != nil {
		fresh, err := h.references.MarkSent(ctx, referenceScope, reference)
		if err != nil {
			return Response{}, fmt.Errorf("claim reference: %w", err)
		}
		if !fresh {
			h.logger.Info("duplicate top-up ignored", "user_id", userID, "channel", ch, "reference", reference)
			return Response{Status: "ok", Duplicate: true}, nil
		}
	}

	reason := "topup"
	if reference != "" {
		reason = "topup:" + reference
	}
	balance, err := h.ledger.Credit(ctx, userID, ch, amount, reason)
	if err != nil {
		if reference != "" && h.references != nil {
			if rerr := h.references.Release(context.WithoutCancel(ctx), referenceScope, reference); rerr != nil {
				h.logger.Warn("release reference failed", "reference", reference, "error", rerr)
			}
		}
		return Response{}, fmt.Errorf("credit %s/%s: %w", userID, ch, err)
	}
	h.logger.Info("credits topped up", "user_id", userID, "channel", ch, "amount", amount, "balance", balance, "reference", reference)
	return Response{Status: "ok", Balance: balance}, nil
}

func (h *Handler) validateAuth(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		if h.validateSignatureHeader(r) {
			return nil
		}
		return errors.New("missing basic auth")
	}
	if !equalHex(md5Hex(username), h.usernameMD5) {
		return errors.New("invalid username hash")
	}
	if !equalHex(md5Hex(password), h.passwordMD5) {
		return errors.New("invalid password hash")
	}
	return nil
}

func (h *Handler) validateSignatureHeader(r *http.Request) bool {
	signature := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Signature")))
	if signature == "" || h.passwordMD5 == "" {
		return false
	}
	return equalHex(signature, h.passwordMD5)
}

func (h *Handler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
