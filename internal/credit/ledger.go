package credit

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"followup-engine/internal/channel"
	"followup-engine/internal/metrics"
)

const stripeCount = 64

// Key identifies one balance.
type Key struct {
	UserID  string
	Channel channel.Channel
}

// EventKind names a budget transition.
type EventKind string

const (
	EventPause  EventKind = "pause"
	EventResume EventKind = "resume"
)

// Event asks listeners to pause or resume every campaign of a user on a channel.
type Event struct {
	Kind    EventKind
	UserID  string
	Channel channel.Channel
	Balance int64
	At      time.Time
}

// Listener receives budget events. Implementations must not call back into the Ledger.
type Listener interface {
	HandleCreditEvent(ctx context.Context, evt Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, evt Event) error

func (f ListenerFunc) HandleCreditEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Result describes the outcome of CheckAndDebit.
type Result struct {
	Granted   bool
	Remaining int64
}

// Ledger serializes balance mutations per (user, channel). Unrelated keys proceed in parallel
// unless they hash to the same stripe.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	locks  [stripeCount]sync.Mutex
	notify [stripeCount]sync.Mutex

	mu        sync.Mutex
	listeners []Listener
	paused    map[Key]bool
}

// NewLedger builds a Ledger on top of store.
func NewLedger(store Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		logger:  logger.With("component", "credit"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		paused:  make(map[Key]bool),
	}
}

// Subscribe registers a listener for pause and resume events.
func (l *Ledger) Subscribe(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, userID string, ch channel.Channel) (int64, error) {
	bal, err := l.store.LoadBalance(ctx, userID, ch)
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return bal.Credits, nil
}

// CheckAndDebit debits amount when the balance covers it. A debit that cannot be covered
// returns a DeclinedError and leaves the balance untouched.
func (l *Ledger) CheckAndDebit(ctx context.Context, userID string, ch channel.Channel, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	key := Key{UserID: userID, Channel: ch}
	stripe := stripeOf(key)
	l.locks[stripe].Lock()

	bal, err := l.store.LoadBalance(ctx, userID, ch)
	if err != nil {
		l.locks[stripe].Unlock()
		l.observe("debit", "error")
		return Result{}, fmt.Errorf("load balance: %w", err)
	}

	if bal.Credits < amount {
		l.observe("debit", "declined")
		l.emit(ctx, stripe, &l.locks[stripe], Event{Kind: EventPause, UserID: userID, Channel: ch, Balance: bal.Credits, At: l.now()})
		return Result{Granted: false, Remaining: bal.Credits}, &DeclinedError{UserID: userID, Channel: ch, Requested: amount, Available: bal.Credits}
	}

	remaining := bal.Credits - amount
	if err := l.save(ctx, bal, KindDebit, amount, remaining, "dispatch"); err != nil {
		l.locks[stripe].Unlock()
		l.observe("debit", "error")
		return Result{}, err
	}
	l.observe("debit", "granted")

	if remaining == 0 {
		l.emit(ctx, stripe, &l.locks[stripe], Event{Kind: EventPause, UserID: userID, Channel: ch, Balance: 0, At: l.now()})
	} else {
		l.locks[stripe].Unlock()
	}
	return Result{Granted: true, Remaining: remaining}, nil
}

// Admit debits min(want, balance) in one serialized step and returns the granted count.
// A partial or empty grant leaves the balance at zero and pauses the user's campaigns.
func (l *Ledger) Admit(ctx context.Context, userID string, ch channel.Channel, want int64) (granted int64, remaining int64, err error) {
	if want <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	key := Key{UserID: userID, Channel: ch}
	stripe := stripeOf(key)
	l.locks[stripe].Lock()

	bal, err := l.store.LoadBalance(ctx, userID, ch)
	if err != nil {
		l.locks[stripe].Unlock()
		l.observe("admit", "error")
		return 0, 0, fmt.Errorf("load balance: %w", err)
	}

	granted = min(want, bal.Credits)
	remaining = bal.Credits - granted
	if granted > 0 {
		if err := l.save(ctx, bal, KindDebit, granted, remaining, "admit"); err != nil {
			l.locks[stripe].Unlock()
			l.observe("admit", "error")
			return 0, bal.Credits, err
		}
	}

	switch {
	case granted == want:
		l.observe("admit", "granted")
	case granted > 0:
		l.observe("admit", "partial")
	default:
		l.observe("admit", "declined")
	}

	if remaining == 0 {
		l.emit(ctx, stripe, &l.locks[stripe], Event{Kind: EventPause, UserID: userID, Channel: ch, Balance: 0, At: l.now()})
	} else {
		l.locks[stripe].Unlock()
	}
	return granted, remaining, nil
}

// Credit adds amount to the balance. Raising an empty or paused budget emits a resume event.
func (l *Ledger) Credit(ctx context.Context, userID string, ch channel.Channel, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	key := Key{UserID: userID, Channel: ch}
	stripe := stripeOf(key)
	l.locks[stripe].Lock()

	bal, err := l.store.LoadBalance(ctx, userID, ch)
	if err != nil {
		l.locks[stripe].Unlock()
		l.observe("credit", "error")
		return 0, fmt.Errorf("load balance: %w", err)
	}

	updated := bal.Credits + amount
	if err := l.save(ctx, bal, KindCredit, amount, updated, reason); err != nil {
		l.locks[stripe].Unlock()
		l.observe("credit", "error")
		return 0, err
	}
	l.observe("credit", "ok")

	if bal.Credits == 0 || l.isPaused(key) {
		l.emit(ctx, stripe, &l.locks[stripe], Event{Kind: EventResume, UserID: userID, Channel: ch, Balance: updated, At: l.now()})
	} else {
		l.locks[stripe].Unlock()
	}
	return updated, nil
}

func (l *Ledger) save(ctx context.Context, bal Balance, kind TransactionKind, amount, updated int64, reason string) error {
	now := l.now()
	next := Balance{UserID: bal.UserID, Channel: bal.Channel, Credits: updated, UpdatedAt: now}
	tx := Transaction{
		ID:        uuid.NewString(),
		UserID:    bal.UserID,
		Channel:   bal.Channel,
		Kind:      kind,
		Amount:    amount,
		Balance:   updated,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := l.store.SaveBalance(ctx, next, tx); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

// emit delivers evt to every listener. The notify lock of the stripe is taken before the
// balance lock is released, so events of one key reach listeners in mutation order.
func (l *Ledger) emit(ctx context.Context, stripe int, held *sync.Mutex, evt Event) {
	l.notify[stripe].Lock()
	held.Unlock()
	defer l.notify[stripe].Unlock()

	key := Key{UserID: evt.UserID, Channel: evt.Channel}
	l.mu.Lock()
	l.paused[key] = evt.Kind == EventPause
	if !l.paused[key] {
		delete(l.paused, key)
	}
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()

	l.logger.Info("budget event", "event", evt.Kind, "user_id", evt.UserID, "channel", evt.Channel, "balance", evt.Balance)
	for _, listener := range listeners {
		if err := listener.HandleCreditEvent(ctx, evt); err != nil {
			l.logger.Error("credit listener failed", "event", evt.Kind, "user_id", evt.UserID, "channel", evt.Channel, "error", err)
			if l.metrics != nil {
				l.metrics.Errors.WithLabelValues("credit").Inc()
			}
		}
	}
}

func (l *Ledger) isPaused(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused[key]
}

func (l *Ledger) observe(op, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.CreditOperations.WithLabelValues(op, outcome).Inc()
}

func stripeOf(key Key) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.UserID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Channel))
	return int(h.Sum32() % stripeCount)
}
