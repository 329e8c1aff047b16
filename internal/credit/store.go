package credit

import (
	"context"
	"sync"
	"time"

	"followup-engine/internal/channel"
)

// Balance is the remaining credit of one user on one channel.
type Balance struct {
	UserID    string
	Channel   channel.Channel
	Credits   int64
	UpdatedAt time.Time
}

// TransactionKind distinguishes debits from credits in the audit trail.
type TransactionKind string

const (
	KindDebit  TransactionKind = "debit"
	KindCredit TransactionKind = "credit"
)

// Transaction is the audit record appended with every balance mutation.
type Transaction struct {
	ID        string
	UserID    string
	Channel   channel.Channel
	Kind      TransactionKind
	Amount    int64
	Balance   int64
	Reason    string
	CreatedAt time.Time
}

// Store persists balances. LoadBalance returns a zero balance for unknown keys.
// SaveBalance must write the balance and its transaction atomically.
type Store interface {
	LoadBalance(ctx context.Context, userID string, ch channel.Channel) (Balance, error)
	SaveBalance(ctx context.Context, bal Balance, tx Transaction) error
}

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[Key]Balance
	txs      []Transaction
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[Key]Balance)}
}

// Set seeds a balance without recording a transaction.
func (s *MemoryStore) Set(userID string, ch channel.Channel, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[Key{UserID: userID, Channel: ch}] = Balance{UserID: userID, Channel: ch, Credits: credits, UpdatedAt: time.Now().UTC()}
}

func (s *MemoryStore) LoadBalance(_ context.Context, userID string, ch channel.Channel) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[Key{UserID: userID, Channel: ch}]
	if !ok {
		return Balance{UserID: userID, Channel: ch}, nil
	}
	return bal, nil
}

func (s *MemoryStore) SaveBalance(_ context.Context, bal Balance, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[Key{UserID: bal.UserID, Channel: bal.Channel}] = bal
	s.txs = append(s.txs, tx)
	return nil
}

// Transactions returns a copy of the recorded audit trail.
func (s *MemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.txs))
	copy(out, s.txs)
	return out
}
