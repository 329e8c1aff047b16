package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"followup-engine/internal/channel"
	"followup-engine/internal/credit"
)

// LoadBalance returns the stored balance, or a zero balance when none exists yet.
func (r *PostgresRepository) LoadBalance(ctx context.Context, userID string, ch channel.Channel) (credit.Balance, error) {
	const q = `
SELECT balance, updated_at
FROM credit_balances
WHERE user_id = $1 AND channel = $2
LIMIT 1;
`
	bal := credit.Balance{UserID: userID, Channel: ch}
	err := r.pool.QueryRow(ctx, q, userID, string(ch)).Scan(&bal.Credits, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return credit.Balance{}, fmt.Errorf("get credit balance: %w", err)
	}
	return bal, nil
}

// SaveBalance writes the new balance and its audit record atomically.
func (r *PostgresRepository) SaveBalance(ctx context.Context, bal credit.Balance, tx credit.Transaction) error {
	return r.WithTx(ctx, func(dbtx pgx.Tx) error {
		const upsert = `
INSERT INTO credit_balances (user_id, channel, balance, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, channel) DO UPDATE SET
    balance = EXCLUDED.balance,
    updated_at = EXCLUDED.updated_at;
`
		if _, err := dbtx.Exec(ctx, upsert, bal.UserID, string(bal.Channel), bal.Credits, bal.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("upsert credit balance: %w", err)
		}
		const audit = `
INSERT INTO credit_transactions (id, user_id, channel, kind, amount, balance, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
		if _, err := dbtx.Exec(ctx, audit, tx.ID, tx.UserID, string(tx.Channel), string(tx.Kind), tx.Amount, tx.Balance, tx.Reason, tx.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		return nil
	})
}

// LoadBalance returns the stored balance, or a zero balance when none exists yet.
func (r *SQLiteRepository) LoadBalance(ctx context.Context, userID string, ch channel.Channel) (credit.Balance, error) {
	const q = `
SELECT balance, updated_at
FROM credit_balances
WHERE user_id = ? AND channel = ?
LIMIT 1;
`
	bal := credit.Balance{UserID: userID, Channel: ch}
	var updated string
	err := r.db.QueryRowContext(ctx, q, userID, string(ch)).Scan(&bal.Credits, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return credit.Balance{}, fmt.Errorf("get credit balance: %w", err)
	}
	if bal.UpdatedAt, err = parseTime(updated); err != nil {
		return credit.Balance{}, err
	}
	return bal, nil
}

// SaveBalance writes the new balance and its audit record atomically.
func (r *SQLiteRepository) SaveBalance(ctx context.Context, bal credit.Balance, tx credit.Transaction) error {
	return r.withTx(ctx, func(dbtx *sql.Tx) error {
		const upsert = `
INSERT INTO credit_balances (user_id, channel, balance, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, channel) DO UPDATE SET
    balance = excluded.balance,
    updated_at = excluded.updated_at;
`
		if _, err := dbtx.ExecContext(ctx, upsert, bal.UserID, string(bal.Channel), bal.Credits, formatTime(bal.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert credit balance: %w", err)
		}
		const audit = `
INSERT INTO credit_transactions (id, user_id, channel, kind, amount, balance, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`
		if _, err := dbtx.ExecContext(ctx, audit, tx.ID, tx.UserID, string(tx.Channel), string(tx.Kind), tx.Amount, tx.Balance, tx.Reason, formatTime(tx.CreatedAt)); err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		return nil
	})
}
