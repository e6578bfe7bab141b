package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tables are defined in schema.sql. Idempotency relies on
// UNIQUE (wallet_id, idempotency_key) in wallet_ledger.

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureWallet(ctx context.Context, tx *sql.Tx, ownerID, currency string, now time.Time) (Wallet, error) {
	const ins = `
INSERT INTO wallets (id, owner_id, currency, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (owner_id) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, ins, uuid.NewString(), ownerID, currency, WalletStatusActive, now); err != nil {
		return Wallet{}, err
	}
	return scanWallet(tx.QueryRowContext(ctx, `
SELECT id, owner_id, currency, status, created_at, updated_at
FROM wallets WHERE owner_id = $1
`, ownerID))
}

func lockWallet(ctx context.Context, tx *sql.Tx, ownerID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per owner.
	const q = `
SELECT id, owner_id, currency, status, created_at, updated_at
FROM wallets
WHERE owner_id = $1
FOR UPDATE
`
	return scanWallet(tx.QueryRowContext(ctx, q, ownerID))
}

func scanWallet(row *sql.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

const selectBalance = `
SELECT owner_id, wallet_id, currency, balance_minor, updated_at
FROM wallet_balances
WHERE owner_id = $1
`

func getBalance(ctx context.Context, db *sql.DB, ownerID string) (Balance, error) {
	return scanBalance(ctx, db, ownerID)
}

func getBalanceTx(ctx context.Context, tx *sql.Tx, ownerID string) (Balance, error) {
	return scanBalance(ctx, tx, ownerID)
}

func scanBalance(ctx context.Context, q queryer, ownerID string) (Balance, error) {
	var b Balance
	if err := q.QueryRowContext(ctx, selectBalance, ownerID).Scan(
		&b.OwnerID,
		&b.WalletID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, walletID, key string) (WalletLedger, bool, error) {
	const q = `
SELECT id, owner_id, wallet_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE wallet_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e WalletLedger
	err := tx.QueryRowContext(ctx, q, walletID, key).Scan(
		&e.ID,
		&e.OwnerID,
		&e.WalletID,
		&e.Type,
		&e.AmountMinor,
		&e.Currency,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WalletLedger{}, false, nil
		}
		return WalletLedger{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e WalletLedger) error {
	const q = `
INSERT INTO wallet_ledger (
  id, owner_id, wallet_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.OwnerID,
		e.WalletID,
		e.Type,
		e.AmountMinor,
		e.Currency,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, ownerID, walletID, currency string, deltaMinor int64, now time.Time) (Balance, error) {
	// Currency stays stable; the wallet lock plus the service-level currency
	// check prevent mismatches.
	const q = `
INSERT INTO wallet_balances (owner_id, wallet_id, currency, balance_minor, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (wallet_id)
DO UPDATE SET balance_minor = wallet_balances.balance_minor + EXCLUDED.balance_minor,
              updated_at = EXCLUDED.updated_at
RETURNING owner_id, wallet_id, currency, balance_minor, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, ownerID, walletID, currency, deltaMinor, now).Scan(
		&b.OwnerID,
		&b.WalletID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertAdminAction(ctx context.Context, tx *sql.Tx, a AdminWalletAction) error {
	const q = `
INSERT INTO admin_wallet_actions (
  id, owner_id, wallet_id, admin_user_id, admin_role, action, reason,
  amount_minor, currency, related_ledger_id, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.OwnerID,
		a.WalletID,
		a.AdminUserID,
		a.AdminRole,
		a.Action,
		a.Reason,
		a.AmountMinor,
		a.Currency,
		a.RelatedLedgerID,
		a.Metadata,
		a.CreatedAt,
	)
	return err
}

func findAdminActionByLedger(ctx context.Context, tx *sql.Tx, walletID, ledgerID string) (AdminWalletAction, bool, error) {
	const q = `
SELECT id, owner_id, wallet_id, admin_user_id, admin_role, action, reason,
       amount_minor, currency, related_ledger_id, metadata, created_at
FROM admin_wallet_actions
WHERE wallet_id = $1 AND related_ledger_id = $2
LIMIT 1
`
	var a AdminWalletAction
	err := tx.QueryRowContext(ctx, q, walletID, ledgerID).Scan(
		&a.ID,
		&a.OwnerID,
		&a.WalletID,
		&a.AdminUserID,
		&a.AdminRole,
		&a.Action,
		&a.Reason,
		&a.AmountMinor,
		&a.Currency,
		&a.RelatedLedgerID,
		&a.Metadata,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminWalletAction{}, false, nil
		}
		return AdminWalletAction{}, false, err
	}
	return a, true, nil
}

func listLedger(ctx context.Context, db *sql.DB, ownerID string, from, to time.Time) ([]WalletLedger, error) {
	const q = `
SELECT id, owner_id, wallet_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE owner_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC
`
	rows, err := db.QueryContext(ctx, q, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WalletLedger
	for rows.Next() {
		var e WalletLedger
		if err := rows.Scan(
			&e.ID,
			&e.OwnerID,
			&e.WalletID,
			&e.Type,
			&e.AmountMinor,
			&e.Currency,
			&e.ExternalRef,
			&e.IdempotencyKey,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
