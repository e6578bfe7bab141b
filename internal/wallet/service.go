package wallet

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/google/uuid"
)

//go:embed schema.sql
var Schema string

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations are executed in a DB transaction
//
// Ownership invariant:
// - owner_id is required and enforced in all queries; an owner has one wallet
//
// Balance strategy:
//   - Balance is stored in a projection table (wallet_balances) updated atomically
//     alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

type Balance struct {
	OwnerID      string    `json:"owner_id"`
	WalletID     string    `json:"wallet_id"`
	Currency     string    `json:"currency"`
	BalanceMinor int64     `json:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type DebitRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

type AdminCreditRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
)

func (s *Service) GetBalance(ctx context.Context, ownerID string) (Balance, error) {
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, ownerID)
}

// ListLedger returns the owner's ledger entries with from <= created_at < to.
func (s *Service) ListLedger(ctx context.Context, ownerID string, from, to time.Time) ([]WalletLedger, error) {
	if ownerID == "" || !to.After(from) {
		return nil, ErrInvalidArgument
	}
	return listLedger(ctx, s.db, ownerID, from, to)
}

// EnsureWallet returns the owner's wallet, creating it with a zero balance
// when missing. Campaign creation opens the owner's wallet this way.
func (s *Service) EnsureWallet(ctx context.Context, ownerID, currency string) (Wallet, error) {
	if ownerID == "" || currency == "" {
		return Wallet{}, ErrInvalidArgument
	}
	var out Wallet
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := ensureWallet(ctx, tx, ownerID, currency, s.clock().UTC())
		out = w
		return err
	})
	return out, err
}

// credit posts a credit entry and moves the balance projection inside tx. A
// replayed idempotency key returns the original entry with replay set.
func credit(ctx context.Context, tx *sql.Tx, ownerID string, req CreditRequest, now time.Time) (entry WalletLedger, bal Balance, replay bool, err error) {
	w, err := lockWallet(ctx, tx, ownerID)
	if err != nil {
		return WalletLedger{}, Balance{}, false, err
	}
	if w.Currency != req.Currency {
		return WalletLedger{}, Balance{}, false, ErrInvalidArgument
	}

	if existing, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, false, err
	} else if ok {
		bal, err := getBalanceTx(ctx, tx, ownerID)
		return existing, bal, true, err
	}

	entry = WalletLedger{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		WalletID:       w.ID,
		Type:           LedgerEntryTypeCredit,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	if err := insertLedger(ctx, tx, entry); err != nil {
		return WalletLedger{}, Balance{}, false, err
	}
	bal, err = applyBalanceDelta(ctx, tx, ownerID, w.ID, req.Currency, req.AmountMinor, now)
	if err != nil {
		return WalletLedger{}, Balance{}, false, err
	}
	return entry, bal, false, nil
}

func (s *Service) Debit(ctx context.Context, ownerID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}
	if req.AmountMinor <= 0 {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if w.Currency != req.Currency {
			return ErrInvalidArgument
		}

		if existing, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			outBal, err = getBalanceTx(ctx, tx, ownerID)
			return err
		}

		b, err := getBalanceTx(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		if b.BalanceMinor < req.AmountMinor {
			return ErrInsufficientFunds
		}

		entry := WalletLedger{
			ID:             uuid.NewString(),
			OwnerID:        ownerID,
			WalletID:       w.ID,
			Type:           LedgerEntryTypeDebit,
			AmountMinor:    -req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}
		out, err := applyBalanceDelta(ctx, tx, ownerID, w.ID, req.Currency, -req.AmountMinor, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = out
		return nil
	})

	return outLedger, outBal, err
}

// AdminManualCredit tops up an owner's wallet, creating the wallet on first use.
func (s *Service) AdminManualCredit(ctx context.Context, ownerID, adminUserID, adminRole string, req AdminCreditRequest) (AdminWalletAction, WalletLedger, Balance, error) {
	if adminUserID == "" || adminRole == "" {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if req.Reason == "" {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, ErrInvalidArgument
	}
	if err := validateMoneyReq(ownerID, req.AmountMinor, req.Currency, req.IdempotencyKey); err != nil {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, err
	}
	if req.AmountMinor <= 0 {
		return AdminWalletAction{}, WalletLedger{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var outAction AdminWalletAction
	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := ensureWallet(ctx, tx, ownerID, req.Currency, now); err != nil {
			return err
		}
		entry, bal, replay, err := credit(ctx, tx, ownerID, CreditRequest{
			AmountMinor:    req.AmountMinor,
			Currency:       req.Currency,
			ExternalRef:    "admin_manual_credit",
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		}, now)
		if err != nil {
			return err
		}
		outLedger, outBal = entry, bal

		if replay {
			act, ok, err := findAdminActionByLedger(ctx, tx, entry.WalletID, entry.ID)
			if err != nil {
				return err
			}
			if ok {
				outAction = act
			}
			return nil
		}

		action := AdminWalletAction{
			ID:              uuid.NewString(),
			OwnerID:         ownerID,
			WalletID:        entry.WalletID,
			AdminUserID:     adminUserID,
			AdminRole:       adminRole,
			Action:          AdminWalletActionTypeAdjustBalance,
			Reason:          req.Reason,
			AmountMinor:     req.AmountMinor,
			Currency:        req.Currency,
			RelatedLedgerID: entry.ID,
			Metadata:        req.Metadata,
			CreatedAt:       now,
		}
		if err := insertAdminAction(ctx, tx, action); err != nil {
			return err
		}
		outAction = action
		return nil
	})

	return outAction, outLedger, outBal, err
}

func validateMoneyReq(ownerID string, amountMinor int64, currency, idempotencyKey string) error {
	if ownerID == "" || currency == "" || idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor == 0 {
		return ErrInvalidArgument
	}
	return nil
}
