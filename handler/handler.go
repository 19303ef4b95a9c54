// Package handler implements the type-specific business rules of the core:
// transfers, payments and investment orders over an external account store.
//
// Handlers are atomic per transaction from the caller's point of view: every
// failure path returns a typed error before any balance mutation, and the
// per-account locks are held for the whole read-modify-write-increment
// sequence so that transactions sharing an account never interleave.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corebank/txcore"
	"github.com/corebank/txcore/ledger"
	"github.com/corebank/txcore/vlock"
)

// ErrMalformedContext is returned when a transaction context is missing
// required fields or carries a non-positive amount.
var ErrMalformedContext = errors.New("malformed transaction context")

// InsufficientFundsError is a business-rule violation: the debited pool
// can't cover the requested amount. It is always surfaced to the caller and
// never retried automatically.
type InsufficientFundsError struct {
	AccountID string
	Pool      string // "balance" or "buying_power"
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s on account %q: requested %s, available %s",
		e.Pool, e.AccountID, e.Requested, e.Available)
}

// AccountStore is the external collaborator owning account state.
// Persistence, schema and currency conversion are its concern.
type AccountStore interface {
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	BuyingPower(ctx context.Context, accountID string) (decimal.Decimal, error)
	SetBuyingPower(ctx context.Context, accountID string, power decimal.Decimal) error
}

// Handlers hosts the business handlers of all supported transaction types.
type Handlers struct {
	log      *slog.Logger
	accounts AccountStore
	ledger   *ledger.Log
	locks    *vlock.Registry
}

func New(
	log *slog.Logger, accounts AccountStore, led *ledger.Log, locks *vlock.Registry,
) *Handlers {
	return &Handlers{log: log, accounts: accounts, ledger: led, locks: locks}
}

// Register registers all handlers with the coordinator.
func (h *Handlers) Register(c *txcore.Coordinator) {
	c.RegisterHandler(txcore.TypeTransfer, h.Transfer)
	c.RegisterHandler(txcore.TypePayment, h.Payment)
	c.RegisterHandler(txcore.TypeInvestmentBuy, h.InvestmentBuy)
	c.RegisterHandler(txcore.TypeInvestmentSell, h.InvestmentSell)
}

// Transfer moves the amount from the source to the destination account.
// Requires both account ids. Fails with InsufficientFundsError before any
// mutation if the source balance can't cover the amount. Emits one debit and
// one credit balance_modified event tagged with the resulting balances.
func (h *Handlers) Transfer(
	ctx context.Context, txn *txcore.TransactionContext,
) error {
	switch {
	case txn.FromAccountID == "" || txn.ToAccountID == "":
		return fmt.Errorf("%w: transfer requires both account ids", ErrMalformedContext)
	case txn.FromAccountID == txn.ToAccountID:
		return fmt.Errorf("%w: transfer accounts must differ", ErrMalformedContext)
	case !txn.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrMalformedContext)
	}

	release := h.locks.Acquire(txn.FromAccountID, txn.ToAccountID)
	defer release()
	h.snapshotVersions(txn, txn.FromAccountID, txn.ToAccountID)

	fromBalance, err := h.accounts.Balance(ctx, txn.FromAccountID)
	if err != nil {
		return fmt.Errorf("reading source balance: %w", err)
	}
	toBalance, err := h.accounts.Balance(ctx, txn.ToAccountID)
	if err != nil {
		return fmt.Errorf("reading destination balance: %w", err)
	}
	if fromBalance.LessThan(txn.Amount) {
		return &InsufficientFundsError{
			AccountID: txn.FromAccountID,
			Pool:      "balance",
			Requested: txn.Amount,
			Available: fromBalance,
		}
	}

	newFrom := fromBalance.Sub(txn.Amount)
	newTo := toBalance.Add(txn.Amount)
	if err := h.accounts.SetBalance(ctx, txn.FromAccountID, newFrom); err != nil {
		return fmt.Errorf("writing source balance: %w", err)
	}
	if err := h.accounts.SetBalance(ctx, txn.ToAccountID, newTo); err != nil {
		h.undoBalance(ctx, txn.FromAccountID, fromBalance)
		return fmt.Errorf("writing destination balance: %w", err)
	}
	h.locks.Increment(txn.FromAccountID)
	h.locks.Increment(txn.ToAccountID)

	if err := h.recordDebit(ctx, txn, txn.FromAccountID, newFrom); err != nil {
		h.undoBalance(ctx, txn.FromAccountID, fromBalance)
		h.undoBalance(ctx, txn.ToAccountID, toBalance)
		return err
	}
	if err := h.recordCredit(ctx, txn, txn.ToAccountID, newTo); err != nil {
		h.undoBalance(ctx, txn.FromAccountID, fromBalance)
		h.undoBalance(ctx, txn.ToAccountID, toBalance)
		return err
	}
	return nil
}

// Payment debits the source account with the same overdraft check as a
// transfer. The payee side is outside this core.
func (h *Handlers) Payment(
	ctx context.Context, txn *txcore.TransactionContext,
) error {
	switch {
	case txn.FromAccountID == "":
		return fmt.Errorf("%w: payment requires a source account", ErrMalformedContext)
	case !txn.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrMalformedContext)
	}

	release := h.locks.Acquire(txn.FromAccountID)
	defer release()
	h.snapshotVersions(txn, txn.FromAccountID)

	balance, err := h.accounts.Balance(ctx, txn.FromAccountID)
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}
	if balance.LessThan(txn.Amount) {
		return &InsufficientFundsError{
			AccountID: txn.FromAccountID,
			Pool:      "balance",
			Requested: txn.Amount,
			Available: balance,
		}
	}

	newBalance := balance.Sub(txn.Amount)
	if err := h.accounts.SetBalance(ctx, txn.FromAccountID, newBalance); err != nil {
		return fmt.Errorf("writing balance: %w", err)
	}
	h.locks.Increment(txn.FromAccountID)

	if err := h.recordDebit(ctx, txn, txn.FromAccountID, newBalance); err != nil {
		h.undoBalance(ctx, txn.FromAccountID, balance)
		return err
	}
	return nil
}

// InvestmentBuy debits the account's buying power and records a filled buy
// order. Fails with InsufficientFundsError if the buying power can't cover
// the order.
func (h *Handlers) InvestmentBuy(
	ctx context.Context, txn *txcore.TransactionContext,
) error {
	switch {
	case txn.FromAccountID == "":
		return fmt.Errorf("%w: buy requires an account", ErrMalformedContext)
	case !txn.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrMalformedContext)
	}

	release := h.locks.Acquire(txn.FromAccountID)
	defer release()
	h.snapshotVersions(txn, txn.FromAccountID)

	power, err := h.accounts.BuyingPower(ctx, txn.FromAccountID)
	if err != nil {
		return fmt.Errorf("reading buying power: %w", err)
	}
	if power.LessThan(txn.Amount) {
		return &InsufficientFundsError{
			AccountID: txn.FromAccountID,
			Pool:      "buying_power",
			Requested: txn.Amount,
			Available: power,
		}
	}

	newPower := power.Sub(txn.Amount)
	if err := h.accounts.SetBuyingPower(ctx, txn.FromAccountID, newPower); err != nil {
		return fmt.Errorf("writing buying power: %w", err)
	}
	h.locks.Increment(txn.FromAccountID)

	err = h.record(ctx, txn, ledger.Event{
		Type:          ledger.TypeBuyOrderFilled,
		FromAccountID: txn.FromAccountID,
		Metadata: map[string]any{
			"resulting_buying_power": newPower.String(),
			"account_version":        h.locks.Version(txn.FromAccountID),
		},
	})
	if err != nil {
		h.undoBuyingPower(ctx, txn.FromAccountID, power)
		return err
	}
	return nil
}

// InvestmentSell records a filled sell order. Credit-side settlement is an
// external collaborator's responsibility.
func (h *Handlers) InvestmentSell(
	ctx context.Context, txn *txcore.TransactionContext,
) error {
	switch {
	case txn.FromAccountID == "":
		return fmt.Errorf("%w: sell requires an account", ErrMalformedContext)
	case !txn.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrMalformedContext)
	}

	h.snapshotVersions(txn, txn.FromAccountID)

	return h.record(ctx, txn, ledger.Event{
		Type:          ledger.TypeSellOrderFilled,
		FromAccountID: txn.FromAccountID,
	})
}

// undoBalance restores a committed balance write after a later step of the
// same transaction failed. The account locks are still held, so the
// intermediate balance was never observable outside the transaction. A failed
// restore is logged; recovery from there is the account store's concern.
func (h *Handlers) undoBalance(
	ctx context.Context, accountID string, balance decimal.Decimal,
) {
	if err := h.accounts.SetBalance(ctx, accountID, balance); err != nil {
		h.log.Error("restoring balance",
			slog.String("account.id", accountID),
			slog.Any("err", err))
		return
	}
	h.locks.Increment(accountID)
}

func (h *Handlers) undoBuyingPower(
	ctx context.Context, accountID string, power decimal.Decimal,
) {
	if err := h.accounts.SetBuyingPower(ctx, accountID, power); err != nil {
		h.log.Error("restoring buying power",
			slog.String("account.id", accountID),
			slog.Any("err", err))
		return
	}
	h.locks.Increment(accountID)
}

func (h *Handlers) snapshotVersions(
	txn *txcore.TransactionContext, accountIDs ...string,
) {
	if txn.Versions == nil {
		txn.Versions = make(map[string]int64, len(accountIDs))
	}
	for _, id := range accountIDs {
		txn.Versions[id] = h.locks.Version(id)
	}
}

func (h *Handlers) recordDebit(
	ctx context.Context, txn *txcore.TransactionContext,
	accountID string, resultingBalance decimal.Decimal,
) error {
	return h.record(ctx, txn, ledger.Event{
		Type:          ledger.TypeBalanceModified,
		FromAccountID: accountID,
		Metadata: map[string]any{
			"direction":         "debit",
			"resulting_balance": resultingBalance.String(),
			"account_version":   h.locks.Version(accountID),
		},
	})
}

func (h *Handlers) recordCredit(
	ctx context.Context, txn *txcore.TransactionContext,
	accountID string, resultingBalance decimal.Decimal,
) error {
	return h.record(ctx, txn, ledger.Event{
		Type:        ledger.TypeBalanceModified,
		ToAccountID: accountID,
		Metadata: map[string]any{
			"direction":         "credit",
			"resulting_balance": resultingBalance.String(),
			"account_version":   h.locks.Version(accountID),
		},
	})
}

func (h *Handlers) record(
	ctx context.Context, txn *txcore.TransactionContext, e ledger.Event,
) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.TransactionID = txn.ID
	e.UserID = txn.UserID
	e.Time = txn.Timestamp()
	e.Amount = txn.Amount
	e.Currency = txn.Currency
	e.Status = ledger.StatusCompleted
	e.PreviousEventID = txn.LastEventID

	if _, err := h.ledger.Append(ctx, e); err != nil {
		return fmt.Errorf("recording %s event: %w", e.Type, err)
	}
	txn.LastEventID = e.EventID
	return nil
}
