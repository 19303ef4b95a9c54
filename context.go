package txcore

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/corebank/txcore/ledger"
)

// TransactionType identifies which registered handler processes a transaction.
type TransactionType string

const (
	TypeTransfer       TransactionType = "transfer"
	TypePayment        TransactionType = "payment"
	TypeInvestmentBuy  TransactionType = "investment_buy"
	TypeInvestmentSell TransactionType = "investment_sell"
)

// State is the lifecycle state of a transaction context.
// Terminal states are final, no further mutation happens after them.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TransactionContext is the mutable coordination record of a single logical
// transaction. It is created on submission and mutated only by the
// coordinator and the handler on that transaction's own worker path.
// Once terminal it is retired into the coordinator's completed collection.
type TransactionContext struct {
	ID            string
	UserID        string
	Type          TransactionType
	Amount        decimal.Decimal
	Currency      string
	FromAccountID string
	ToAccountID   string
	Description   string
	Metadata      map[string]any

	State       State
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Err         string

	// Versions is the per-account version snapshot taken by the handler
	// at read time.
	Versions map[string]int64

	// LastEventID chains this transaction's ledger events in causal order.
	LastEventID string
}

// Timestamp returns the context's own timestamp for emitted events:
// the processing start time, falling back to the creation time.
func (t *TransactionContext) Timestamp() time.Time {
	if !t.StartedAt.IsZero() {
		return t.StartedAt
	}
	return t.CreatedAt
}

func initiatedEventType(t TransactionType) ledger.EventType {
	switch t {
	case TypePayment:
		return ledger.TypePaymentInitiated
	case TypeInvestmentBuy:
		return ledger.TypeBuyInitiated
	case TypeInvestmentSell:
		return ledger.TypeSellInitiated
	}
	return ledger.TypeTransferInitiated
}

func completedEventType(t TransactionType) ledger.EventType {
	switch t {
	case TypePayment:
		return ledger.TypePaymentCompleted
	case TypeInvestmentBuy:
		return ledger.TypeBuyCompleted
	case TypeInvestmentSell:
		return ledger.TypeSellCompleted
	}
	return ledger.TypeTransferCompleted
}

func failedEventType(t TransactionType) ledger.EventType {
	switch t {
	case TypePayment:
		return ledger.TypePaymentFailed
	case TypeInvestmentBuy:
		return ledger.TypeBuyFailed
	case TypeInvestmentSell:
		return ledger.TypeSellFailed
	}
	return ledger.TypeTransferFailed
}
