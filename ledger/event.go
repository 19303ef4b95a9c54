package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the current event format version. It is stamped onto every
// appended event so that future readers can migrate old payloads.
const SchemaVersion = 1

// EventType identifies what happened.
type EventType string

const (
	TypeTransferInitiated EventType = "transfer_initiated"
	TypeTransferCompleted EventType = "transfer_completed"
	TypeTransferFailed    EventType = "transfer_failed"

	TypePaymentInitiated EventType = "payment_initiated"
	TypePaymentCompleted EventType = "payment_completed"
	TypePaymentFailed    EventType = "payment_failed"

	TypeBuyInitiated EventType = "buy_initiated"
	TypeBuyCompleted EventType = "buy_completed"
	TypeBuyFailed    EventType = "buy_failed"

	TypeSellInitiated EventType = "sell_initiated"
	TypeSellCompleted EventType = "sell_completed"
	TypeSellFailed    EventType = "sell_failed"

	TypeBalanceReserved EventType = "balance_reserved"
	TypeBalanceReleased EventType = "balance_released"
	TypeBalanceModified EventType = "balance_modified"

	TypeBuyOrderFilled  EventType = "buy_order_filled"
	TypeSellOrderFilled EventType = "sell_order_filled"

	TypeProcessingStarted EventType = "processing_started"
)

// Status is the processing status an event was recorded with.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is an immutable record of a single state transition.
// Once appended onto the log no field is ever mutated.
type Event struct {
	EventID       string          `json:"event_id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Type          EventType       `json:"event_type"`
	Time          time.Time       `json:"timestamp"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FromAccountID string          `json:"from_account_id,omitempty"`
	ToAccountID   string          `json:"to_account_id,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Status        Status          `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`

	// PreviousEventID chains events of the same transaction in causal order.
	PreviousEventID string `json:"previous_event_id,omitempty"`

	SchemaVersion int `json:"schema_version"`
}
