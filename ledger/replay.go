package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReplayError reports a failed state reconstruction. It is fatal for the
// query it occurred in, not for the process.
type ReplayError struct {
	TransactionID string
	Err           error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replaying transaction %q: %v", e.TransactionID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// State is the result of folding a transaction's events in append order.
type State struct {
	TransactionID string
	Status        Status

	// BalanceDeltas accumulates the net balance change per account
	// caused by balance_modified events.
	BalanceDeltas map[string]decimal.Decimal

	EventCount    int
	LastEventID   string
	LastEventTime time.Time
}

// ApplyFunc folds a single event into the reconstructed state.
type ApplyFunc func(state *State, e Event) error

// Replay reconstructs the state of a transaction by folding its events in
// append order. A nil apply folds with the default reducer (status
// transitions and accumulated balance deltas). Returns a ReplayError if the
// transaction has no events or a folding step fails.
func (l *Log) Replay(
	ctx context.Context, transactionID string, apply ApplyFunc,
) (*State, error) {
	events, err := l.GetEvents(ctx, transactionID)
	if err != nil {
		return nil, &ReplayError{TransactionID: transactionID, Err: err}
	}
	if len(events) == 0 {
		return nil, &ReplayError{TransactionID: transactionID, Err: ErrNoEvents}
	}
	if apply == nil {
		apply = applyDefault
	}

	state := &State{
		TransactionID: transactionID,
		BalanceDeltas: map[string]decimal.Decimal{},
	}
	for _, e := range events {
		if err := apply(state, e); err != nil {
			return nil, &ReplayError{TransactionID: transactionID, Err: err}
		}
		state.EventCount++
		state.LastEventID = e.EventID
		state.LastEventTime = e.Time
	}
	return state, nil
}

func applyDefault(state *State, e Event) error {
	state.Status = e.Status

	if e.Type != TypeBalanceModified {
		return nil
	}
	// A debit event carries the source account, a credit event the
	// destination account.
	if e.FromAccountID != "" {
		state.BalanceDeltas[e.FromAccountID] =
			state.BalanceDeltas[e.FromAccountID].Sub(e.Amount)
	}
	if e.ToAccountID != "" {
		state.BalanceDeltas[e.ToAccountID] =
			state.BalanceDeltas[e.ToAccountID].Add(e.Amount)
	}
	return nil
}
