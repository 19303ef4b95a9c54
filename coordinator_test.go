package txcore_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/corebank/txcore"
	"github.com/corebank/txcore/db/dbmem"
	"github.com/corebank/txcore/ledger"
)

func makeCoordinator(
	t *testing.T, queueCapacity, workers int,
) (*txcore.Coordinator, *ledger.Log) {
	t.Helper()
	led := ledger.New(slog.Default(), dbmem.New())
	c, err := txcore.Make(slog.Default(), led, queueCapacity, workers)
	require.NoError(t, err)
	return c, led
}

// run starts the coordinator and returns a stop function that hard-cancels
// it and waits for Run to return.
func run(t *testing.T, c *txcore.Coordinator) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return c.Run(ctx, ctx) })
	return func() {
		cancel()
		require.ErrorIs(t, g.Wait(), context.Canceled)
	}
}

func transfer(id string) *txcore.TransactionContext {
	return &txcore.TransactionContext{
		ID:            id,
		UserID:        "user-1",
		Type:          txcore.TypeTransfer,
		Amount:        decimal.NewFromInt(100),
		Currency:      "USD",
		FromAccountID: "acc-a",
		ToAccountID:   "acc-b",
	}
}

func requireState(
	t *testing.T, c *txcore.Coordinator, transactionID string, want txcore.State,
) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := c.Status(transactionID)
		return ok && state == want
	}, time.Second, time.Millisecond,
		"transaction %q never reached state %q", transactionID, want)
}

func TestLifecycle(t *testing.T) {
	c, led := makeCoordinator(t, 0, 1)
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			return nil
		})
	stop := run(t, c)
	defer stop()

	id, err := c.Submit(t.Context(), transfer(""))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	requireState(t, c, id, txcore.StateCompleted)

	txn, ok := c.Transaction(id)
	require.True(t, ok)
	require.Equal(t, txcore.StateCompleted, txn.State)
	require.False(t, txn.CreatedAt.IsZero())
	require.False(t, txn.StartedAt.IsZero())
	require.False(t, txn.CompletedAt.IsZero())
	require.Empty(t, txn.Err)

	// Every lifecycle step leaves a ledger event, chained in causal order.
	events, err := led.GetEvents(t.Context(), id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, ledger.TypeTransferInitiated, events[0].Type)
	require.Equal(t, ledger.TypeProcessingStarted, events[1].Type)
	require.Equal(t, ledger.TypeTransferCompleted, events[2].Type)
	require.Empty(t, events[0].PreviousEventID)
	require.Equal(t, events[0].EventID, events[1].PreviousEventID)
	require.Equal(t, events[1].EventID, events[2].PreviousEventID)

	require.Equal(t, txcore.Stats{Processed: 1, Completed: 1}, c.Stats())
}

func TestHandlerFailure(t *testing.T) {
	c, led := makeCoordinator(t, 0, 1)
	errBoom := errors.New("boom")
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			return errBoom
		})
	stop := run(t, c)
	defer stop()

	id, err := c.Submit(t.Context(), transfer("tx-1"))
	require.NoError(t, err)
	requireState(t, c, id, txcore.StateFailed)

	txn, ok := c.Transaction(id)
	require.True(t, ok)
	require.Equal(t, "boom", txn.Err)

	events, err := led.GetEvents(t.Context(), id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, ledger.TypeTransferFailed, events[2].Type)
	require.Equal(t, ledger.StatusFailed, events[2].Status)
	require.Equal(t, "boom", events[2].ErrorMessage)

	require.Equal(t, txcore.Stats{Processed: 1, Failed: 1}, c.Stats())
}

func TestUnknownType(t *testing.T) {
	c, led := makeCoordinator(t, 0, 1)
	stop := run(t, c)
	defer stop()

	id, err := c.Submit(t.Context(), transfer("tx-1"))
	require.NoError(t, err)
	requireState(t, c, id, txcore.StateFailed)

	txn, _ := c.Transaction(id)
	require.Contains(t, txn.Err, "unknown transaction type")

	events, err := led.GetEvents(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, ledger.TypeTransferFailed, events[len(events)-1].Type)
}

func TestQueueFull(t *testing.T) {
	// Capacity one, no running workers: the second submission overflows.
	c, led := makeCoordinator(t, 1, 1)

	_, err := c.Submit(t.Context(), transfer("tx-1"))
	require.NoError(t, err)

	id, err := c.Submit(t.Context(), transfer("tx-2"))
	require.ErrorIs(t, err, txcore.ErrQueueFull)
	require.Equal(t, "tx-2", id)

	// Overflow is a hard failure with its own ledger trace.
	state, ok := c.Status("tx-2")
	require.True(t, ok)
	require.Equal(t, txcore.StateFailed, state)

	events, err := led.GetEvents(t.Context(), "tx-2")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ledger.TypeTransferFailed, events[1].Type)
	require.Contains(t, events[1].ErrorMessage, "queue full")

	// The first submission is still queued.
	state, ok = c.Status("tx-1")
	require.True(t, ok)
	require.Equal(t, txcore.StatePending, state)
}

// TestFIFOOrder ensures a single worker processes transactions in
// submission order.
func TestFIFOOrder(t *testing.T) {
	c, _ := makeCoordinator(t, 16, 1)

	var lock sync.Mutex
	var order []string
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			lock.Lock()
			defer lock.Unlock()
			order = append(order, txn.ID)
			return nil
		})
	stop := run(t, c)
	defer stop()

	var want []string
	for i := range 5 {
		id := fmt.Sprintf("tx-%d", i)
		want = append(want, id)
		_, err := c.Submit(t.Context(), transfer(id))
		require.NoError(t, err)
	}
	for _, id := range want {
		requireState(t, c, id, txcore.StateCompleted)
	}

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, want, order)
}

func TestGracefulDrain(t *testing.T) {
	c, _ := makeCoordinator(t, 16, 2)
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			return nil
		})

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = fmt.Sprintf("tx-%d", i)
		_, err := c.Submit(t.Context(), transfer(ids[i]))
		require.NoError(t, err)
	}

	// Graceful shutdown already requested: the queue is drained before exit.
	ctxGraceful, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Run(context.Background(), ctxGraceful)
	require.ErrorIs(t, err, context.Canceled)

	for _, id := range ids {
		state, ok := c.Status(id)
		require.True(t, ok)
		require.Equal(t, txcore.StateCompleted, state)
	}
	require.Equal(t, int64(3), c.Stats().Processed)
}

func TestHardStopLeavesQueue(t *testing.T) {
	c, _ := makeCoordinator(t, 16, 1)
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			return nil
		})

	_, err := c.Submit(t.Context(), transfer("tx-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx, context.Background()), context.Canceled)

	state, ok := c.Status("tx-1")
	require.True(t, ok)
	require.Equal(t, txcore.StatePending, state)
}

func TestSubmitAfterStop(t *testing.T) {
	c, _ := makeCoordinator(t, 0, 1)
	stop := run(t, c)
	stop()

	_, err := c.Submit(t.Context(), transfer("tx-1"))
	require.ErrorIs(t, err, txcore.ErrStopped)
}

func TestAlreadyRunning(t *testing.T) {
	c, _ := makeCoordinator(t, 0, 1)
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			return nil
		})
	stop := run(t, c)
	defer stop()

	// Prove the pool is up before probing the run lock.
	id, err := c.Submit(t.Context(), transfer(""))
	require.NoError(t, err)
	requireState(t, c, id, txcore.StateCompleted)

	err = c.Run(context.Background(), context.Background())
	require.ErrorIs(t, err, txcore.ErrAlreadyRunning)
}

// TestTransactionExcludesInFlight ensures contexts still on their worker
// path, where the handler mutates them, are never handed out to pollers.
func TestTransactionExcludesInFlight(t *testing.T) {
	c, _ := makeCoordinator(t, 0, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	c.RegisterHandler(txcore.TypeTransfer,
		func(ctx context.Context, txn *txcore.TransactionContext) error {
			close(entered)
			<-release
			// Handlers write version snapshots and event links into the
			// context they own.
			txn.Versions = map[string]int64{"acc-a": 1, "acc-b": 1}
			return nil
		})
	stop := run(t, c)
	defer stop()

	id, err := c.Submit(t.Context(), transfer("tx-1"))
	require.NoError(t, err)
	<-entered

	_, ok := c.Transaction(id)
	require.False(t, ok, "in-flight context must not be handed out")
	state, ok := c.Status(id)
	require.True(t, ok)
	require.Equal(t, txcore.StateProcessing, state)

	close(release)
	requireState(t, c, id, txcore.StateCompleted)

	txn, ok := c.Transaction(id)
	require.True(t, ok)
	require.Equal(t, map[string]int64{"acc-a": 1, "acc-b": 1}, txn.Versions)
}

func TestStatusUnknownTransaction(t *testing.T) {
	c, _ := makeCoordinator(t, 0, 1)

	_, ok := c.Status("missing")
	require.False(t, ok)
	_, ok = c.Transaction("missing")
	require.False(t, ok)
}
