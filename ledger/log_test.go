package ledger_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/corebank/txcore/db"
	"github.com/corebank/txcore/db/dbmem"
	"github.com/corebank/txcore/ledger"
)

func setup(t *testing.T) (*ledger.Log, *dbmem.Store) {
	t.Helper()
	store := dbmem.New()
	return ledger.New(slog.Default(), store), store
}

func testEvent(transactionID string, amount int64) ledger.Event {
	return ledger.Event{
		TransactionID: transactionID,
		UserID:        "user-1",
		Type:          ledger.TypeTransferInitiated,
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
		FromAccountID: "acc-a",
		ToAccountID:   "acc-b",
		Status:        ledger.StatusPending,
	}
}

func TestAppendAssignsIDAndTime(t *testing.T) {
	log, _ := setup(t)
	ctx := t.Context()

	hash, err := log.Append(ctx, testEvent("tx-1", 100))
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	events, err := log.GetEvents(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].EventID)
	require.False(t, events[0].Time.IsZero())
	require.Equal(t, ledger.SchemaVersion, events[0].SchemaVersion)
	require.True(t, events[0].Amount.Equal(decimal.NewFromInt(100)))
}

func TestAppendKeepsExplicitIDAndTime(t *testing.T) {
	log, _ := setup(t)
	ctx := t.Context()

	tm := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	e := testEvent("tx-1", 100)
	e.EventID = "evt-1"
	e.Time = tm

	_, err := log.Append(ctx, e)
	require.NoError(t, err)

	events, err := log.GetEvents(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "evt-1", events[0].EventID)
	require.True(t, events[0].Time.Equal(tm))
}

func TestAppendRejectsMalformedMetadata(t *testing.T) {
	log, _ := setup(t)

	e := testEvent("tx-1", 100)
	e.Metadata = map[string]any{"bad": make(chan int)}

	_, err := log.Append(t.Context(), e)
	require.ErrorIs(t, err, ledger.ErrMalformedEvent)

	events, err := log.GetEvents(t.Context(), "tx-1")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestGetEventsAppendOrder(t *testing.T) {
	log, _ := setup(t)
	ctx := t.Context()

	for i := range 5 {
		e := testEvent("tx-1", int64(i))
		e.EventID = fmt.Sprintf("evt-%d", i)
		_, err := log.Append(ctx, e)
		require.NoError(t, err)
	}
	// Interleave an unrelated transaction.
	_, err := log.Append(ctx, testEvent("tx-2", 999))
	require.NoError(t, err)

	events, err := log.GetEvents(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		require.Equal(t, fmt.Sprintf("evt-%d", i), e.EventID)
	}
}

func TestVerifyIntegrityOK(t *testing.T) {
	log, _ := setup(t)
	ctx := t.Context()

	ok, bad, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, ok, "empty chain must verify")
	require.Empty(t, bad)

	for i := range 10 {
		_, err := log.Append(ctx, testEvent(fmt.Sprintf("tx-%d", i), int64(i+1)))
		require.NoError(t, err)
	}

	ok, bad, err = log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, bad)
}

// tamperStore simulates corrupted storage by rewriting the payload of a
// single record on read.
type tamperStore struct {
	db.Store
	tamperSeq int64
}

func (s *tamperStore) ReadEvents(
	ctx context.Context, fromSeq int64, buffer []db.Record,
) (int, error) {
	read, err := s.Store.ReadEvents(ctx, fromSeq, buffer)
	for i := range buffer[:read] {
		if buffer[i].Seq == s.tamperSeq {
			buffer[i].Payload = strings.Replace(
				buffer[i].Payload, `"100"`, `"999"`, 1)
		}
	}
	return read, err
}

func TestVerifyIntegrityTamperDetection(t *testing.T) {
	store := dbmem.New()
	tampered := &tamperStore{Store: store, tamperSeq: 3}
	log := ledger.New(slog.Default(), tampered)
	ctx := t.Context()

	for i := range 5 {
		_, err := log.Append(ctx, testEvent(fmt.Sprintf("tx-%d", i), 100))
		require.NoError(t, err)
	}

	ok, bad, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []int64{3}, bad)
}

// TestAppendConcurrent ensures concurrent appends linearize through the
// store's compare-and-swap and keep the chain intact.
func TestAppendConcurrent(t *testing.T) {
	log, store := setup(t)
	ctx := t.Context()

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			_, err := log.Append(ctx, testEvent(fmt.Sprintf("tx-%d", i), 100))
			return err
		})
	}
	require.NoError(t, g.Wait())

	seq, _, err := store.ReadHead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(16), seq)

	ok, bad, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, bad)
}

func TestExportAuditTrail(t *testing.T) {
	log, _ := setup(t)
	ctx := t.Context()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 4 {
		e := testEvent(fmt.Sprintf("tx-%d", i), 100)
		e.Time = base.Add(time.Duration(i) * time.Hour)
		_, err := log.Append(ctx, e)
		require.NoError(t, err)
	}
	other := testEvent("tx-other", 50)
	other.UserID = "user-2"
	_, err := log.Append(ctx, other)
	require.NoError(t, err)

	byUser, err := log.GetEventsByUser(ctx, "user-1", base.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, byUser, 3)

	serialized, err := log.ExportAuditTrail(ctx, "user-1", time.Time{}, time.Time{})
	require.NoError(t, err)

	var trail ledger.AuditTrail
	require.NoError(t, json.Unmarshal(serialized, &trail))
	require.Equal(t, "user-1", trail.UserID)
	require.Equal(t, 4, trail.EventCount)
	require.Len(t, trail.Events, 4)
	require.Equal(t, int64(5), trail.ChainHeadSeq)
	require.NotEmpty(t, trail.ChainHeadHash)

	// Bounded export.
	serialized, err = log.ExportAuditTrail(ctx, "user-1",
		base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(serialized, &trail))
	require.Equal(t, 2, trail.EventCount)

	_, err = log.ExportAuditTrail(ctx, "", time.Time{}, time.Time{})
	require.ErrorIs(t, err, ledger.ErrEmptyUserID)

	_, err = log.ExportAuditTrail(ctx, "user-1",
		base.Add(time.Hour), base)
	require.ErrorIs(t, err, ledger.ErrInvalidTimeRange)
}
