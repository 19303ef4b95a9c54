package dbpgx_test

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corebank/txcore/db"
	"github.com/corebank/txcore/internal/testdb"
	"github.com/corebank/txcore/ledger"
)

func record(eventID, transactionID string, tm time.Time) db.Record {
	return db.Record{
		EventID:       eventID,
		TransactionID: transactionID,
		UserID:        "user-1",
		EventType:     "transfer_initiated",
		FromAccountID: "acc-a",
		ToAccountID:   "acc-b",
		Time:          tm,
		Payload:       `{"event_id":"` + eventID + `"}`,
		PrevHash:      "prev",
		Hash:          "hash-" + eventID,
	}
}

func TestAppendEventCAS(t *testing.T) {
	store := testdb.New(t, slog.Default())
	ctx := t.Context()
	tm := time.Now().UTC()

	seq, err := store.AppendEvent(ctx, 0, record("evt-1", "tx-1", tm))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	_, err = store.AppendEvent(ctx, 0, record("evt-2", "tx-1", tm))
	require.ErrorIs(t, err, db.ErrSeqMismatch)

	seq, err = store.AppendEvent(ctx, 1, record("evt-2", "tx-1", tm))
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	headSeq, headHash, err := store.ReadHead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), headSeq)
	require.Equal(t, "hash-evt-2", headHash)
}

func TestReads(t *testing.T) {
	store := testdb.New(t, slog.Default())
	ctx := t.Context()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		r := record(fmt.Sprintf("evt-%d", i), fmt.Sprintf("tx-%d", i%2),
			base.Add(time.Duration(i)*time.Hour))
		_, err := store.AppendEvent(ctx, int64(i), r)
		require.NoError(t, err)
	}

	buffer := make([]db.Record, 3)
	read, err := store.ReadEvents(ctx, 2, buffer)
	require.NoError(t, err)
	require.Equal(t, 3, read)
	require.Equal(t, int64(2), buffer[0].Seq)
	require.Equal(t, `{"event_id":"evt-1"}`, buffer[0].Payload)

	byTx, err := store.ReadByTransaction(ctx, "tx-0")
	require.NoError(t, err)
	require.Len(t, byTx, 3)

	byAccount, err := store.ReadByAccount(ctx, "acc-b")
	require.NoError(t, err)
	require.Len(t, byAccount, 5)

	byType, err := store.ReadByType(ctx, "transfer_initiated")
	require.NoError(t, err)
	require.Len(t, byType, 5)

	byUser, err := store.ReadByUser(ctx, "user-1",
		base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, byUser, 3)
}

func TestSnapshotRoundtrip(t *testing.T) {
	store := testdb.New(t, slog.Default())
	ctx := t.Context()

	_, err := store.ReadSnapshot(ctx, "missing")
	require.ErrorIs(t, err, db.ErrNotFound)

	snap := db.Snapshot{
		SnapshotID:    "snap-1",
		TransactionID: "tx-1",
		UserID:        "user-1",
		Type:          "transfer",
		Time:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		State:         `{"balance":"800"}`,
		EventCount:    2,
		Checksum:      "checksum",
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	// Upserting the same id overwrites.
	snap.State = `{"balance":"700"}`
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	got, err := store.ReadSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	require.Equal(t, snap.State, got.State)
	require.True(t, got.Time.Equal(snap.Time))
}

// TestLedgerChain runs the full ledger on the durable store and verifies the
// hash chain survives the write-read roundtrip.
func TestLedgerChain(t *testing.T) {
	store := testdb.New(t, slog.Default())
	log := ledger.New(slog.Default(), store)
	ctx := t.Context()

	for i := range 10 {
		e := ledger.Event{
			TransactionID: fmt.Sprintf("tx-%d", i),
			UserID:        "user-1",
			Type:          ledger.TypeTransferInitiated,
			Currency:      "USD",
			FromAccountID: "acc-a",
			ToAccountID:   "acc-b",
			Status:        ledger.StatusPending,
		}
		_, err := log.Append(ctx, e)
		require.NoError(t, err)
	}

	ok, bad, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, bad)
}
