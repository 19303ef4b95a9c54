// Package ledger implements an immutable, hash-chained event log.
// Every event is serialized to RFC 8785 canonical JSON and linked to its
// predecessor through a SHA-256 chain, which makes any retroactive edit
// detectable. Current state is derived by replaying events in append order.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/corebank/txcore/db"
)

var (
	// ErrMalformedEvent is returned by Append when the event can't be
	// serialized, e.g. when its metadata contains non-serializable values.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrNoEvents is returned (wrapped in ReplayError) when a transaction
	// has no events on the log.
	ErrNoEvents = errors.New("no events for transaction")

	// ErrSnapshotNotFound is returned when a requested snapshot doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// genesisSeed seeds the hash chain. The first event links to
// SHA-256(genesisSeed) instead of a predecessor hash.
const genesisSeed = "txcore/ledger/genesis/v1"

// GenesisHash returns the fixed chain seed the first event links to.
func GenesisHash() string {
	h := sha256.Sum256([]byte(genesisSeed))
	return hex.EncodeToString(h[:])
}

func chainHash(prevHash string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	return hex.EncodeToString(h.Sum(nil))
}

// Log is the single source of truth for what happened.
// It is safe for concurrent use; concurrent appends are linearized through
// the store's compare-and-swap contract.
type Log struct {
	log   *slog.Logger
	store db.Store
}

// New creates a new event log over store.
func New(log *slog.Logger, store db.Store) *Log {
	return &Log{log: log, store: store}
}

// Append assigns the event an id and timestamp if absent, computes the
// chained hash, stores the event and returns its hash.
// Fails only on malformed input or storage errors.
func (l *Log) Append(ctx context.Context, e Event) (hash string, err error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalizing: %v", ErrMalformedEvent, err)
	}

	for {
		headSeq, headHash, err := l.store.ReadHead(ctx)
		if err != nil {
			return "", fmt.Errorf("reading chain head: %w", err)
		}
		if headHash == "" {
			headHash = GenesisHash()
		}
		hash = chainHash(headHash, canonical)

		_, err = l.store.AppendEvent(ctx, headSeq, db.Record{
			EventID:       e.EventID,
			TransactionID: e.TransactionID,
			UserID:        e.UserID,
			EventType:     string(e.Type),
			FromAccountID: e.FromAccountID,
			ToAccountID:   e.ToAccountID,
			Time:          e.Time,
			Payload:       string(canonical),
			PrevHash:      headHash,
			Hash:          hash,
		})
		if err != nil {
			if errors.Is(err, db.ErrSeqMismatch) {
				// The log advanced in the meantime. Rechain and retry.
				continue
			}
			return "", fmt.Errorf("appending event: %w", err)
		}
		return hash, nil
	}
}

// GetEvents returns all events of a transaction in append order.
func (l *Log) GetEvents(
	ctx context.Context, transactionID string,
) ([]Event, error) {
	records, err := l.store.ReadByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("reading transaction events: %w", err)
	}
	return decodeRecords(records)
}

// GetEventsByUser returns all events of a user in append order, optionally
// bounded by a time range (zero values disable a bound).
func (l *Log) GetEventsByUser(
	ctx context.Context, userID string, from, to time.Time,
) ([]Event, error) {
	records, err := l.store.ReadByUser(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading user events: %w", err)
	}
	return decodeRecords(records)
}

// GetEventsByAccount returns all events touching the account in append order.
func (l *Log) GetEventsByAccount(
	ctx context.Context, accountID string,
) ([]Event, error) {
	records, err := l.store.ReadByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("reading account events: %w", err)
	}
	return decodeRecords(records)
}

// GetEventsByType returns all events of the given type in append order.
func (l *Log) GetEventsByType(
	ctx context.Context, eventType EventType,
) ([]Event, error) {
	records, err := l.store.ReadByType(ctx, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("reading events by type: %w", err)
	}
	return decodeRecords(records)
}

const verifyBatchLen = 256

// VerifyIntegrity walks the full chain from the genesis seed recomputing
// every link. Returns ok=true and no sequence numbers if every stored hash
// matches its recomputed counterpart, otherwise returns every sequence
// number at which the stored record disagrees with the recomputation.
// This is the tamper-detection contract the whole ledger relies on.
func (l *Log) VerifyIntegrity(
	ctx context.Context,
) (ok bool, badSeqs []int64, err error) {
	buffer := make([]db.Record, verifyBatchLen)
	prevHash := GenesisHash()
	nextSeq := int64(1)
	for {
		read, err := l.store.ReadEvents(ctx, nextSeq, buffer)
		if err != nil {
			return false, nil, fmt.Errorf("reading events: %w", err)
		}
		if read == 0 {
			break
		}
		for _, r := range buffer[:read] {
			recomputed := chainHash(prevHash, []byte(r.Payload))
			if r.PrevHash != prevHash || r.Hash != recomputed {
				badSeqs = append(badSeqs, r.Seq)
			}
			// Continue from the stored hash so a single tampered record
			// reports exactly one broken link instead of cascading.
			prevHash = r.Hash
			nextSeq = r.Seq + 1
		}
	}
	return len(badSeqs) == 0, badSeqs, nil
}

func decodeRecords(records []db.Record) ([]Event, error) {
	if len(records) == 0 {
		return nil, nil
	}
	events := make([]Event, len(records))
	for i, r := range records {
		e, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		events[i] = e
	}
	return events, nil
}

func decodeRecord(r db.Record) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
		return Event{}, fmt.Errorf("decoding event %q payload: %w", r.EventID, err)
	}
	return e, nil
}
