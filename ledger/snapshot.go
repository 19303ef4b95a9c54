package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/corebank/txcore/db"
)

// Snapshot is a checksummed point-in-time state capture. Snapshots avoid a
// full replay for expensive reconstructions and must be verified before
// they're trusted.
type Snapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	Time          time.Time       `json:"timestamp"`
	State         json.RawMessage `json:"state"`

	// EventCount is the total number of events on the log at capture time.
	EventCount int64 `json:"event_count"`

	// Checksum is the SHA-256 hex digest of the canonical state JSON.
	Checksum string `json:"checksum"`
}

// Verify recomputes the checksum over the stored state and compares it
// against the recorded one.
func (s Snapshot) Verify() (bool, error) {
	canonical, err := jcs.Transform(s.State)
	if err != nil {
		return false, fmt.Errorf("canonicalizing snapshot state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]) == s.Checksum, nil
}

// CreateSnapshot captures state as a checksummed snapshot and stores it.
func (l *Log) CreateSnapshot(
	ctx context.Context, transactionID, userID, snapshotType string, state any,
) (Snapshot, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot state: %v", ErrMalformedEvent, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: canonicalizing snapshot state: %v",
			ErrMalformedEvent, err)
	}
	sum := sha256.Sum256(canonical)

	headSeq, _, err := l.store.ReadHead(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading chain head: %w", err)
	}

	snap := Snapshot{
		SnapshotID:    uuid.NewString(),
		TransactionID: transactionID,
		UserID:        userID,
		Type:          snapshotType,
		Time:          time.Now().UTC(),
		State:         json.RawMessage(canonical),
		EventCount:    headSeq,
		Checksum:      hex.EncodeToString(sum[:]),
	}
	err = l.store.SaveSnapshot(ctx, db.Snapshot{
		SnapshotID:    snap.SnapshotID,
		TransactionID: snap.TransactionID,
		UserID:        snap.UserID,
		Type:          snap.Type,
		Time:          snap.Time,
		State:         string(canonical),
		EventCount:    snap.EventCount,
		Checksum:      snap.Checksum,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("storing snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot returns the snapshot with the given id.
func (l *Log) GetSnapshot(
	ctx context.Context, snapshotID string,
) (Snapshot, error) {
	stored, err := l.store.ReadSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Snapshot{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, snapshotID)
		}
		return Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	return Snapshot{
		SnapshotID:    stored.SnapshotID,
		TransactionID: stored.TransactionID,
		UserID:        stored.UserID,
		Type:          stored.Type,
		Time:          stored.Time,
		State:         json.RawMessage(stored.State),
		EventCount:    stored.EventCount,
		Checksum:      stored.Checksum,
	}, nil
}
