// Package db defines the storage interfaces the ledger relies on.
package db

import (
	"context"
	"errors"
	"time"
)

// ErrSeqMismatch is returned by Writer.AppendEvent when the assumed sequence
// number doesn't match the actual head of the event log.
var ErrSeqMismatch = errors.New("sequence mismatch")

// ErrNotFound is returned when a requested record doesn't exist.
var ErrNotFound = errors.New("not found")

// Record is a stored ledger event together with its chain link.
// Payload is the canonical JSON (RFC 8785) the hash was computed over;
// it must be stored byte-for-byte to keep the chain verifiable.
type Record struct {
	Seq int64

	EventID       string
	TransactionID string
	UserID        string
	EventType     string
	FromAccountID string
	ToAccountID   string

	// Time is the time the event was appended.
	Time time.Time

	Payload  string
	PrevHash string
	Hash     string
}

// Snapshot is a stored point-in-time state capture.
type Snapshot struct {
	SnapshotID    string
	TransactionID string
	UserID        string
	Type          string
	Time          time.Time

	// State is the JSON serialized state payload.
	State string

	EventCount int64
	Checksum   string
}

type Reader interface {
	// ReadHead returns the sequence number and hash of the latest event.
	// Returns seq 0 and the empty string on an empty log.
	ReadHead(ctx context.Context) (seq int64, hash string, err error)

	// ReadEvents reads up to len(buffer) records starting at fromSeq
	// in ascending sequence order. Returns the number of records read.
	ReadEvents(ctx context.Context, fromSeq int64, buffer []Record) (read int, err error)

	// ReadByTransaction returns all records of a transaction in append order.
	ReadByTransaction(ctx context.Context, transactionID string) ([]Record, error)

	// ReadByUser returns all records of a user in append order,
	// optionally bounded by the given time range (zero values disable a bound).
	ReadByUser(ctx context.Context, userID string, from, to time.Time) ([]Record, error)

	// ReadByAccount returns all records touching the account
	// (as source or destination) in append order.
	ReadByAccount(ctx context.Context, accountID string) ([]Record, error)

	// ReadByType returns all records of the given event type in append order.
	ReadByType(ctx context.Context, eventType string) ([]Record, error)

	// ReadSnapshot returns the snapshot with the given id or ErrNotFound.
	ReadSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)
}

type Writer interface {
	// AppendEvent appends r onto the immutable event log assuming the current
	// head sequence equals assumedSeq, otherwise returns ErrSeqMismatch.
	// Returns the sequence number assigned to r.
	AppendEvent(ctx context.Context, assumedSeq int64, r Record) (seq int64, err error)

	// SaveSnapshot stores s. Overwrites an existing snapshot with the same id.
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Store is the full storage contract of the ledger.
// Secondary access paths (by transaction, user, account, type) are derived
// from primary storage order and must never diverge from it.
type Store interface {
	Reader
	Writer
}
