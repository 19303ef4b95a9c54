package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyUserID is returned when an audit export is requested
	// without a user id.
	ErrEmptyUserID = errors.New("audit: user_id must not be empty")

	// ErrInvalidTimeRange is returned when the export start time is
	// after the end time.
	ErrInvalidTimeRange = errors.New("audit: start must be before end")
)

// AuditTrail is the serialized export bundle handed to compliance tooling.
type AuditTrail struct {
	UserID      string    `json:"user_id"`
	GeneratedAt time.Time `json:"generated_at"`

	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`

	EventCount int `json:"event_count"`

	// Chain head at export time, so the export can later be checked
	// against the ledger it was taken from.
	ChainHeadSeq  int64  `json:"chain_head_seq"`
	ChainHeadHash string `json:"chain_head_hash"`

	Events []Event `json:"events"`
}

// ExportAuditTrail serializes all events of a user, optionally bounded by a
// time range (zero values disable a bound). Read-only.
func (l *Log) ExportAuditTrail(
	ctx context.Context, userID string, start, end time.Time,
) ([]byte, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, ErrInvalidTimeRange
	}

	records, err := l.store.ReadByUser(ctx, userID, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading user events: %w", err)
	}
	events, err := decodeRecords(records)
	if err != nil {
		return nil, err
	}

	headSeq, headHash, err := l.store.ReadHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if headHash == "" {
		headHash = GenesisHash()
	}

	trail := AuditTrail{
		UserID:        userID,
		GeneratedAt:   time.Now().UTC(),
		EventCount:    len(events),
		ChainHeadSeq:  headSeq,
		ChainHeadHash: headHash,
		Events:        events,
	}
	if !start.IsZero() {
		trail.PeriodStart = &start
	}
	if !end.IsZero() {
		trail.PeriodEnd = &end
	}

	serialized, err := json.MarshalIndent(trail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing audit trail: %w", err)
	}
	return serialized, nil
}
