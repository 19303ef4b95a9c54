// Package dbmem implements the ledger's storage interface in process memory.
// It is the default store: the core keeps its events in memory unless a
// durable store such as dbpgx is plugged in instead.
package dbmem

import (
	"context"
	"sync"
	"time"

	"github.com/corebank/txcore/db"
)

// Store is an in-memory db.Store implementation.
// All operations are guarded by a single mutex.
type Store struct {
	lock sync.RWMutex

	// records holds the primary storage in append order, seq = index+1.
	records []db.Record

	// Secondary indices hold positions into records and are
	// rebuildable from primary storage order.
	byTransaction map[string][]int
	byUser        map[string][]int
	byAccount     map[string][]int
	byType        map[string][]int

	snapshots map[string]db.Snapshot
}

var _ db.Store = new(Store)

func New() *Store {
	return &Store{
		byTransaction: map[string][]int{},
		byUser:        map[string][]int{},
		byAccount:     map[string][]int{},
		byType:        map[string][]int{},
		snapshots:     map[string]db.Snapshot{},
	}
}

func (s *Store) AppendEvent(
	ctx context.Context, assumedSeq int64, r db.Record,
) (seq int64, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if int64(len(s.records)) != assumedSeq {
		return 0, db.ErrSeqMismatch
	}

	i := len(s.records)
	r.Seq = int64(i) + 1
	s.records = append(s.records, r)

	s.byTransaction[r.TransactionID] = append(s.byTransaction[r.TransactionID], i)
	s.byUser[r.UserID] = append(s.byUser[r.UserID], i)
	s.byType[r.EventType] = append(s.byType[r.EventType], i)
	if r.FromAccountID != "" {
		s.byAccount[r.FromAccountID] = append(s.byAccount[r.FromAccountID], i)
	}
	if r.ToAccountID != "" && r.ToAccountID != r.FromAccountID {
		s.byAccount[r.ToAccountID] = append(s.byAccount[r.ToAccountID], i)
	}

	return r.Seq, nil
}

func (s *Store) ReadHead(ctx context.Context) (seq int64, hash string, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if len(s.records) == 0 {
		return 0, "", nil
	}
	last := s.records[len(s.records)-1]
	return last.Seq, last.Hash, nil
}

func (s *Store) ReadEvents(
	ctx context.Context, fromSeq int64, buffer []db.Record,
) (read int, err error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if fromSeq < 1 {
		fromSeq = 1
	}
	for i := fromSeq - 1; i < int64(len(s.records)) && read < len(buffer); i++ {
		buffer[read] = s.records[i]
		read++
	}
	return read, nil
}

func (s *Store) ReadByTransaction(
	ctx context.Context, transactionID string,
) ([]db.Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.collect(s.byTransaction[transactionID]), nil
}

func (s *Store) ReadByUser(
	ctx context.Context, userID string, from, to time.Time,
) ([]db.Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []db.Record
	for _, i := range s.byUser[userID] {
		r := s.records[i]
		if !from.IsZero() && r.Time.Before(from) {
			continue
		}
		if !to.IsZero() && r.Time.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) ReadByAccount(
	ctx context.Context, accountID string,
) ([]db.Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.collect(s.byAccount[accountID]), nil
}

func (s *Store) ReadByType(
	ctx context.Context, eventType string,
) ([]db.Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.collect(s.byType[eventType]), nil
}

func (s *Store) collect(positions []int) []db.Record {
	if len(positions) == 0 {
		return nil
	}
	out := make([]db.Record, len(positions))
	for n, i := range positions {
		out[n] = s.records[i]
	}
	return out
}

func (s *Store) SaveSnapshot(ctx context.Context, snap db.Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.snapshots[snap.SnapshotID] = snap
	return nil
}

func (s *Store) ReadSnapshot(
	ctx context.Context, snapshotID string,
) (db.Snapshot, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return db.Snapshot{}, db.ErrNotFound
	}
	return snap, nil
}
