// Package dbpgx implements the ledger's storage interface with PostgreSQL
// over a jackc/pgx/v5 SQL driver based implementation. It is the durable,
// crash-safe backing of the event log; the hash-chain contract is identical
// to the in-memory store.
package dbpgx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corebank/txcore/backoff"
	"github.com/corebank/txcore/db"
)

//go:embed schema.sql
var schemaSQL string

var defaultBackoff backoff.Backoff

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

func init() {
	var err error
	defaultBackoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
	if err != nil {
		panic(fmt.Errorf("init default backoff: %w", err))
	}
}

// DB is a pgx connection pool that implements the ledger's db.Store interface.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var _ db.Store = new(DB)

// Open connects to the database using pgx. It will ping and retry until
// either a successful connection is established or ctx is canceled.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*DB, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewAtomic(backoffConf).Iter() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		time.Sleep(dur) // First is always 0.

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("connecting database timed out: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	return &DB{log: log, pool: pool}, nil
}

// Migrate creates the ledger schema if it doesn't exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrating ledger schema: %w", err)
	}
	return nil
}

func (d *DB) AppendEvent(
	ctx context.Context, assumedSeq int64, r db.Record,
) (seq int64, err error) {
	// This CTE first reads the current max(seq) and then only
	// does the INSERT if it matches assumedSeq.
	const sql = `
		WITH
			current AS (
				SELECT COALESCE(MAX(seq), 0) AS v
				FROM ledger.events
			),
			inserted AS (
				INSERT INTO ledger.events (
					seq, event_id, transaction_id, user_id, event_type,
					from_account_id, to_account_id, time, payload, prev_hash, hash
				)
				SELECT current.v + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
				FROM current
				WHERE current.v = $1
				RETURNING seq
			)
		SELECT seq FROM inserted;
	`
	err = d.pool.QueryRow(ctx, sql,
		assumedSeq, r.EventID, r.TransactionID, r.UserID, r.EventType,
		r.FromAccountID, r.ToAccountID, r.Time, r.Payload, r.PrevHash, r.Hash,
	).Scan(&seq)
	if err != nil {
		// Treat CTE mismatch, duplicate seq and serialization failures
		// all as sequence conflicts.
		if errors.Is(err, pgx.ErrNoRows) || isConflict(err) {
			return 0, db.ErrSeqMismatch
		}
		return 0, err
	}
	return seq, nil
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	const (
		serializationFailure = "40001"
		uniqueViolation      = "23505"
	)
	return pgErr.Code == serializationFailure || pgErr.Code == uniqueViolation
}

func (d *DB) ReadHead(ctx context.Context) (seq int64, hash string, err error) {
	err = d.pool.QueryRow(ctx, `
		SELECT seq, hash FROM ledger.events ORDER BY seq DESC LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("querying chain head: %w", err)
	}
	return seq, hash, nil
}

func (d *DB) ReadEvents(
	ctx context.Context, fromSeq int64, buffer []db.Record,
) (read int, err error) {
	if len(buffer) < 1 {
		return 0, nil
	}
	rows, err := d.pool.Query(ctx, `
		SELECT seq, event_id, transaction_id, user_id, event_type,
			from_account_id, to_account_id, time, payload, prev_hash, hash
		FROM ledger.events
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2
	`, fromSeq, len(buffer))
	if err != nil {
		return 0, fmt.Errorf("querying batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scanRecord(rows, &buffer[read]); err != nil {
			return 0, err
		}
		read++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}
	return read, nil
}

func (d *DB) ReadByTransaction(
	ctx context.Context, transactionID string,
) ([]db.Record, error) {
	return d.readRecords(ctx, `
		SELECT seq, event_id, transaction_id, user_id, event_type,
			from_account_id, to_account_id, time, payload, prev_hash, hash
		FROM ledger.events
		WHERE transaction_id=$1
		ORDER BY seq ASC
	`, transactionID)
}

func (d *DB) ReadByUser(
	ctx context.Context, userID string, from, to time.Time,
) ([]db.Record, error) {
	query := `
		SELECT seq, event_id, transaction_id, user_id, event_type,
			from_account_id, to_account_id, time, payload, prev_hash, hash
		FROM ledger.events
		WHERE user_id=$1
	`
	args := []any{userID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND time <= $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	return d.readRecords(ctx, query, args...)
}

func (d *DB) ReadByAccount(
	ctx context.Context, accountID string,
) ([]db.Record, error) {
	return d.readRecords(ctx, `
		SELECT seq, event_id, transaction_id, user_id, event_type,
			from_account_id, to_account_id, time, payload, prev_hash, hash
		FROM ledger.events
		WHERE from_account_id=$1 OR to_account_id=$1
		ORDER BY seq ASC
	`, accountID)
}

func (d *DB) ReadByType(
	ctx context.Context, eventType string,
) ([]db.Record, error) {
	return d.readRecords(ctx, `
		SELECT seq, event_id, transaction_id, user_id, event_type,
			from_account_id, to_account_id, time, payload, prev_hash, hash
		FROM ledger.events
		WHERE event_type=$1
		ORDER BY seq ASC
	`, eventType)
}

func (d *DB) readRecords(
	ctx context.Context, sql string, args ...any,
) ([]db.Record, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []db.Record
	for rows.Next() {
		var r db.Record
		if err := scanRecord(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func scanRecord(rows pgx.Rows, r *db.Record) error {
	err := rows.Scan(
		&r.Seq, &r.EventID, &r.TransactionID, &r.UserID, &r.EventType,
		&r.FromAccountID, &r.ToAccountID, &r.Time, &r.Payload,
		&r.PrevHash, &r.Hash,
	)
	if err != nil {
		return fmt.Errorf("scanning row: %w", err)
	}
	return nil
}

func (d *DB) SaveSnapshot(ctx context.Context, s db.Snapshot) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO ledger.snapshots (
			snapshot_id, transaction_id, user_id, type, time,
			state, event_count, checksum
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (snapshot_id) DO UPDATE SET
			transaction_id=EXCLUDED.transaction_id,
			user_id=EXCLUDED.user_id,
			type=EXCLUDED.type,
			time=EXCLUDED.time,
			state=EXCLUDED.state,
			event_count=EXCLUDED.event_count,
			checksum=EXCLUDED.checksum
	`, s.SnapshotID, s.TransactionID, s.UserID, s.Type, s.Time,
		s.State, s.EventCount, s.Checksum)
	if err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}
	return nil
}

func (d *DB) ReadSnapshot(
	ctx context.Context, snapshotID string,
) (db.Snapshot, error) {
	var s db.Snapshot
	err := d.pool.QueryRow(ctx, `
		SELECT snapshot_id, transaction_id, user_id, type, time,
			state, event_count, checksum
		FROM ledger.snapshots
		WHERE snapshot_id=$1
	`, snapshotID).Scan(
		&s.SnapshotID, &s.TransactionID, &s.UserID, &s.Type, &s.Time,
		&s.State, &s.EventCount, &s.Checksum,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.Snapshot{}, db.ErrNotFound
	}
	if err != nil {
		return db.Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	return s, nil
}

func (d *DB) Close() {
	d.pool.Close()
}
