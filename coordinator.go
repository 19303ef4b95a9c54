package txcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/corebank/txcore/ledger"
)

var (
	// ErrQueueFull is returned by Submit when the bounded work queue is
	// full. The transaction fails hard, the caller must retry later.
	ErrQueueFull = errors.New("transaction queue full")

	// ErrUnknownType is returned when no handler is registered for the
	// transaction's type.
	ErrUnknownType = errors.New("unknown transaction type")

	// ErrStopped is returned by Submit after the coordinator stopped.
	ErrStopped = errors.New("coordinator stopped")

	// ErrAlreadyRunning is returned by Run when the coordinator is
	// already running.
	ErrAlreadyRunning = errors.New("already running")
)

// HandlerFunc processes a single transaction context. Any returned error
// aborts the transaction: it is recorded as a failed ledger event and
// surfaced through status polling.
type HandlerFunc func(ctx context.Context, txn *TransactionContext) error

// Stats are the coordinator's aggregated read-only counters.
type Stats struct {
	Processed int64
	Completed int64
	Failed    int64
}

// Coordinator serializes and tracks the lifecycle of submitted transactions.
// Contexts are drained from a bounded queue by a fixed worker pool and
// dispatched to registered handlers. Transactions touching the same account
// never run concurrently (the handlers hold per-account locks), transactions
// on disjoint accounts may proceed in parallel.
type Coordinator struct {
	log    *slog.Logger
	ledger *ledger.Log

	queue   chan *TransactionContext
	workers int

	handlersLock sync.RWMutex
	handlers     map[TransactionType]HandlerFunc

	trackLock sync.Mutex
	inFlight  map[string]*TransactionContext
	completed map[string]*TransactionContext

	runLock sync.Mutex
	closed  atomic.Bool

	processed      atomic.Int64
	completedCount atomic.Int64
	failedCount    atomic.Int64
}

// Make creates and initializes a new coordinator instance.
// queueCapacity bounds the work queue (default 256), workers sets the worker
// pool size (default 1, which fully serializes processing).
func Make(
	log *slog.Logger, led *ledger.Log, queueCapacity, workers int,
) (*Coordinator, error) {
	if led == nil {
		return nil, errors.New("nil ledger")
	}
	if queueCapacity < 1 {
		queueCapacity = 256
	}
	if workers < 1 {
		workers = 1
	}
	return &Coordinator{
		log:       log,
		ledger:    led,
		queue:     make(chan *TransactionContext, queueCapacity),
		workers:   workers,
		handlers:  map[TransactionType]HandlerFunc{},
		inFlight:  map[string]*TransactionContext{},
		completed: map[string]*TransactionContext{},
	}, nil
}

// RegisterHandler associates a transaction type with exactly one handler.
// The last registration wins.
func (c *Coordinator) RegisterHandler(t TransactionType, fn HandlerFunc) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[t] = fn
}

func (c *Coordinator) handler(t TransactionType) (HandlerFunc, bool) {
	c.handlersLock.RLock()
	defer c.handlersLock.RUnlock()
	fn, ok := c.handlers[t]
	return fn, ok
}

// Submit assigns the transaction an id if absent, records an initiated event
// and enqueues the context. Queue overflow is a hard failure: the
// transaction transitions straight to failed, a failure event is recorded
// and ErrQueueFull is returned without the context ever entering processing.
func (c *Coordinator) Submit(
	ctx context.Context, txn *TransactionContext,
) (transactionID string, err error) {
	if c.closed.Load() {
		return "", ErrStopped
	}
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.State = StatePending

	err = c.appendEvent(ctx, txn,
		initiatedEventType(txn.Type), ledger.StatusPending, "")
	if err != nil {
		return "", fmt.Errorf("recording initiated event: %w", err)
	}

	c.trackLock.Lock()
	c.inFlight[txn.ID] = txn
	c.trackLock.Unlock()

	select {
	case c.queue <- txn:
	default:
		c.fail(ctx, txn, ErrQueueFull)
		return txn.ID, ErrQueueFull
	}
	return txn.ID, nil
}

// Run runs the worker pool until one of the contexts is canceled.
//
// Canceling ctx stops the workers immediately, leaving queued contexts
// unprocessed. Canceling ctxGraceful lets in-flight work finish, drains the
// remaining queue and then exits.
func (c *Coordinator) Run(ctx, ctxGraceful context.Context) error {
	if !c.runLock.TryLock() {
		return ErrAlreadyRunning
	}
	defer c.runLock.Unlock()
	defer c.closed.Store(true)

	var g errgroup.Group
	g.SetLimit(c.workers)
	for range c.workers {
		g.Go(func() error {
			return c.work(ctx, ctxGraceful)
		})
	}
	return g.Wait()
}

func (c *Coordinator) work(ctx, ctxGraceful context.Context) error {
	for {
		select {
		case <-ctx.Done(): // Hard stop.
			return ctx.Err()

		case <-ctxGraceful.Done():
			// Drain what's already queued, then exit.
			for {
				select {
				case txn := <-c.queue:
					c.process(ctx, txn)
				default:
					return ctxGraceful.Err()
				}
			}

		case txn := <-c.queue:
			c.process(ctx, txn)
		}
	}
}

// transition mutates lifecycle fields under the tracking lock so that
// concurrent Status and Transaction reads don't race the worker.
func (c *Coordinator) transition(txn *TransactionContext, fn func()) {
	c.trackLock.Lock()
	defer c.trackLock.Unlock()
	fn()
}

func (c *Coordinator) process(ctx context.Context, txn *TransactionContext) {
	c.transition(txn, func() {
		txn.State = StateProcessing
		txn.StartedAt = time.Now().UTC()
	})
	err := c.appendEvent(ctx, txn,
		ledger.TypeProcessingStarted, ledger.StatusProcessing, "")
	if err != nil {
		c.log.Error("recording processing event",
			slog.String("transaction.id", txn.ID),
			slog.Any("err", err))
	}

	fn, ok := c.handler(txn.Type)
	if !ok {
		c.fail(ctx, txn, fmt.Errorf("%w: %q", ErrUnknownType, txn.Type))
		return
	}
	if err := fn(ctx, txn); err != nil {
		c.fail(ctx, txn, err)
		return
	}

	// The completed event and the counters land before the terminal state
	// becomes observable through Status.
	err = c.appendEvent(ctx, txn,
		completedEventType(txn.Type), ledger.StatusCompleted, "")
	if err != nil {
		c.log.Error("recording completed event",
			slog.String("transaction.id", txn.ID),
			slog.Any("err", err))
	}
	c.processed.Add(1)
	c.completedCount.Add(1)
	c.retire(txn, StateCompleted, "")
}

// fail records the failure event and retires the context as failed.
// Every terminal state has a corresponding ledger event, no transaction is
// silently dropped.
func (c *Coordinator) fail(ctx context.Context, txn *TransactionContext, cause error) {
	err := c.appendEvent(ctx, txn,
		failedEventType(txn.Type), ledger.StatusFailed, cause.Error())
	if err != nil {
		c.log.Error("recording failed event",
			slog.String("transaction.id", txn.ID),
			slog.Any("err", err))
	}
	c.log.Error("transaction failed",
		slog.String("transaction.id", txn.ID),
		slog.String("type", string(txn.Type)),
		slog.Any("err", cause))

	c.processed.Add(1)
	c.failedCount.Add(1)
	c.retire(txn, StateFailed, cause.Error())
}

// retire transitions txn into its terminal state and moves it from the
// in-flight into the completed collection in one critical section.
func (c *Coordinator) retire(txn *TransactionContext, terminal State, errMessage string) {
	c.trackLock.Lock()
	defer c.trackLock.Unlock()
	txn.State = terminal
	txn.Err = errMessage
	txn.CompletedAt = time.Now().UTC()
	delete(c.inFlight, txn.ID)
	c.completed[txn.ID] = txn
}

func (c *Coordinator) appendEvent(
	ctx context.Context, txn *TransactionContext,
	t ledger.EventType, status ledger.Status, errMessage string,
) error {
	e := ledger.Event{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		UserID:          txn.UserID,
		Type:            t,
		Time:            txn.Timestamp(),
		Amount:          txn.Amount,
		Currency:        txn.Currency,
		FromAccountID:   txn.FromAccountID,
		ToAccountID:     txn.ToAccountID,
		Description:     txn.Description,
		Metadata:        txn.Metadata,
		Status:          status,
		ErrorMessage:    errMessage,
		PreviousEventID: txn.LastEventID,
	}
	if _, err := c.ledger.Append(ctx, e); err != nil {
		return err
	}
	c.transition(txn, func() { txn.LastEventID = e.EventID })
	return nil
}

// Status returns the state of a transaction, looking first at in-flight then
// at completed contexts. ok is false for a transaction that was never seen.
func (c *Coordinator) Status(transactionID string) (state State, ok bool) {
	c.trackLock.Lock()
	defer c.trackLock.Unlock()
	if txn, ok := c.inFlight[transactionID]; ok {
		return txn.State, true
	}
	if txn, ok := c.completed[transactionID]; ok {
		return txn.State, true
	}
	return "", false
}

// Transaction returns a copy of the retired context of a terminal
// transaction. In-flight contexts are being mutated by their handler on the
// worker path and are never handed out; poll Status for live state.
func (c *Coordinator) Transaction(
	transactionID string,
) (txn TransactionContext, ok bool) {
	c.trackLock.Lock()
	defer c.trackLock.Unlock()
	if t, ok := c.completed[transactionID]; ok {
		return *t, true
	}
	return TransactionContext{}, false
}

// Stats returns the aggregated processing counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Processed: c.processed.Load(),
		Completed: c.completedCount.Load(),
		Failed:    c.failedCount.Load(),
	}
}
