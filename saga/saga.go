// Package saga orchestrates multi-step operations where every step can be
// undone. A saga approximates atomicity across steps without a global
// transaction: on the first action failure the compensations of all
// previously successful steps run in strict reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrSagaNotFound is returned when the saga id is unknown.
	ErrSagaNotFound = errors.New("saga not found")

	// ErrSagaNotPending is returned by Execute when the saga already ran.
	ErrSagaNotPending = errors.New("saga is not pending")

	// ErrNoSteps is returned by Execute on a saga without steps.
	ErrNoSteps = errors.New("saga has no steps")
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusRolledBack Status = "rolled_back"
	StatusFailed     Status = "failed"
)

// Action is a single forward or compensating operation.
type Action func(ctx context.Context) error

// Step is a unit of work with a paired compensation. The compensation is
// never invoked unless the action already ran to completion.
type Step struct {
	Name         string
	Action       Action
	Compensation Action

	executed bool
}

// Executed reports whether the step's action ran to completion.
// Only meaningful after Execute returned; steps are owned by the executing
// goroutine while the saga runs.
func (s *Step) Executed() bool { return s.executed }

// CompensationResult is the tagged outcome of one compensation run.
// Err is nil for a successful compensation.
type CompensationResult struct {
	StepName string
	Err      error
}

// Saga is an ordered list of compensable steps.
type Saga struct {
	ID     string
	UserID string
	Type   string
	Amount decimal.Decimal
	Status Status

	CreatedAt   time.Time
	CompletedAt time.Time

	Steps []*Step

	// Compensations collects the per-step rollback outcomes of a failed
	// execution, in the order the compensations ran (reverse step order).
	Compensations []CompensationResult
}

// RollbackError wraps the original action failure that triggered a rollback.
type RollbackError struct {
	SagaID   string
	StepName string
	Err      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("saga %q rolled back after step %q: %v",
		e.SagaID, e.StepName, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Orchestrator creates and drives sagas.
type Orchestrator struct {
	log   *slog.Logger
	mutex sync.Mutex
	sagas map[string]*Saga
}

func NewOrchestrator(log *slog.Logger) *Orchestrator {
	return &Orchestrator{log: log, sagas: map[string]*Saga{}}
}

// Create creates a new pending saga.
func (o *Orchestrator) Create(
	userID, sagaType string, amount decimal.Decimal,
) *Saga {
	s := &Saga{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      sagaType,
		Amount:    amount,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.sagas[s.ID] = s
	return s
}

// Get returns the saga with the given id. The returned saga is mutated by
// Execute; poll Status instead of inspecting it while an execution runs.
func (o *Orchestrator) Get(sagaID string) (*Saga, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	s, ok := o.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSagaNotFound, sagaID)
	}
	return s, nil
}

// Status returns the saga's current status. Safe to poll while Execute runs.
func (o *Orchestrator) Status(sagaID string) (Status, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	s, ok := o.sagas[sagaID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSagaNotFound, sagaID)
	}
	return s.Status, nil
}

func (o *Orchestrator) setStatus(s *Saga, status Status) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	s.Status = status
}

// AddStep appends an ordered step to a pending saga.
func (o *Orchestrator) AddStep(
	sagaID, name string, action, compensation Action,
) error {
	s, err := o.Get(sagaID)
	if err != nil {
		return err
	}
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if s.Status != StatusPending {
		return fmt.Errorf("%w: %q is %s", ErrSagaNotPending, sagaID, s.Status)
	}
	s.Steps = append(s.Steps, &Step{
		Name:         name,
		Action:       action,
		Compensation: compensation,
	})
	return nil
}

// Execute runs the saga's steps strictly in order.
//
// On full success the saga is marked completed and Execute returns nil.
// On the first action failure the saga is marked failed, the compensations
// of all previously successful steps run in reverse order (a failed
// compensation is logged and collected but never aborts the rollback of
// earlier steps), the saga is marked rolled back and the original action
// error is returned wrapped in a RollbackError.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) error {
	s, err := o.Get(sagaID)
	if err != nil {
		return err
	}

	o.mutex.Lock()
	if s.Status != StatusPending {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %q is %s", ErrSagaNotPending, sagaID, s.Status)
	}
	if len(s.Steps) == 0 {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %q", ErrNoSteps, sagaID)
	}
	s.Status = StatusRunning
	o.mutex.Unlock()

	for i, step := range s.Steps {
		if err := step.Action(ctx); err != nil {
			o.log.Error("saga step failed",
				slog.String("saga.id", s.ID),
				slog.String("step", step.Name),
				slog.Any("err", err))
			o.setStatus(s, StatusFailed)
			o.rollback(ctx, s, i)
			o.mutex.Lock()
			s.Status = StatusRolledBack
			s.CompletedAt = time.Now().UTC()
			o.mutex.Unlock()
			return &RollbackError{SagaID: s.ID, StepName: step.Name, Err: err}
		}
		step.executed = true
	}

	o.mutex.Lock()
	s.Status = StatusCompleted
	s.CompletedAt = time.Now().UTC()
	o.mutex.Unlock()
	return nil
}

// rollback compensates the steps before failedIndex in reverse order.
// The failed step's own compensation never runs, its action never completed.
func (o *Orchestrator) rollback(ctx context.Context, s *Saga, failedIndex int) {
	for i := failedIndex - 1; i >= 0; i-- {
		step := s.Steps[i]
		if !step.executed {
			continue
		}
		result := CompensationResult{StepName: step.Name}
		if err := step.Compensation(ctx); err != nil {
			result.Err = err
			o.log.Error("saga compensation failed",
				slog.String("saga.id", s.ID),
				slog.String("step", step.Name),
				slog.Any("err", err))
		} else {
			o.log.Info("saga step compensated",
				slog.String("saga.id", s.ID),
				slog.String("step", step.Name))
		}
		o.mutex.Lock()
		s.Compensations = append(s.Compensations, result)
		o.mutex.Unlock()
	}
}
