// Package vlock provides per-account optimistic version counters and the
// per-account mutual exclusion required around a balance read-modify-write.
//
// The version counter is a signal, not a lock: Version and Validate never
// block writers. Callers that mutate a balance must either hold the account
// locks via Acquire for the whole read-modify-write-increment sequence or
// validate the version before committing and fail with OptimisticLockError
// on mismatch.
package vlock

import (
	"fmt"
	"slices"
	"sync"
)

// OptimisticLockError reports a detected concurrent modification.
// The operation is safe for the caller to resubmit.
type OptimisticLockError struct {
	AccountID string
	Expected  int64
	Actual    int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf(
		"optimistic lock conflict on account %q: expected version %d, have %d",
		e.AccountID, e.Expected, e.Actual)
}

// Registry maps account ids to monotonic versions, defaulting to 1.
// Increment is the only way a version changes.
type Registry struct {
	lock     sync.Mutex
	versions map[string]int64
	accounts map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		versions: map[string]int64{},
		accounts: map[string]*sync.Mutex{},
	}
}

// Version returns the current version of the account, 1 if unseen.
func (r *Registry) Version(accountID string) int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.version(accountID)
}

func (r *Registry) version(accountID string) int64 {
	if v, ok := r.versions[accountID]; ok {
		return v
	}
	return 1
}

// Increment bumps the account version and returns the new value.
func (r *Registry) Increment(accountID string) int64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	v := r.version(accountID) + 1
	r.versions[accountID] = v
	return v
}

// Validate reports whether the account version still equals expected.
func (r *Registry) Validate(accountID string, expected int64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.version(accountID) == expected
}

// Acquire locks the given accounts and returns a release function.
// Accounts are locked in sorted order so that two transactions touching the
// same pair of accounts can't deadlock each other. Duplicate ids are locked
// once. The caller must hold the locks for the whole
// read-modify-write-increment sequence.
func (r *Registry) Acquire(accountIDs ...string) (release func()) {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	locks := make([]*sync.Mutex, len(ids))
	for i, id := range ids {
		locks[i] = r.accountLock(id)
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (r *Registry) accountLock(accountID string) *sync.Mutex {
	r.lock.Lock()
	defer r.lock.Unlock()
	l, ok := r.accounts[accountID]
	if !ok {
		l = new(sync.Mutex)
		r.accounts[accountID] = l
	}
	return l
}
