// Package txcore is the transaction-processing core of a banking system.
// It provides a queue-based coordinator that serializes transaction contexts
// and dispatches them to registered handlers, records every state transition
// on an immutable hash-chained event ledger, guards account balances with
// per-account optimistic version locks and runs multi-step operations with
// compensating rollback through the saga orchestrator.
// See README.md for more information.
package txcore
