// Package ledger owns every balance mutation in the delivery engine.
//
// Order intake debits the user inside the same transaction that writes the
// order and its task batch, so an accepted order is always paid for.
// Permanent task failures are credited back exactly once: the refund
// transaction's first statement conditionally flips the task's refunded
// flag, and a zero-row update means an earlier run already applied it.
package ledger
