// Package storage persists delivery state: orders, tasks, the balance
// ledger, refund bookkeeping, anomalies, and proxy nodes.
//
// The Store interface is deliberately semantic rather than CRUD-shaped.
// Task claiming, order progress, debits, and refunds are each a single
// conditional statement (or one short transaction of them) so that any
// number of workers can race on the same rows without an application-level
// lock. Zero rows affected means another writer won; the caller treats
// that as a no-op.
//
// PostgresStore is the production implementation. MemoryStore implements
// the same semantics behind a mutex for tests and local development.
package storage
