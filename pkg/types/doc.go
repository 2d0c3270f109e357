// Package types defines the core data model of the Spinforge delivery
// engine: orders, tasks, the balance ledger, refund bookkeeping, and proxy
// nodes.
//
// Money fields use decimal arithmetic throughout; prices carry at least four
// fractional digits and binary floats cannot represent them exactly.
package types
