// Package planner decomposes an accepted order into a finite batch of
// delivery tasks. The batch is written atomically, sums exactly to the
// order quantity, and carries per-slice idempotency tokens so replanning
// the same order never duplicates work.
package planner
