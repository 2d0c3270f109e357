// Package router selects proxy nodes for delivery tasks and tracks their
// health.
//
// Durable node records live in the store and are shared by every worker
// process. The volatile side lives here: per-node rolling counters and
// latency samples, per-tier circuit breakers, and sticky session bindings.
// Each result report updates both sides, so multiple router instances
// converge on the store's ground truth.
package router
