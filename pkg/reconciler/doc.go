// Package reconciler runs the periodic accounting checks: it compares each
// terminal order's refund aggregates against its per-task bookkeeping and
// persists discrepancies as open anomalies, and it flags users whose
// refund-event velocity exceeds the fraud threshold. The reconciler only
// reports; operators resolve.
package reconciler
