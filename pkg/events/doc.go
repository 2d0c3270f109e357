// Package events is the in-process event stream of the delivery engine:
// order lifecycle, task outcomes, refunds, and reconciliation findings.
// EventProxyOfflined is defined, but no component publishes it.
//
// Publishing is synchronous and never blocks the worker's hot path: a
// subscriber that cannot keep up loses events and the loss is counted
// against it, never against the pipeline. A bounded ring of recent events
// backs the admin surface.
package events
