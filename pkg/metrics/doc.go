// Package metrics exposes Prometheus collectors for the delivery engine:
// order intake, task lifecycle, worker cycles, proxy routing, ledger
// activity, and reconciliation. Collectors are package-level variables
// registered at init, and the Timer helper times operations into
// histograms.
package metrics
