// Package admin serves the operational HTTP surface: worker activity
// counters, orphan and invariant probes, proxy health snapshots, the
// Prometheus endpoint, and the dev-only executor fault toggles.
package admin
