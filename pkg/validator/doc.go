// Package validator verifies the engine's accounting invariants on demand:
// quantity conservation, the refund cap, terminal-state consistency,
// external-key and token uniqueness, and the absence of stuck tasks. It
// produces a structured report and never mutates state.
package validator
