// Package executor holds the contract with the external delivery executor
// and its client implementations: the JSON-over-HTTP production client, a
// fault-injecting wrapper for dev and test environments, and a static
// always-succeed executor for local development.
package executor
