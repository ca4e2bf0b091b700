// Package core defines the domain model of the correlation engine and the shared primitives
// every detection rule and escalation policy builds on.
//
// # Domain Types
//
//   - Event: a normalized security log record, immutable once normalized
//   - Finding: one rule's detection for one event
//   - Incident: correlated findings and logs escalated for investigation
//
// # Shared State
//
// StateStore is the only point of coordination between concurrent pipeline invocations.
// Counting is always "atomic increment, then compare the returned value"; nothing reads a
// shared counter and writes it back. DedupGuard builds "claim within window" on SetNX and
// is the single idempotence primitive of the pipeline.
//
// # Errors
//
// Failures are classified by the sentinel errors in errors.go; ErrorClass maps an error
// chain onto the label used in logs and metrics.
package core
