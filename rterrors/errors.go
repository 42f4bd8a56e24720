// Package rterrors defines the error kinds described in the runtime's error
// handling design: errors inside agents never propagate past the runtime
// boundary (they become AgentResponses with success=false); only a
// Consistency checksum mismatch is elevated to a critical event. Kinds are
// typed so callers can use errors.As to branch on semantics rather than
// string-matching messages, following the teacher's public-error-message
// convention of exposing stable, user-facing text alongside the Go error.
package rterrors

import "fmt"

// ValidationError reports that a proposed LearningState violates an
// invariant; the triggering update is rejected and the state left
// unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", e.Field, e.Reason)
}

// AgentProcessingError reports that an agent threw or timed out while
// processing a request. The interaction proceeds without that agent's
// output; the failure is also reported to the Recovery Supervisor.
type AgentProcessingError struct {
	Agent  string
	Reason string
	Timeout bool
}

func (e *AgentProcessingError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent %s: deadline exceeded", e.Agent)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Reason)
}

// ConflictError reports a manual-strategy conflict that could not be
// auto-resolved and was left for a human collaborator.
type ConflictError struct {
	FieldPath string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: field %q requires manual resolution", e.FieldPath)
}

// CorruptionError reports that stored state failed its self-check. Repair
// is attempted when enabled; otherwise restore-from-backup is attempted,
// and if no valid backup exists a critical event is emitted.
type CorruptionError struct {
	StudentID string
	Reports   []string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption: student %s: %d report(s)", e.StudentID, len(e.Reports))
}

// LifecycleError reports an operation attempted in the wrong lifecycle
// state (start-on-active, deliver-on-inactive). The offending operation
// returns an unsuccessful response rather than panicking.
type LifecycleError struct {
	Agent string
	State string
	Op    string
}

func (e *LifecycleError) Error() string {
	if e.Op == "start" && e.State == "active" {
		return fmt.Sprintf("agent %s: %s", e.Agent, ErrAlreadyActive)
	}
	return fmt.Sprintf("agent %s: cannot %s while %s", e.Agent, e.Op, e.State)
}

// ErrNotActive is the stable error text for Deliver on an inactive agent,
// matching spec.md's required "not active" response error.
const ErrNotActive = "not active"

// ErrAlreadyActive is the stable error text for Start on an already-active
// agent.
const ErrAlreadyActive = "already active"
