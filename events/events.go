// Package events catalogs the stable event type name strings emitted across
// the runtime (eventbus, recovery, consistency, orchestrator), following the
// teacher's practice of defining event type constants in one place so every
// publisher and test references the same stable string. Unlike the teacher's
// typed Event hierarchy (one struct per event kind), spec.md's AgentEvent is
// a single envelope type (model.AgentEvent) carrying an opaque Data payload
// tagged by one of these Type strings — the payload schema is owned by
// whichever component publishes it.
package events

const (
	// AgentStarted fires when an agent completes Start successfully.
	AgentStarted = "agent:started"
	// AgentStopped fires when an agent completes Stop.
	AgentStopped = "agent:stopped"
	// AgentFailure fires whenever HandleFailure records a new failure.
	AgentFailure = "agent:failure"
	// AgentRecovered fires when a restart attempt succeeds and
	// consecutiveFailures resets to zero.
	AgentRecovered = "agent:recovered"
	// AgentDegraded fires when an agent's failures exceed maxRestartAttempts
	// and gracefulDegradationEnabled routes its work to a fallback.
	AgentDegraded = "agent:degraded"
	// AgentCritical fires when consecutiveFailures reaches alertThreshold.
	AgentCritical = "agent:critical"
	// EventProcessed fires after the bus finishes processing one event.
	EventProcessed = "event:processed"
	// InteractionCompleted fires after ProcessStudentInteraction returns.
	InteractionCompleted = "interaction:completed"
	// LearningStateInitialized fires after InitializeLearningState stores a
	// new state.
	LearningStateInitialized = "learning:state_initialized"
	// LearningStateUpdated fires after UpdateLearningState commits a merged
	// state.
	LearningStateUpdated = "learning:state_updated"
	// ValidationFailed fires when UpdateLearningState rejects a proposed
	// state.
	ValidationFailed = "validation:failed"
	// CorruptionDetected fires when a backup checksum mismatch or a
	// DetectCorruption report cannot be auto-repaired.
	CorruptionDetected = "corruption:detected"
	// ConflictManual fires when ResolveConflicts runs under the "manual"
	// strategy and defers resolution to a human collaborator.
	ConflictManual = "conflict:manual"
)
