// Package agent defines the contract every domain agent (assessment,
// content generation, path planning, intervention, communication)
// implements, plus the small identifier and boundedness types the runtime
// uses to talk about agents without coupling to any one implementation.
//
// Grounded on the teacher's runtime/agent package: Ident and Bounds are
// adapted near-verbatim from ident.go and bounds.go (the teacher's strong
// identifier and truncation-metadata types generalize directly to this
// runtime); Agent itself is new, shaped by the engine.go processing loop's
// Initialize/Process/Shutdown lifecycle but narrowed to the single
// synchronous ProcessMessage call spec.md's Agent Runtime dispatches to.
package agent

import "github.com/adaptivetutor/tutorcore/model"

// Ident is the strong type for a fully qualified agent identifier. Using a
// distinct type instead of a bare string keeps agent identifiers from being
// accidentally interchanged with other string-keyed values in maps or APIs.
type Ident string

// Bounds describes how a result has been bounded relative to the full
// underlying data set, without the caller needing to inspect
// implementation-specific fields. Returned reports how many items are
// present in the bounded view; Total, when non-nil, is the best-effort
// total before truncation; Truncated indicates whether a cap was applied;
// RefinementHint is short human-readable guidance for narrowing the query.
type Bounds struct {
	Returned       int
	Total          *int
	Truncated      bool
	RefinementHint string
}

// BoundedResult is an optional interface a recommendation or response
// payload can implement to expose boundedness metadata directly, so the
// orchestrator can surface truncation without heuristically inspecting
// agent-specific fields.
type BoundedResult interface {
	Bounds() Bounds
}

// Agent is the contract every domain agent implements. The Agent Runtime
// calls Initialize once before the agent's mailbox starts accepting
// messages, ProcessMessage once per delivered AgentMessage, one call at a
// time (never concurrently with itself), and
// Shutdown once when the agent is stopped.
type Agent interface {
	// Initialize prepares the agent to process messages. A non-nil error
	// aborts the Start transition and leaves the agent inactive.
	Initialize() error

	// ProcessMessage handles one message and returns the response to
	// relay to the caller. An error return is treated the same as
	// resp.Success == false: the interaction proceeds without this
	// agent's contribution, and the failure is reported to the Recovery
	// Supervisor.
	ProcessMessage(msg model.AgentMessage) (model.AgentResponse, error)

	// Shutdown releases any resources the agent holds. Called once per
	// Stop; Deliver is guaranteed not to be in flight when it runs.
	Shutdown() error

	// Type identifies which of the closed set of AgentType values this
	// agent implements.
	Type() model.AgentType
}
