// Package model defines the data types shared across the tutor coordination
// runtime: agent messages and responses, recommendations, events, and the
// per-student learning state the Orchestrator owns.
package model

import "time"

// AgentType is a closed enumeration identifying a kind of domain agent, plus
// the orchestrator itself. It is used throughout the runtime as a routing key.
type AgentType string

// The closed set of agent types. Domain code implements agent.Agent for one
// of the five non-orchestrator values; orchestrator is reserved for
// self-addressed lifecycle bookkeeping.
const (
	AgentAssessment       AgentType = "assessment"
	AgentContentGeneration AgentType = "contentGeneration"
	AgentPathPlanning     AgentType = "pathPlanning"
	AgentIntervention     AgentType = "intervention"
	AgentCommunication    AgentType = "communication"
	AgentOrchestrator     AgentType = "orchestrator"
)

// Valid reports whether t is one of the closed AgentType values.
func (t AgentType) Valid() bool {
	switch t {
	case AgentAssessment, AgentContentGeneration, AgentPathPlanning, AgentIntervention, AgentCommunication, AgentOrchestrator:
		return true
	default:
		return false
	}
}

// Priority is a total order over message/event urgency. Ties within a
// priority are broken by enqueue time (FIFO).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// String renders the priority for logging and test diagnostics.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// MessageKind tags the payload carried by an AgentMessage so the core can
// dispatch by (AgentType, kind) without inspecting the opaque payload.
type MessageKind string

const (
	MessageRequest      MessageKind = "request"
	MessageResponse     MessageKind = "response"
	MessageEvent        MessageKind = "event"
	MessageNotification MessageKind = "notification"
	MessageError        MessageKind = "error"
)

// AgentMessage is an immutable envelope routed between the Orchestrator and a
// single agent's mailbox. Once created, a message's id is unique for the
// lifetime of the process producing it; it is processed at most once and then
// discarded. StateSnapshot carries a read-only copy of the student's
// LearningState at dispatch time, alongside Payload's interaction-specific
// data — an agent or fallback responder that needs to reason about existing
// state (the learning path, mastery levels, and so on) reads it from here
// rather than from Payload, since the orchestrator never grants agents a
// mutable reference to the state it owns.
type AgentMessage struct {
	ID            string
	Source        AgentType
	Destination   AgentType
	Kind          MessageKind
	Payload       any
	StateSnapshot LearningState
	CreatedAt     time.Time
	Priority      Priority
	CorrelationID string
}

// AgentResponse is the reply to a single AgentMessage, produced by an agent's
// ProcessMessage (or a fallback responder standing in for it).
type AgentResponse struct {
	MessageID       string
	Success         bool
	Data            any
	Error           string
	Recommendations []Recommendation
}

// RecommendationKind classifies the advice a Recommendation carries.
type RecommendationKind string

const (
	RecommendationAction      RecommendationKind = "action"
	RecommendationContent     RecommendationKind = "content"
	RecommendationStrategy    RecommendationKind = "strategy"
	RecommendationIntervention RecommendationKind = "intervention"
)

// Recommendation is structured advice produced by an agent and merged by the
// Orchestrator into a response's action list and the next learning state.
type Recommendation struct {
	ID          string
	Kind        RecommendationKind
	Priority    Priority
	Description string
	Data        any
	Confidence  float64
	Reasoning   string
	// TargetField names the LearningState field this recommendation proposes
	// to influence, used for duplicate resolution (see orchestrator merge).
	TargetField string
	// Source records which AgentType produced this recommendation. Set by the
	// Orchestrator when aggregating responses, not by the agent itself.
	Source AgentType
}

// AgentEvent is published on the Event Bus.
type AgentEvent struct {
	ID        string
	Type      string
	Source    AgentType
	Data      any
	Timestamp time.Time
	Priority  Priority
}
