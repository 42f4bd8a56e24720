package model

import "time"

// AgentHealth is the health surface an Agent Runtime reports for one agent.
type AgentHealth struct {
	Healthy             bool
	Active              bool
	Processing          bool
	MailboxDepth        int
	ConsecutiveFailures int
	LastFailure         time.Time
	TotalFailures       int
	Uptime              time.Duration
}

// ConflictSide is one party's proposal for a contested field.
type ConflictSide struct {
	Source     AgentType
	Value      any
	Timestamp  time.Time
	Confidence float64
}

// Conflict is detected when two agents propose different values for the same
// field path within the same update window.
type Conflict struct {
	FieldPath string
	Current   ConflictSide
	Proposed  ConflictSide
}
