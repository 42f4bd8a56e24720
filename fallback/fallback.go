// Package fallback implements the degraded-mode responders the
// Orchestrator routes to when the Recovery Supervisor reports an agent's
// restart budget exhausted. Each responder produces a safe, deterministic
// AgentResponse using only the rules a domain agent's real implementation
// would otherwise apply probabilistically — no agent's own ProcessMessage
// is ever called while its fallback is active.
//
// Attribution: spec.md leaves open whether a fallback response should be
// attributed to the real agent's AgentType or to a distinct synthetic
// source. This package attributes fallback responses to the real
// AgentType (Recommendation.Source names the agent being stood in for) and
// marks the substitution in AgentResponse.Data under the
// "fallback" key instead — so the Orchestrator's merge and dedup logic,
// which keys on (AgentType, TargetField), does not need a parallel code
// path for fallback output, and a caller inspecting a response can still
// tell a fallback answered by checking Data["fallback"].
package fallback

import (
	"fmt"

	"github.com/adaptivetutor/tutorcore/model"
)

// Responder produces a deterministic stand-in response for one agent type
// when that agent has been degraded.
type Responder func(msg model.AgentMessage) model.AgentResponse

// Registry maps AgentType to its fallback responder.
var Registry = map[model.AgentType]Responder{
	model.AgentAssessment:        Assessment,
	model.AgentContentGeneration: ContentGeneration,
	model.AgentPathPlanning:      PathPlanning,
	model.AgentIntervention:      Intervention,
	model.AgentCommunication:     Communication,
}

// For looks up the fallback responder for agentType, returning ok=false if
// no fallback concept exists for it (the orchestrator agent type, notably).
func For(agentType model.AgentType) (Responder, bool) {
	r, ok := Registry[agentType]
	return r, ok
}

func withFallbackFlag(data map[string]any) map[string]any {
	if data == nil {
		data = make(map[string]any)
	}
	data["fallback"] = true
	return data
}

// Assessment applies a deterministic rule-based score in place of the real
// assessment agent's model-driven scoring: correct answers submitted in the
// request payload are counted directly rather than weighed by a learned
// difficulty curve.
func Assessment(msg model.AgentMessage) model.AgentResponse {
	correct, total := 0, 0
	if payload, ok := msg.Payload.(map[string]any); ok {
		if c, ok := payload["correctCount"].(int); ok {
			correct = c
		}
		if t, ok := payload["totalCount"].(int); ok {
			total = t
		}
	}
	score := 0.5
	if total > 0 {
		score = float64(correct) / float64(total)
	}
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Data:      withFallbackFlag(map[string]any{"score": score}),
		Recommendations: []model.Recommendation{{
			Kind:        model.RecommendationAction,
			TargetField: "KnowledgeMap",
			Data:        score,
			Source:      model.AgentAssessment,
			Confidence:  0.3,
			Reasoning:   "fallback rule-based score from submitted correct/total counts",
		}},
	}
}

// ContentGeneration returns a fixed template response naming the concept
// under review instead of generating tailored content.
func ContentGeneration(msg model.AgentMessage) model.AgentResponse {
	concept := "the current topic"
	if payload, ok := msg.Payload.(map[string]any); ok {
		if c, ok := payload["concept"].(string); ok && c != "" {
			concept = c
		}
	}
	content := fmt.Sprintf("Here is a review of %s. Work through the practice problems at your own pace.", concept)
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Data:      withFallbackFlag(map[string]any{"content": content}),
	}
}

// PathPlanning advances the student to the next node already on their
// existing LearningPath instead of re-planning the path.
func PathPlanning(msg model.AgentMessage) model.AgentResponse {
	var next *model.PathNode
	path := msg.StateSnapshot.LearningPath
	for i := range path {
		if !path[i].Completed {
			next = &path[i]
			break
		}
	}
	data := map[string]any{}
	if next != nil {
		data["nextNodeId"] = next.ID
	}
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Data:      withFallbackFlag(data),
	}
}

// Intervention takes no automated action and flags the interaction for
// manual follow-up rather than guessing at an intervention strategy.
func Intervention(msg model.AgentMessage) model.AgentResponse {
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Data:      withFallbackFlag(map[string]any{"action": "none", "manualReviewRequired": true}),
	}
}

// Communication returns a neutral, context-free acknowledgment instead of a
// tailored message.
func Communication(msg model.AgentMessage) model.AgentResponse {
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Data:      withFallbackFlag(map[string]any{"message": "Thanks for your response — your tutor will follow up soon."}),
	}
}
