package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/consistency"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/recovery"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// stubAgent is a deterministic domain agent for orchestrator tests: it
// proposes a fixed TargetField/value recommendation, or returns an error
// when configured to fail.
type stubAgent struct {
	agentType   model.AgentType
	targetField string
	value       any
	confidence  float64
	fail        bool
	delay       time.Duration
}

func (a *stubAgent) Initialize() error { return nil }

func (a *stubAgent) Shutdown() error { return nil }

func (a *stubAgent) Type() model.AgentType { return a.agentType }

func (a *stubAgent) ProcessMessage(msg model.AgentMessage) (model.AgentResponse, error) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.fail {
		return model.AgentResponse{MessageID: msg.ID, Success: false, Error: "stub failure"}, nil
	}
	return model.AgentResponse{
		MessageID: msg.ID,
		Success:   true,
		Recommendations: []model.Recommendation{{
			Kind:        model.RecommendationAction,
			TargetField: a.targetField,
			Data:        a.value,
			Confidence:  a.confidence,
		}},
	}, nil
}

func newTestOrchestrator(t *testing.T, recoveryCfg recovery.Config) *Orchestrator {
	t.Helper()
	tel := telemetry.NewNoopSet()
	bus := eventbus.New(eventbus.WithTelemetry(tel))
	t.Cleanup(bus.Stop)

	sup := recovery.New(recoveryCfg, bus, tel)
	cm, err := consistency.New(consistency.DefaultConfig(), bus, tel)
	require.NoError(t, err)

	var seq clock.Sequence
	return New(DefaultConfig(), bus, sup, cm, &seq, tel)
}

func TestInitializeAndGetLearningStateRoundTrips(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	state, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)
	require.Equal(t, "student-1", state.StudentID)

	got, ok := o.GetLearningState("student-1")
	require.True(t, ok)
	require.Equal(t, "session-1", got.SessionID)
}

func TestInitializeLearningStateRejectsDuplicate(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	_, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)

	_, err = o.InitializeLearningState("student-1", "session-2")
	require.Error(t, err)
}

func TestProcessStudentInteractionMergesSingleAgentRecommendation(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	_, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)

	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentAssessment, targetField: "CurrentDifficulty", value: 0.6, confidence: 0.9}))

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop(ctx) })

	result, err := o.ProcessStudentInteraction(ctx, "student-1", map[string]any{"answer": "42"}, consistency.StrategyLatest)
	require.NoError(t, err)
	require.NotNil(t, result.State.CurrentDifficulty)
	require.InDelta(t, 0.6, *result.State.CurrentDifficulty, 1e-9)
	require.Empty(t, result.ManualConflicts)
}

func TestProcessStudentInteractionResolvesConflictingRecommendations(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	_, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)

	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentAssessment, targetField: "CurrentDifficulty", value: 0.2, confidence: 1.0}))
	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentPathPlanning, targetField: "CurrentDifficulty", value: 0.8, confidence: 1.0}))

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop(ctx) })

	result, err := o.ProcessStudentInteraction(ctx, "student-1", map[string]any{}, consistency.StrategyMerge)
	require.NoError(t, err)
	require.NotNil(t, result.State.CurrentDifficulty)
	require.InDelta(t, 0.5, *result.State.CurrentDifficulty, 1e-9)
}

func TestProcessStudentInteractionManualStrategyLeavesConflictUnresolved(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	before, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)

	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentAssessment, targetField: "CurrentDifficulty", value: 0.2, confidence: 1.0}))
	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentPathPlanning, targetField: "CurrentDifficulty", value: 0.9, confidence: 1.0}))

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop(ctx) })

	result, err := o.ProcessStudentInteraction(ctx, "student-1", map[string]any{}, consistency.StrategyManual)
	require.NoError(t, err)
	require.Len(t, result.ManualConflicts, 1)
	require.Equal(t, before.CurrentDifficulty, result.State.CurrentDifficulty)
}

func TestProcessStudentInteractionFallsBackOnAgentFailure(t *testing.T) {
	cfg := recovery.DefaultConfig()
	cfg.FailoverEnabled = false
	o := newTestOrchestrator(t, cfg)
	_, err := o.InitializeLearningState("student-1", "session-1")
	require.NoError(t, err)

	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentAssessment, fail: true}))

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop(ctx) })

	result, err := o.ProcessStudentInteraction(ctx, "student-1", map[string]any{"correctCount": 2, "totalCount": 4}, consistency.StrategyLatest)
	require.NoError(t, err)
	resp := result.Responses[model.AgentAssessment]
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	require.True(t, data["fallback"].(bool))
}

func TestGetSystemHealthReportsRegisteredAgent(t *testing.T) {
	o := newTestOrchestrator(t, recovery.DefaultConfig())
	require.NoError(t, o.RegisterAgent(&stubAgent{agentType: model.AgentCommunication}))

	ctx := context.Background()
	require.NoError(t, o.Start(ctx))
	t.Cleanup(func() { _ = o.Stop(ctx) })

	health := o.GetSystemHealth()
	h, ok := health[model.AgentCommunication]
	require.True(t, ok)
	require.True(t, h.Healthy)
}
