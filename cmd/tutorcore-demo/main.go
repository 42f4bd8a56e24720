// Command tutorcore-demo wires the Event Bus, Agent Runtime, Recovery
// Supervisor, Consistency Manager, and Orchestrator into one running
// process and drives a single student interaction through it, the way
// cmd/demo wires up a minimal planner and runs one turn through it. The
// five domain agents registered here are stub implementations: the
// pedagogical logic behind a real assessment, content generation, path
// planning, intervention, or communication agent is out of scope for this
// runtime and is supplied by whatever process imports these packages.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/config"
	"github.com/adaptivetutor/tutorcore/consistency"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/orchestrator"
	"github.com/adaptivetutor/tutorcore/recovery"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// echoAgent is a minimal agent.Agent that acknowledges every message
// without proposing any recommendation, standing in for a real domain
// agent implementation.
type echoAgent struct {
	agentType model.AgentType
}

func (a *echoAgent) Initialize() error { return nil }

func (a *echoAgent) Shutdown() error { return nil }

func (a *echoAgent) Type() model.AgentType { return a.agentType }

func (a *echoAgent) ProcessMessage(msg model.AgentMessage) (model.AgentResponse, error) {
	return model.AgentResponse{MessageID: msg.ID, Success: true, Data: map[string]any{"echoed": true}}, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load(envOr("TUTORCORE_CONFIG_FILE", ""))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel := telemetry.NewNoopSet()
	bus := eventbus.New(append(cfg.ToBusOptions(), eventbus.WithTelemetry(tel))...)
	defer bus.Stop()

	sup := recovery.New(cfg.ToRecoveryConfig(), bus, tel)
	cm, err := consistency.New(cfg.ToConsistencyConfig(), bus, tel)
	if err != nil {
		return fmt.Errorf("create consistency manager: %w", err)
	}

	var seq clock.Sequence
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.InteractionDeadline = cfg.InteractionDeadline
	orch := orchestrator.New(orchCfg, bus, sup, cm, &seq, tel)

	for _, agentType := range []model.AgentType{
		model.AgentAssessment,
		model.AgentContentGeneration,
		model.AgentPathPlanning,
		model.AgentIntervention,
		model.AgentCommunication,
	} {
		if err := orch.RegisterAgent(&echoAgent{agentType: agentType}); err != nil {
			return fmt.Errorf("register agent %s: %w", agentType, err)
		}
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Stop(ctx); err != nil {
			log.Printf("stop orchestrator: %v", err)
		}
	}()

	const studentID = "demo-student"
	if _, err := orch.InitializeLearningState(studentID, "demo-session"); err != nil {
		return fmt.Errorf("initialize learning state: %w", err)
	}

	result, err := orch.ProcessStudentInteraction(ctx, studentID, map[string]any{"message": "hello"}, consistency.StrategyLatest)
	if err != nil {
		return fmt.Errorf("process interaction: %w", err)
	}

	fmt.Printf("student %s: %d agent responses, %d manual conflicts\n", studentID, len(result.Responses), len(result.ManualConflicts))
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
