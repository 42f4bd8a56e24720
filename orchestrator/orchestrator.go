// Package orchestrator implements the Orchestrator: the component that
// owns every student's LearningState, fans a student interaction out to
// the registered domain agents, merges their recommendations back into a
// single consistent state, and wires the Event Bus, Agent Runtime,
// Recovery Supervisor, and Consistency Manager together into one runtime.
//
// Fan-out follows the teacher's errgroup.WithContext dispatch pattern
// (server/fastview/client.go): one goroutine per agent, a shared deadline
// context, and the group's own error channel used only to learn when every
// dispatch has returned, never to abort sibling dispatches on one agent's
// failure — a single agent failing must not cancel the others' in-flight
// work.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adaptivetutor/tutorcore/agent"
	"github.com/adaptivetutor/tutorcore/agentrt"
	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/consistency"
	"github.com/adaptivetutor/tutorcore/events"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/fallback"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/recovery"
	"github.com/adaptivetutor/tutorcore/rterrors"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// DefaultInteractionDeadline bounds how long ProcessStudentInteraction
// waits for the slowest registered agent before treating it as failed.
const DefaultInteractionDeadline = 5 * time.Second

// Config bundles the Orchestrator's own tunables, distinct from the
// sub-component configs (recovery.Config, consistency.Config) each
// sub-component already owns.
type Config struct {
	InteractionDeadline time.Duration
}

// DefaultConfig returns the spec's documented default.
func DefaultConfig() Config {
	return Config{InteractionDeadline: DefaultInteractionDeadline}
}

// InteractionResult is what ProcessStudentInteraction returns: the merged
// state after the interaction, the per-agent responses actually collected,
// and any conflicts that required manual resolution.
type InteractionResult struct {
	State           model.LearningState
	Responses       map[model.AgentType]model.AgentResponse
	ManualConflicts []model.Conflict
}

// Orchestrator owns per-student LearningState and coordinates the agents,
// the Event Bus, the Recovery Supervisor, and the Consistency Manager.
type Orchestrator struct {
	cfg      Config
	bus      *eventbus.Bus
	sup      *recovery.Supervisor
	cm       *consistency.Manager
	seq      *clock.Sequence
	tel      telemetry.Set

	mu       sync.RWMutex
	runtimes map[model.AgentType]*agentrt.Runtime

	statesMu sync.RWMutex
	states   map[string]model.LearningState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Orchestrator. bus, sup, and cm must be non-nil. The bus
// already dispatches from construction and cm needs no start; Start brings
// every registered agent's runtime and sup's health-check loop online. seq
// supplies the monotonic ordering
// counter shared with every Agent Runtime created by RegisterAgent.
func New(cfg Config, bus *eventbus.Bus, sup *recovery.Supervisor, cm *consistency.Manager, seq *clock.Sequence, tel telemetry.Set) *Orchestrator {
	if cfg.InteractionDeadline <= 0 {
		cfg.InteractionDeadline = DefaultInteractionDeadline
	}
	return &Orchestrator{
		cfg:      cfg,
		bus:      bus,
		sup:      sup,
		cm:       cm,
		seq:      seq,
		tel:      tel,
		runtimes: make(map[model.AgentType]*agentrt.Runtime),
		states:   make(map[string]model.LearningState),
		locks:    make(map[string]*sync.Mutex),
	}
}

// RegisterAgent wraps a into an Agent Runtime and registers it with the
// Recovery Supervisor. Agents must all be registered before Start.
func (o *Orchestrator) RegisterAgent(a agent.Agent) error {
	if a.Type() == model.AgentOrchestrator || !a.Type().Valid() {
		return fmt.Errorf("orchestrator: invalid agent type %q", a.Type())
	}
	rt := agentrt.New(a, o.seq, o.tel)

	o.mu.Lock()
	if _, exists := o.runtimes[a.Type()]; exists {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: agent %q already registered", a.Type())
	}
	o.runtimes[a.Type()] = rt
	o.mu.Unlock()

	o.sup.Register(rt)
	return nil
}

// Start brings every registered agent's runtime and the Recovery
// Supervisor's health-check loop online.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.RLock()
	runtimes := make([]*agentrt.Runtime, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		runtimes = append(runtimes, rt)
	}
	o.mu.RUnlock()

	for _, rt := range runtimes {
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: starting agent %q: %w", rt.Type(), err)
		}
		o.publish(events.AgentStarted, rt.Type(), nil)
	}
	o.sup.Start(ctx)
	return nil
}

// Stop shuts down the Recovery Supervisor's health-check loop and every
// registered agent's runtime.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.sup.Stop()

	o.mu.RLock()
	runtimes := make([]*agentrt.Runtime, 0, len(o.runtimes))
	for _, rt := range o.runtimes {
		runtimes = append(runtimes, rt)
	}
	o.mu.RUnlock()

	var firstErr error
	for _, rt := range runtimes {
		if err := rt.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		o.publish(events.AgentStopped, rt.Type(), nil)
	}
	return firstErr
}

// lockFor returns the per-student critical-section mutex, creating it on
// first use. Every state-mutating operation for a given studentID takes
// this lock so concurrent interactions for the same student never
// interleave their read-modify-write of LearningState.
func (o *Orchestrator) lockFor(studentID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[studentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[studentID] = l
	}
	return l
}

// InitializeLearningState creates and stores a fresh LearningState for
// studentID, rejecting the call if one already exists.
func (o *Orchestrator) InitializeLearningState(studentID, sessionID string) (model.LearningState, error) {
	lock := o.lockFor(studentID)
	lock.Lock()
	defer lock.Unlock()

	o.statesMu.RLock()
	_, exists := o.states[studentID]
	o.statesMu.RUnlock()
	if exists {
		return model.LearningState{}, fmt.Errorf("orchestrator: learning state already exists for student %q", studentID)
	}

	now := clock.Real.Now()
	state := model.LearningState{
		StudentID:        studentID,
		SessionID:        sessionID,
		LastUpdated:      now,
		KnowledgeMap:     model.NewKnowledgeMap(),
		SessionStartTime: &now,
	}
	if err := o.cm.ValidateLearningState(state); err != nil {
		return model.LearningState{}, err
	}

	o.statesMu.Lock()
	o.states[studentID] = state
	o.statesMu.Unlock()

	o.publish(events.LearningStateInitialized, model.AgentOrchestrator, map[string]any{"studentId": studentID})
	return state.Clone(), nil
}

// GetLearningState returns a snapshot of studentID's current state.
func (o *Orchestrator) GetLearningState(studentID string) (model.LearningState, bool) {
	o.statesMu.RLock()
	defer o.statesMu.RUnlock()
	s, ok := o.states[studentID]
	if !ok {
		return model.LearningState{}, false
	}
	return s.Clone(), true
}

// UpdateLearningState validates proposed and, if valid, commits it as
// studentID's new state. A rejected update leaves the stored state
// unchanged and returns the validation error.
func (o *Orchestrator) UpdateLearningState(studentID string, proposed model.LearningState) error {
	lock := o.lockFor(studentID)
	lock.Lock()
	defer lock.Unlock()
	return o.commitState(studentID, proposed)
}

// commitState validates and stores proposed as studentID's new state.
// Callers must already hold studentID's critical-section lock (via
// lockFor) — this lets ProcessStudentInteraction commit its merged result
// without re-acquiring the same non-reentrant mutex it is already holding.
func (o *Orchestrator) commitState(studentID string, proposed model.LearningState) error {
	if err := o.cm.ValidateLearningState(proposed); err != nil {
		o.publish(events.ValidationFailed, model.AgentOrchestrator, map[string]any{"studentId": studentID, "error": err.Error()})
		return err
	}

	o.statesMu.Lock()
	o.states[studentID] = proposed.Clone()
	o.statesMu.Unlock()

	o.publish(events.LearningStateUpdated, model.AgentOrchestrator, map[string]any{"studentId": studentID})
	return nil
}

// ProcessStudentInteraction dispatches payload to every registered domain
// agent concurrently, bounded by the orchestrator's InteractionDeadline. An
// agent that errors, times out, or is currently degraded by the Recovery
// Supervisor is routed to its fallback.Responder instead, and its failure
// (if any) is reported to the Supervisor. Collected recommendations are
// deduplicated by (AgentType, TargetField), conflicts are detected and
// resolved through the Consistency Manager, and the merged result is
// committed as the student's new LearningState.
func (o *Orchestrator) ProcessStudentInteraction(ctx context.Context, studentID string, payload any, strategy consistency.ConflictStrategy) (InteractionResult, error) {
	lock := o.lockFor(studentID)
	lock.Lock()
	defer lock.Unlock()

	current, ok := o.GetLearningState(studentID)
	if !ok {
		return InteractionResult{}, fmt.Errorf("orchestrator: no learning state for student %q", studentID)
	}

	o.mu.RLock()
	runtimes := make(map[model.AgentType]*agentrt.Runtime, len(o.runtimes))
	for t, rt := range o.runtimes {
		runtimes[t] = rt
	}
	o.mu.RUnlock()

	dctx, cancel := context.WithTimeout(ctx, o.cfg.InteractionDeadline)
	defer cancel()

	responses := make(map[model.AgentType]model.AgentResponse, len(runtimes))
	var respMu sync.Mutex

	group, gctx := errgroup.WithContext(dctx)
	for agentType, rt := range runtimes {
		agentType, rt := agentType, rt
		group.Go(func() error {
			resp := o.dispatchOne(gctx, agentType, rt, studentID, payload, current)
			respMu.Lock()
			responses[agentType] = resp
			respMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	recs := make([]model.Recommendation, 0)
	for agentType, resp := range responses {
		for _, r := range resp.Recommendations {
			r.Source = agentType
			recs = append(recs, r)
		}
	}
	deduped := dedupeRecommendations(recs)

	conflicts := o.cm.DetectConflicts(deduped)
	resolved, manual := o.cm.ResolveConflicts(conflicts, strategy)

	conflictedFields := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		conflictedFields[c.FieldPath] = struct{}{}
	}
	toApply := make([]model.Recommendation, 0, len(deduped))
	for _, r := range deduped {
		if _, contested := conflictedFields[r.TargetField]; !contested {
			toApply = append(toApply, r)
		}
	}
	toApply = append(toApply, resolved...)

	merged := applyRecommendations(current, toApply)
	merged.LastUpdated = clock.Real.Now()
	merged.AppendContext(model.ContextEntry{Timestamp: merged.LastUpdated, Activity: "interaction", Data: payload})

	if err := o.commitState(studentID, merged); err != nil {
		return InteractionResult{}, err
	}

	o.publish(events.InteractionCompleted, model.AgentOrchestrator, map[string]any{
		"studentId":   studentID,
		"agentCount":  len(responses),
		"manualCount": len(manual),
	})

	out, _ := o.GetLearningState(studentID)
	return InteractionResult{State: out, Responses: responses, ManualConflicts: manual}, nil
}

// dispatchOne delivers payload to one agent's runtime, routing to its
// fallback.Responder when the Recovery Supervisor reports it degraded, the
// runtime is inactive, or delivery otherwise fails. Failures observed here
// are reported to the Supervisor so its restart/backoff state machine
// reacts to them. Every dispatched message carries current as a read-only
// StateSnapshot alongside payload, per spec.md §4.5's "typed request
// carrying the interaction and a read-only snapshot of the state".
func (o *Orchestrator) dispatchOne(ctx context.Context, agentType model.AgentType, rt *agentrt.Runtime, studentID string, payload any, current model.LearningState) model.AgentResponse {
	msg := model.AgentMessage{
		ID:            fmt.Sprintf("%s-%d", studentID, o.seq.Next()),
		Source:        model.AgentOrchestrator,
		Destination:   agentType,
		Kind:          model.MessageRequest,
		Payload:       payload,
		StateSnapshot: current.Clone(),
		CreatedAt:     clock.Real.Now(),
		Priority:      model.PriorityMedium,
	}

	if o.sup.IsFallbackActive(agentType) {
		return o.runFallback(agentType, msg)
	}

	resp, err := rt.Deliver(ctx, msg)
	if err != nil || !resp.Success {
		reason := resp.Error
		if err != nil {
			reason = err.Error()
		}
		o.sup.HandleFailure(context.WithoutCancel(ctx), agentType, reason)
		return o.runFallback(agentType, msg)
	}
	return resp
}

// runFallback invokes agentType's fallback responder, or returns an
// unsuccessful response if no fallback is registered for it.
func (o *Orchestrator) runFallback(agentType model.AgentType, msg model.AgentMessage) model.AgentResponse {
	responder, ok := fallback.For(agentType)
	if !ok {
		err := &rterrors.AgentProcessingError{Agent: string(agentType), Reason: "no fallback available"}
		return model.AgentResponse{MessageID: msg.ID, Success: false, Error: err.Error()}
	}
	return responder(msg)
}

// dedupeRecommendations keeps one Recommendation per (AgentType,
// TargetField) pair, preferring the highest-confidence proposal; ties keep
// the first one encountered.
func dedupeRecommendations(recs []model.Recommendation) []model.Recommendation {
	type key struct {
		agent model.AgentType
		field string
	}
	best := make(map[key]model.Recommendation)
	order := make([]key, 0, len(recs))
	for _, r := range recs {
		k := key{agent: r.Source, field: r.TargetField}
		existing, ok := best[k]
		if !ok {
			best[k] = r
			order = append(order, k)
			continue
		}
		if r.Confidence > existing.Confidence {
			best[k] = r
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].field < order[j].field })
	out := make([]model.Recommendation, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// applyRecommendations folds resolved recommendations into a copy of
// current, most directly supporting the CurrentDifficulty and KnowledgeMap
// fields the spec's conflict examples target. Recommendations naming any
// other TargetField are recorded in RecentAchievements for visibility
// rather than silently dropped.
func applyRecommendations(current model.LearningState, recs []model.Recommendation) model.LearningState {
	out := current.Clone()
	for _, r := range recs {
		switch r.TargetField {
		case "CurrentDifficulty":
			if v, ok := toFloat(r.Data); ok {
				out.CurrentDifficulty = &v
			}
		case "KnowledgeMap":
			if v, ok := toFloat(r.Data); ok {
				lvl := out.KnowledgeMap.Concepts["overall"]
				lvl.Concept = "overall"
				if !lvl.Level.Valid() {
					lvl.Level = model.MasteryUnknown
				}
				lvl.Confidence = v
				lvl.LastAssessed = clock.Real.Now()
				out.KnowledgeMap.Concepts["overall"] = lvl
			}
		default:
			out.RecentAchievements = append(out.RecentAchievements, fmt.Sprintf("%s:%v", r.TargetField, r.Data))
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// GetSystemHealth returns the Recovery Supervisor's health snapshot for
// every registered agent.
func (o *Orchestrator) GetSystemHealth() map[model.AgentType]model.AgentHealth {
	return o.sup.GetSystemHealth()
}

func (o *Orchestrator) publish(eventType string, source model.AgentType, data any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(o.bus.Create(eventType, source, data, model.PriorityMedium))
}
