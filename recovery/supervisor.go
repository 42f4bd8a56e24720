// Package recovery implements the Recovery Supervisor: the component that
// watches agent health, restarts failed agents with backoff, and degrades
// gracefully to a fallback responder when an agent exhausts its restart
// budget. The restart backoff is paced with golang.org/x/time/rate the same
// way the teacher's AdaptiveRateLimiter paces retries against a model
// provider (features/model/middleware/ratelimit.go): each agent gets its
// own limiter whose rate is halved on every additional failure
// and restored to its base rate on a successful restart.
package recovery

import (
	"container/ring"
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adaptivetutor/tutorcore/agent"
	"github.com/adaptivetutor/tutorcore/events"
	"github.com/adaptivetutor/tutorcore/eventbus"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// Config bundles the Recovery Supervisor's tunables.
type Config struct {
	MaxRestartAttempts         int
	RestartDelay               time.Duration
	HealthCheckInterval        time.Duration
	FailoverEnabled            bool
	GracefulDegradationEnabled bool
	AlertThreshold             int
	FailureHistoryCap          int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRestartAttempts:         3,
		RestartDelay:               5 * time.Second,
		HealthCheckInterval:        30 * time.Second,
		FailoverEnabled:            true,
		GracefulDegradationEnabled: true,
		AlertThreshold:             5,
		FailureHistoryCap:          1000,
	}
}

// Restarter is the subset of agentrt.Runtime the supervisor depends on.
// Declaring it here (rather than importing agentrt's concrete type into
// call sites) keeps the supervisor testable with a stub.
type Restarter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetFailures()
	Health() model.AgentHealth
	Type() model.AgentType
}

// FailureRecord is one entry in an agent's failure history.
type FailureRecord struct {
	AgentType  model.AgentType
	Timestamp  time.Time
	Reason     string
	Consecutive int
}

type agentState struct {
	runtime        Restarter
	limiter        *rate.Limiter
	baseLimit      rate.Limit
	consecutive    int
	totalFailures  int
	restarting     bool
	fallbackActive bool
	history        *ring.Ring
	historyLen     int
}

// Supervisor is the Recovery Supervisor.
type Supervisor struct {
	cfg Config
	tel telemetry.Set
	bus *eventbus.Bus

	mu     sync.Mutex
	agents map[model.AgentType]*agentState

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor. bus may be nil, in which case lifecycle
// events are not published (used by tests that only exercise restart
// bookkeeping).
func New(cfg Config, bus *eventbus.Bus, tel telemetry.Set) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		tel:    tel,
		bus:    bus,
		agents: make(map[model.AgentType]*agentState),
	}
}

// Register adds runtime under supervision. Calling Register twice for the
// same AgentType replaces the prior registration.
func (s *Supervisor) Register(runtime Restarter) {
	base := rate.Limit(1.0 / s.cfg.RestartDelay.Seconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[runtime.Type()] = &agentState{
		runtime:   runtime,
		limiter:   rate.NewLimiter(base, 1),
		baseLimit: base,
		history:   ring.New(s.cfg.FailureHistoryCap),
	}
}

// Start begins the periodic health-check loop. It is safe to call Start
// without Register calls already in place; agents can be registered before
// or after.
func (s *Supervisor) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.healthCheckLoop(ctx)
}

// Stop ends the periodic health-check loop.
func (s *Supervisor) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) healthCheckLoop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[model.AgentType]Restarter, len(s.agents))
	for t, st := range s.agents {
		snapshot[t] = st.runtime
	}
	s.mu.Unlock()

	for t, runtime := range snapshot {
		h := runtime.Health()
		if !h.Healthy && h.Active {
			s.tel.Logger.Warn(ctx, "health check detected unhealthy agent", "agent", t, "consecutive", h.ConsecutiveFailures)
		}
	}
}

// HandleFailure records a failure for agentType and drives the
// restart/backoff/degradation state machine. It is idempotent in the sense
// that a failure reported while a restart attempt is already in flight for
// the same agent is recorded in the history but does not spawn a second,
// concurrent restart.
func (s *Supervisor) HandleFailure(ctx context.Context, agentType model.AgentType, reason string) {
	s.mu.Lock()
	st, ok := s.agents[agentType]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.consecutive++
	st.totalFailures++
	st.history.Value = FailureRecord{AgentType: agentType, Timestamp: time.Now(), Reason: reason, Consecutive: st.consecutive}
	st.history = st.history.Next()
	if st.historyLen < s.cfg.FailureHistoryCap {
		st.historyLen++
	}
	consecutive := st.consecutive
	alreadyRestarting := st.restarting
	s.mu.Unlock()

	s.publish(events.AgentFailure, agentType, map[string]any{"reason": reason, "consecutive": consecutive})

	if consecutive >= s.cfg.AlertThreshold {
		s.publish(events.AgentCritical, agentType, map[string]any{"consecutive": consecutive})
	}

	if consecutive > s.cfg.MaxRestartAttempts {
		if s.cfg.GracefulDegradationEnabled {
			s.mu.Lock()
			st.fallbackActive = true
			s.mu.Unlock()
			s.publish(events.AgentDegraded, agentType, map[string]any{"consecutive": consecutive})
		}
		return
	}

	if alreadyRestarting || !s.cfg.FailoverEnabled {
		return
	}

	s.mu.Lock()
	st.restarting = true
	limiter := st.limiter
	s.mu.Unlock()

	go s.attemptRestart(ctx, agentType, st, limiter)
}

// attemptRestart waits for the agent's backoff limiter to permit an
// attempt, then stops and restarts the runtime. Each additional consecutive
// failure halves the limiter's effective rate (doubling the expected wait),
// mirroring the teacher's AIMD backoff() halving the token budget; a
// successful restart restores baseLimit.
func (s *Supervisor) attemptRestart(ctx context.Context, agentType model.AgentType, st *agentState, limiter *rate.Limiter) {
	defer func() {
		s.mu.Lock()
		st.restarting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	newLimit := rate.Limit(float64(st.baseLimit) / math.Pow(2, float64(st.consecutive-1)))
	st.limiter.SetLimit(newLimit)
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return
	}

	_ = st.runtime.Stop(ctx)
	if err := st.runtime.Start(ctx); err != nil {
		s.tel.Logger.Error(ctx, "agent restart failed", "agent", agentType, "error", err)
		return
	}

	s.mu.Lock()
	st.consecutive = 0
	st.fallbackActive = false
	st.limiter.SetLimit(st.baseLimit)
	s.mu.Unlock()
	st.runtime.ResetFailures()

	s.publish(events.AgentRecovered, agentType, nil)
}

// IsFallbackActive reports whether agentType has exhausted its restart
// budget and is being routed to a fallback responder instead.
func (s *Supervisor) IsFallbackActive(agentType model.AgentType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentType]
	if !ok {
		return false
	}
	return st.fallbackActive
}

// GetAgentHealth returns the current health surface for agentType.
func (s *Supervisor) GetAgentHealth(agentType model.AgentType) (model.AgentHealth, bool) {
	s.mu.Lock()
	st, ok := s.agents[agentType]
	s.mu.Unlock()
	if !ok {
		return model.AgentHealth{}, false
	}
	return st.runtime.Health(), true
}

// GetSystemHealth returns the health surface for every registered agent.
func (s *Supervisor) GetSystemHealth() map[model.AgentType]model.AgentHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.AgentType]model.AgentHealth, len(s.agents))
	for t, st := range s.agents {
		out[t] = st.runtime.Health()
	}
	return out
}

// GetFailureHistory returns the recorded failures for agentType, oldest
// first, bounded by the configured history cap. The returned agent.Bounds
// reports the agent's true lifetime failure count and whether the ring
// buffer has already evicted entries older than what's returned.
func (s *Supervisor) GetFailureHistory(agentType model.AgentType) ([]FailureRecord, agent.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[agentType]
	if !ok {
		return nil, agent.Bounds{}
	}
	out := make([]FailureRecord, 0, st.historyLen)
	st.history.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(FailureRecord))
	})
	total := st.totalFailures
	bounds := agent.Bounds{Returned: len(out), Total: &total, Truncated: total > len(out)}
	if bounds.Truncated {
		bounds.RefinementHint = "only the most recent failures are retained; earlier ones were evicted"
	}
	return out, bounds
}

func (s *Supervisor) publish(eventType string, source model.AgentType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(s.bus.Create(eventType, source, data, model.PriorityHigh))
}
