// Package agentrt implements the Agent Runtime: the per-agent mailbox and
// lifecycle state machine that sits between the Orchestrator and a
// domain agent.Agent implementation. Each Runtime serializes delivery to
// its agent through a single worker goroutine (an agent's ProcessMessage is
// never called reentrantly), following the teacher's single-consumer
// channel pattern used by the in-memory session store and the hooks bus
// dispatch loop, generalized here to a lifecycle-aware mailbox with a
// bounded backlog.
package agentrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adaptivetutor/tutorcore/agent"
	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/rterrors"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// State is one of the four lifecycle states a Runtime moves through.
type State string

const (
	StateInactive State = "inactive"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// DefaultMailboxCap bounds the backlog of messages queued for async
// processing while the worker is busy with another message.
const DefaultMailboxCap = 256

// QueuedStatus is the Data.status value returned by Deliver when a message
// is accepted onto the backlog instead of processed synchronously.
const QueuedStatus = "queued"

// EventHandler reacts to a bus event delivered to this agent.
type EventHandler func(ctx context.Context, event model.AgentEvent) error

type registeredHandler struct {
	handler  EventHandler
	priority model.Priority
}

// Runtime owns one agent's lifecycle and mailbox.
type Runtime struct {
	agent agent.Agent
	tel   telemetry.Set
	seq   *clock.Sequence

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	consecutive  int
	totalFailure int
	lastFailure  time.Time
	processing   bool

	worker   chan struct{} // capacity-1 semaphore: held while a message is in flight
	mailbox  chan model.AgentMessage
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	handlersMu sync.Mutex
	handlers   map[string][]registeredHandler
}

// New constructs a Runtime for agent a. The runtime starts inactive; call
// Start to bring it online.
func New(a agent.Agent, seq *clock.Sequence, tel telemetry.Set) *Runtime {
	return &Runtime{
		agent:    a,
		tel:      tel,
		seq:      seq,
		state:    StateInactive,
		worker:   make(chan struct{}, 1),
		mailbox:  make(chan model.AgentMessage, DefaultMailboxCap),
		handlers: make(map[string][]registeredHandler),
	}
}

// Type returns the wrapped agent's AgentType.
func (r *Runtime) Type() model.AgentType { return r.agent.Type() }

// Start transitions inactive -> starting -> active, calling the agent's
// Initialize. On initialization failure the runtime reverts to inactive and
// the error is returned. Starting an already-active runtime is rejected.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateInactive {
		state := r.state
		r.mu.Unlock()
		return &rterrors.LifecycleError{Agent: string(r.agent.Type()), State: string(state), Op: "start"}
	}
	r.state = StateStarting
	r.mu.Unlock()

	if err := r.agent.Initialize(); err != nil {
		r.mu.Lock()
		r.state = StateInactive
		r.mu.Unlock()
		r.tel.Logger.Error(ctx, "agent initialize failed", "agent", r.agent.Type(), "error", err)
		return err
	}

	r.mu.Lock()
	r.state = StateActive
	r.startedAt = clock.Real.Now()
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.workerWG.Add(1)
	go r.runWorker(r.stopCh)

	r.tel.Logger.Info(ctx, "agent started", "agent", r.agent.Type())
	return nil
}

// Stop transitions active -> stopping -> inactive, draining the worker and
// calling the agent's Shutdown. Messages still queued in the mailbox when
// Stop is called are discarded.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateActive {
		state := r.state
		r.mu.Unlock()
		return &rterrors.LifecycleError{Agent: string(r.agent.Type()), State: string(state), Op: "stop"}
	}
	r.state = StateStopping
	stop := r.stopCh
	r.mu.Unlock()

	close(stop)
	r.workerWG.Wait()
	for len(r.mailbox) > 0 {
		<-r.mailbox
	}

	// Hold the single-flight semaphore so a ProcessMessage started by a
	// synchronous Deliver has returned before Shutdown runs.
	r.worker <- struct{}{}
	err := r.agent.Shutdown()
	<-r.worker

	r.mu.Lock()
	r.state = StateInactive
	r.mu.Unlock()

	r.tel.Logger.Info(ctx, "agent stopped", "agent", r.agent.Type())
	return err
}

// IsActive reports whether the runtime currently accepts Deliver calls.
func (r *Runtime) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateActive
}

// Deliver routes msg to the agent. If the agent is not active, it returns
// immediately with success=false and error "not active". If the worker is
// free, the message is processed synchronously (subject to ctx's deadline)
// and the agent's real response is returned. If the worker is already
// processing another message, msg is appended to the bounded backlog and
// Deliver returns immediately with success=true and Data
// {"status": "queued"}; the agent processes it once free, and its response
// at that point is only observable via whatever side effects
// ProcessMessage produces (events published, recommendations recorded) —
// Deliver itself does not block a second time to collect it.
func (r *Runtime) Deliver(ctx context.Context, msg model.AgentMessage) (model.AgentResponse, error) {
	if !r.IsActive() {
		return model.AgentResponse{MessageID: msg.ID, Success: false, Error: rterrors.ErrNotActive}, nil
	}

	select {
	case r.worker <- struct{}{}:
		return r.processNow(ctx, msg), nil
	default:
	}

	select {
	case r.mailbox <- msg:
		return model.AgentResponse{MessageID: msg.ID, Success: true, Data: map[string]string{"status": QueuedStatus}}, nil
	default:
		return model.AgentResponse{MessageID: msg.ID, Success: false, Error: "mailbox full"}, nil
	}
}

// processNow runs the agent's ProcessMessage in the background and waits
// for it, honoring ctx's deadline. Callers must have already acquired
// r.worker; processNow's background goroutine releases it once
// ProcessMessage actually returns — not when ctx expires — so a caller that
// gives up on a slow call can never cause a second ProcessMessage call to
// run concurrently with the still-in-flight first one.
func (r *Runtime) processNow(ctx context.Context, msg model.AgentMessage) model.AgentResponse {
	r.markProcessing(true)

	type result struct {
		resp model.AgentResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() { <-r.worker }()
		defer r.markProcessing(false)
		resp, err := r.agent.ProcessMessage(msg)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			r.recordFailure(res.err)
			return model.AgentResponse{MessageID: msg.ID, Success: false, Error: res.err.Error()}
		}
		r.recordSuccess()
		return res.resp
	case <-ctx.Done():
		r.recordFailure(&rterrors.AgentProcessingError{Agent: string(r.agent.Type()), Timeout: true})
		return model.AgentResponse{MessageID: msg.ID, Success: false, Error: "deadline exceeded"}
	}
}

// runWorker drains the mailbox backlog with the same single-flight
// semaphore Deliver uses, so a synchronous Deliver call and the backlog
// drain never run the agent concurrently with itself. Because
// processNow's own background goroutine releases r.worker, runWorker only
// acquires it here.
func (r *Runtime) runWorker(stop chan struct{}) {
	defer r.workerWG.Done()
	for {
		select {
		case <-stop:
			return
		case msg := <-r.mailbox:
			r.worker <- struct{}{}
			r.processNow(context.Background(), msg)
		}
	}
}

func (r *Runtime) markProcessing(v bool) {
	r.mu.Lock()
	r.processing = v
	r.mu.Unlock()
}

func (r *Runtime) recordFailure(err error) {
	r.mu.Lock()
	r.consecutive++
	r.totalFailure++
	r.lastFailure = clock.Real.Now()
	r.mu.Unlock()
	r.tel.Metrics.IncCounter("agentrt.failure", 1, "agent", string(r.agent.Type()))
	r.tel.Logger.Warn(context.Background(), "agent processing failed", "agent", r.agent.Type(), "error", err)
}

func (r *Runtime) recordSuccess() {
	r.mu.Lock()
	r.consecutive = 0
	r.mu.Unlock()
}

// ResetFailures clears the consecutive-failure counter, called by the
// Recovery Supervisor after a successful restart.
func (r *Runtime) ResetFailures() {
	r.mu.Lock()
	r.consecutive = 0
	r.mu.Unlock()
}

// Health reports the runtime's current health surface.
func (r *Runtime) Health() model.AgentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	var uptime time.Duration
	if r.state == StateActive {
		uptime = clock.Real.Now().Sub(r.startedAt)
	}
	return model.AgentHealth{
		Healthy:             r.consecutive == 0,
		Active:              r.state == StateActive,
		Processing:          r.processing,
		MailboxDepth:        len(r.mailbox),
		ConsecutiveFailures: r.consecutive,
		LastFailure:         r.lastFailure,
		TotalFailures:       r.totalFailure,
		Uptime:              uptime,
	}
}

// RegisterEventHandler adds a handler for eventType, invoked in descending
// priority order relative to other handlers registered for the same type.
func (r *Runtime) RegisterEventHandler(eventType string, priority model.Priority, handler EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	handlers := append(r.handlers[eventType], registeredHandler{handler: handler, priority: priority})
	for i := len(handlers) - 1; i > 0; i-- {
		if handlers[i].priority > handlers[i-1].priority {
			handlers[i], handlers[i-1] = handlers[i-1], handlers[i]
		} else {
			break
		}
	}
	r.handlers[eventType] = handlers
}

// HandleEvent implements eventbus.Subscriber: it runs every handler
// registered for event.Type in priority order, collecting (not
// short-circuiting on) individual handler errors.
func (r *Runtime) HandleEvent(ctx context.Context, event model.AgentEvent) error {
	r.handlersMu.Lock()
	handlers := append([]registeredHandler(nil), r.handlers[event.Type]...)
	r.handlersMu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if err := h.handler(ctx, event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("event handler for %s: %w", event.Type, err)
		}
	}
	return firstErr
}
