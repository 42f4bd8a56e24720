// Package eventbus implements the priority-ordered, in-process publish/
// subscribe bus described in spec.md §4.1. The bus maintains one FIFO queue
// per model.Priority; a dedicated goroutine drains the highest non-empty
// queue first, so strictly higher-priority events published before the bus
// yields preempt lower-priority work already queued, while events of equal
// priority are delivered strictly FIFO.
//
// Delivery wiring: spec.md's Subscribe(agentType, eventTypes) is silent on
// how a subscribed agent actually receives events (that wiring detail is an
// Open Question the spec leaves to implementers — see DESIGN.md). This
// package resolves it the way the teacher's hooks.Bus resolves fan-out: a
// Subscriber interface bundles the callback, and Subscribe both records the
// (agentType, eventType) membership the spec calls for and registers the
// callback that the dispatch loop invokes.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adaptivetutor/tutorcore/agent"
	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

// DefaultQueueCap is the default total (summed across priorities) bounded
// queue capacity.
const DefaultQueueCap = 1000

// EventLogCap bounds the ring of past events returned by GetEventLog.
const EventLogCap = 10000

// DefaultBottleneckThreshold is the default mean handler time above which
// DetectBottlenecks reports an event type.
const DefaultBottleneckThreshold = 100 * time.Millisecond

type (
	// Subscriber reacts to events delivered for the event types it
	// subscribed to. HandleEvent errors and panics are logged with the
	// subscribing agent's type and never stop the bus or other
	// subscribers from running; they are not counted in any agent's
	// failure record.
	Subscriber interface {
		HandleEvent(ctx context.Context, event model.AgentEvent) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event model.AgentEvent) error

	// GlobalHandler is invoked for every event of a matching type,
	// regardless of per-agent subscriptions.
	GlobalHandler func(ctx context.Context, event model.AgentEvent) error

	// HookCallback observes bus lifecycle points ("event:processed").
	HookCallback func(ctx context.Context, event model.AgentEvent)

	// LogFilter narrows GetEventLog results. Limit, when positive, caps the
	// number of (already-filtered) events returned to the most recent Limit
	// entries; GetEventLog reports the pre-cap total via agent.Bounds.
	LogFilter struct {
		Source    model.AgentType
		Type      string
		Since     time.Time
		Until     time.Time
		HasSource bool
		HasType   bool
		Limit     int
	}

	// PerformanceMetrics summarizes bus throughput and latency.
	PerformanceMetrics struct {
		TotalProcessed     int
		AverageProcessTime time.Duration
		PerType            map[string]int
	}

	// QueueStats reports current occupancy per priority.
	QueueStats struct {
		Depth      map[model.Priority]int
		TotalDepth int
		Dropped    int
	}

	// SubscriptionStats reports subscriber counts per event type.
	SubscriptionStats struct {
		PerEventType map[string]int
		GlobalHandlers int
	}
)

// HandleEvent implements Subscriber for SubscriberFunc.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event model.AgentEvent) error {
	return f(ctx, event)
}

type queuedEvent struct {
	event  model.AgentEvent
	seq    uint64
	queued time.Time
}

type agentSubscription struct {
	handler Subscriber
	types   map[string]struct{}
}

type globalHandlerEntry struct {
	handler  GlobalHandler
	priority model.Priority
}

type processingSample struct {
	eventType string
	duration  time.Duration
}

// Bus is the concrete priority event bus.
type Bus struct {
	cap       int
	threshold time.Duration
	tel       telemetry.Set
	seq       clock.Sequence

	mu       sync.Mutex
	queues   [4][]queuedEvent
	dropped  int
	subs     map[model.AgentType]*agentSubscription
	subsByType map[string]map[model.AgentType]struct{}
	globals  map[string][]globalHandlerEntry
	hooks    map[string][]HookCallback

	logMu sync.Mutex
	log   []model.AgentEvent

	statsMu  sync.Mutex
	samples  []processingSample
	total    int
	perType  map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
	notify chan struct{}
	once   sync.Once
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithQueueCap overrides DefaultQueueCap.
func WithQueueCap(n int) Option {
	return func(b *Bus) { b.cap = n }
}

// WithBottleneckThreshold overrides DefaultBottleneckThreshold.
func WithBottleneckThreshold(d time.Duration) Option {
	return func(b *Bus) { b.threshold = d }
}

// WithTelemetry attaches a telemetry.Set; defaults to a no-op set.
func WithTelemetry(tel telemetry.Set) Option {
	return func(b *Bus) { b.tel = tel }
}

// New constructs a Bus and starts its dispatch goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		cap:        DefaultQueueCap,
		threshold:  DefaultBottleneckThreshold,
		tel:        telemetry.NewNoopSet(),
		subs:       make(map[model.AgentType]*agentSubscription),
		subsByType: make(map[string]map[model.AgentType]struct{}),
		globals:    make(map[string][]globalHandlerEntry),
		hooks:      make(map[string][]HookCallback),
		perType:    make(map[string]int),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		notify:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// Create assigns an id and timestamp to a new AgentEvent.
func (b *Bus) Create(eventType string, source model.AgentType, data any, priority model.Priority) model.AgentEvent {
	return model.AgentEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: clock.Real.Now(),
		Priority:  priority,
	}
}

// Publish enqueues event and returns synchronously; the event is processed
// asynchronously by the dispatch loop. If the bus is at capacity, the
// oldest resident of the lowest non-empty priority at or below event's is
// dropped to make room; if there is none, event itself is dropped. An
// incoming urgent event is therefore always admitted, and when every
// resident is urgent the oldest resident urgent event is the one dropped.
func (b *Bus) Publish(event model.AgentEvent) {
	if !event.Priority.Valid() {
		event.Priority = model.PriorityMedium
	}
	b.mu.Lock()
	seq := b.seq.Next()
	total := b.queueLenLocked()
	if total >= b.cap {
		if !b.evictForLocked(event.Priority) {
			b.dropped++
			b.mu.Unlock()
			return
		}
	}
	b.queues[event.Priority] = append(b.queues[event.Priority], queuedEvent{event: event, seq: seq, queued: clock.Real.Now()})
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// queueLenLocked returns the total resident count across all priorities.
// Callers must hold b.mu.
func (b *Bus) queueLenLocked() int {
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// evictForLocked drops the oldest event whose priority is <= incoming,
// scanning from the lowest priority queue upward. Callers must hold b.mu.
func (b *Bus) evictForLocked(incoming model.Priority) bool {
	for p := model.PriorityLow; p <= incoming; p++ {
		if len(b.queues[p]) > 0 {
			b.queues[p] = b.queues[p][1:]
			b.dropped++
			return true
		}
	}
	return false
}

// Subscribe registers agentType's interest in eventTypes, attaching handler
// as the callback invoked for matching events. Idempotent: re-subscribing to
// an already-subscribed type is a no-op beyond refreshing the handler.
func (b *Bus) Subscribe(agentType model.AgentType, eventTypes []string, handler Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[agentType]
	if !ok {
		sub = &agentSubscription{types: make(map[string]struct{})}
		b.subs[agentType] = sub
	}
	sub.handler = handler
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
		if b.subsByType[t] == nil {
			b.subsByType[t] = make(map[model.AgentType]struct{})
		}
		b.subsByType[t][agentType] = struct{}{}
	}
}

// Unsubscribe removes agentType's interest in eventTypes. Idempotent.
func (b *Bus) Unsubscribe(agentType model.AgentType, eventTypes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[agentType]
	if !ok {
		return
	}
	for _, t := range eventTypes {
		delete(sub.types, t)
		if set := b.subsByType[t]; set != nil {
			delete(set, agentType)
			if len(set) == 0 {
				delete(b.subsByType, t)
			}
		}
	}
	if len(sub.types) == 0 {
		delete(b.subs, agentType)
	}
}

// RegisterGlobalHandler adds a handler invoked for every event of the given
// type, in addition to per-agent subscriptions. Handlers run in descending
// priority order.
func (b *Bus) RegisterGlobalHandler(eventType string, handler GlobalHandler, priority model.Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globals[eventType] = append(b.globals[eventType], globalHandlerEntry{handler: handler, priority: priority})
	sort.SliceStable(b.globals[eventType], func(i, j int) bool {
		return b.globals[eventType][i].priority > b.globals[eventType][j].priority
	})
}

// On attaches a lifecycle observer. "event:processed" fires after each
// event finishes processing (all subscribers and global handlers run).
func (b *Bus) On(hookName string, callback HookCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[hookName] = append(b.hooks[hookName], callback)
}

// Stop waits for the currently executing handler (if any) to return, then
// stops draining the queues; any remaining queued events are discarded.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// run is the bus's single dispatch goroutine: it drains the highest
// non-empty priority queue, FIFO within a priority, until Stop is called.
func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		item, ok := b.dequeue()
		if !ok {
			select {
			case <-b.stopCh:
				return
			case <-b.notify:
				continue
			}
		}
		b.process(item)
	}
}

// dequeue pops the next event from the highest non-empty priority queue.
func (b *Bus) dequeue() (queuedEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := model.PriorityUrgent; p >= model.PriorityLow; p-- {
		if len(b.queues[p]) > 0 {
			item := b.queues[p][0]
			b.queues[p] = b.queues[p][1:]
			return item, true
		}
	}
	return queuedEvent{}, false
}

// process delivers one event to matching subscribers and global handlers,
// isolating handler failures so one panic/error never stops the bus or the
// remaining handlers for the same event. Handlers are snapshotted under
// b.mu and invoked after releasing it, so a slow or blocking handler never
// holds up Publish, Subscribe, or other bus bookkeeping.
func (b *Bus) process(item queuedEvent) {
	ctx := context.Background()
	start := clock.Real.Now()

	b.mu.Lock()
	type matched struct {
		agentType model.AgentType
		handler   Subscriber
	}
	var subscribers []matched
	if set, ok := b.subsByType[item.event.Type]; ok {
		for agentType := range set {
			if sub := b.subs[agentType]; sub != nil && sub.handler != nil {
				subscribers = append(subscribers, matched{agentType: agentType, handler: sub.handler})
			}
		}
	}
	globals := append([]globalHandlerEntry(nil), b.globals[item.event.Type]...)
	b.mu.Unlock()

	for _, s := range subscribers {
		handler := s.handler
		label := fmt.Sprintf("agent:%s:%s", s.agentType, item.event.Type)
		b.safeCall(ctx, func() error { return handler.HandleEvent(ctx, item.event) }, label)
	}
	for _, g := range globals {
		handler := g.handler
		b.safeCall(ctx, func() error { return handler(ctx, item.event) }, "global:"+item.event.Type)
	}

	elapsed := clock.Real.Now().Sub(start)
	b.recordSample(item.event.Type, elapsed)
	b.appendLog(item.event)
	b.fireHooks(ctx, "event:processed", item.event)
}

// safeCall runs fn, recovering from panics and logging/counting any error
// or panic as a handler failure without propagating it to the bus loop.
func (b *Bus) safeCall(ctx context.Context, fn func() error, label string) {
	defer func() {
		if r := recover(); r != nil {
			b.tel.Logger.Error(ctx, "event handler panicked", "handler", label, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		b.tel.Logger.Error(ctx, "event handler failed", "handler", label, "error", err)
	}
}

func (b *Bus) recordSample(eventType string, d time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.samples = append(b.samples, processingSample{eventType: eventType, duration: d})
	b.total++
	b.perType[eventType]++
	b.tel.Metrics.RecordTimer("eventbus.process_time", d, "type", eventType)
}

func (b *Bus) appendLog(event model.AgentEvent) {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	b.log = append(b.log, event)
	if len(b.log) > EventLogCap {
		b.log = b.log[len(b.log)-EventLogCap:]
	}
}

func (b *Bus) fireHooks(ctx context.Context, hookName string, event model.AgentEvent) {
	b.mu.Lock()
	callbacks := append([]HookCallback(nil), b.hooks[hookName]...)
	b.mu.Unlock()
	for _, cb := range callbacks {
		cb(ctx, event)
	}
}

// GetEventLog returns the bounded ring of past events, optionally filtered
// and capped by filter.Limit. The returned agent.Bounds reports whether
// filter.Limit truncated the (already source/type/time-filtered) result and,
// when it did, how many matching events existed before truncation.
func (b *Bus) GetEventLog(filter *LogFilter) ([]model.AgentEvent, agent.Bounds) {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	var out []model.AgentEvent
	if filter == nil {
		out = make([]model.AgentEvent, len(b.log))
		copy(out, b.log)
	} else {
		out = make([]model.AgentEvent, 0, len(b.log))
		for _, e := range b.log {
			if filter.HasSource && e.Source != filter.Source {
				continue
			}
			if filter.HasType && e.Type != filter.Type {
				continue
			}
			if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
				continue
			}
			out = append(out, e)
		}
	}

	total := len(out)
	if filter != nil && filter.Limit > 0 && total > filter.Limit {
		out = out[total-filter.Limit:]
		return out, agent.Bounds{Returned: len(out), Total: &total, Truncated: true, RefinementHint: "narrow Since/Until or Source/Type to see more"}
	}
	return out, agent.Bounds{Returned: len(out), Total: &total, Truncated: false}
}

// GetPerformanceMetrics returns average processing time, total processed,
// and per-type counts.
func (b *Bus) GetPerformanceMetrics() PerformanceMetrics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	var sum time.Duration
	for _, s := range b.samples {
		sum += s.duration
	}
	avg := time.Duration(0)
	if len(b.samples) > 0 {
		avg = sum / time.Duration(len(b.samples))
	}
	perType := make(map[string]int, len(b.perType))
	for k, v := range b.perType {
		perType[k] = v
	}
	return PerformanceMetrics{TotalProcessed: b.total, AverageProcessTime: avg, PerType: perType}
}

// DetectBottlenecks returns event types whose mean handler time exceeds the
// configured threshold.
func (b *Bus) DetectBottlenecks() []string {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	sums := make(map[string]time.Duration)
	counts := make(map[string]int)
	for _, s := range b.samples {
		sums[s.eventType] += s.duration
		counts[s.eventType]++
	}
	var out []string
	for t, sum := range sums {
		if sum/time.Duration(counts[t]) > b.threshold {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// GetQueueStats reports current occupancy and total drops.
func (b *Bus) GetQueueStats() QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	depth := make(map[model.Priority]int, 4)
	total := 0
	for p, q := range b.queues {
		depth[model.Priority(p)] = len(q)
		total += len(q)
	}
	return QueueStats{Depth: depth, TotalDepth: total, Dropped: b.dropped}
}

// GetSubscriptionStats reports subscriber counts per event type.
func (b *Bus) GetSubscriptionStats() SubscriptionStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	perType := make(map[string]int, len(b.subsByType))
	globalCount := 0
	for t, set := range b.subsByType {
		perType[t] = len(set)
	}
	for _, hs := range b.globals {
		globalCount += len(hs)
	}
	return SubscriptionStats{PerEventType: perType, GlobalHandlers: globalCount}
}
