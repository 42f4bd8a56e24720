package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adaptivetutor/tutorcore/model"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	defer bus.Stop()

	var received []model.AgentEvent
	var mu = new(muBox)
	bus.Subscribe(model.AgentAssessment, []string{"type.a"}, SubscriberFunc(func(_ context.Context, e model.AgentEvent) error {
		mu.add(e)
		return nil
	}))

	bus.Publish(bus.Create("type.a", model.AgentOrchestrator, nil, model.PriorityMedium))

	waitFor(t, func() bool { return len(mu.get()) == 1 })
	received = mu.get()
	require.Len(t, received, 1)
	require.Equal(t, "type.a", received[0].Type)
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	defer bus.Stop()

	mu := new(muBox)
	bus.Subscribe(model.AgentAssessment, []string{"type.b"}, SubscriberFunc(func(_ context.Context, e model.AgentEvent) error {
		mu.add(e)
		return nil
	}))
	bus.Unsubscribe(model.AgentAssessment, []string{"type.b"})

	bus.Publish(bus.Create("type.b", model.AgentOrchestrator, nil, model.PriorityMedium))
	// allow the dispatcher a chance to run; nothing should arrive.
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, mu.get())
}

func TestBusPriorityOrdering(t *testing.T) {
	bus := New()
	defer bus.Stop()

	release := make(chan struct{})
	gateEntered := make(chan struct{}, 1)
	bus.Subscribe(model.AgentAssessment, []string{"gate"}, SubscriberFunc(func(_ context.Context, _ model.AgentEvent) error {
		gateEntered <- struct{}{}
		<-release
		return nil
	}))

	bus.Publish(bus.Create("gate", model.AgentOrchestrator, nil, model.PriorityUrgent))
	<-gateEntered // dispatcher is now blocked inside the gate handler

	bus.Publish(bus.Create("low", model.AgentOrchestrator, nil, model.PriorityLow))
	bus.Publish(bus.Create("urgent", model.AgentOrchestrator, nil, model.PriorityUrgent))
	bus.Publish(bus.Create("high", model.AgentOrchestrator, nil, model.PriorityHigh))

	close(release)

	waitFor(t, func() bool { log, _ := bus.GetEventLog(nil); return len(log) == 4 })
	log, bounds := bus.GetEventLog(nil)
	require.False(t, bounds.Truncated)
	require.Equal(t, []string{"gate", "urgent", "high", "low"}, []string{log[0].Type, log[1].Type, log[2].Type, log[3].Type})
}

func TestBusDropsOldestLowerPriorityAtCapacity(t *testing.T) {
	bus := New(WithQueueCap(2))
	defer bus.Stop()

	release := make(chan struct{})
	gateEntered := make(chan struct{}, 1)
	bus.Subscribe(model.AgentAssessment, []string{"gate"}, SubscriberFunc(func(_ context.Context, _ model.AgentEvent) error {
		gateEntered <- struct{}{}
		<-release
		return nil
	}))
	bus.Publish(bus.Create("gate", model.AgentOrchestrator, nil, model.PriorityUrgent))
	<-gateEntered

	bus.Publish(bus.Create("low.1", model.AgentOrchestrator, nil, model.PriorityLow))
	bus.Publish(bus.Create("low.2", model.AgentOrchestrator, nil, model.PriorityLow))
	bus.Publish(bus.Create("low.3", model.AgentOrchestrator, nil, model.PriorityLow))

	require.Equal(t, 1, bus.GetQueueStats().Dropped)

	close(release)
	waitFor(t, func() bool { log, _ := bus.GetEventLog(nil); return len(log) == 3 })
	log, _ := bus.GetEventLog(nil)
	require.Equal(t, []string{"gate", "low.2", "low.3"}, []string{log[0].Type, log[1].Type, log[2].Type})
}

func TestBusIncomingUrgentAlwaysAdmitted(t *testing.T) {
	bus := New(WithQueueCap(1))
	defer bus.Stop()

	release := make(chan struct{})
	gateEntered := make(chan struct{}, 1)
	bus.Subscribe(model.AgentAssessment, []string{"gate"}, SubscriberFunc(func(_ context.Context, _ model.AgentEvent) error {
		gateEntered <- struct{}{}
		<-release
		return nil
	}))
	bus.Publish(bus.Create("gate", model.AgentOrchestrator, nil, model.PriorityUrgent))
	<-gateEntered

	bus.Publish(bus.Create("urgent.1", model.AgentOrchestrator, nil, model.PriorityUrgent))
	bus.Publish(bus.Create("urgent.2", model.AgentOrchestrator, nil, model.PriorityUrgent))

	stats := bus.GetQueueStats()
	require.Equal(t, 1, stats.Dropped)
	require.Equal(t, 1, stats.TotalDepth)

	close(release)
	waitFor(t, func() bool { log, _ := bus.GetEventLog(nil); return len(log) == 2 })
	log, _ := bus.GetEventLog(nil)
	require.Equal(t, "urgent.2", log[1].Type)
}

func TestBusGlobalHandlerRunsForEveryMatchingEvent(t *testing.T) {
	bus := New()
	defer bus.Stop()

	mu := new(muBox)
	bus.RegisterGlobalHandler("broadcast", func(_ context.Context, e model.AgentEvent) error {
		mu.add(e)
		return nil
	}, model.PriorityMedium)

	bus.Publish(bus.Create("broadcast", model.AgentOrchestrator, nil, model.PriorityMedium))
	bus.Publish(bus.Create("broadcast", model.AgentOrchestrator, nil, model.PriorityMedium))

	waitFor(t, func() bool { return len(mu.get()) == 2 })
}

func TestBusOnEventProcessedHook(t *testing.T) {
	bus := New()
	defer bus.Stop()

	fired := make(chan string, 1)
	bus.On("event:processed", func(_ context.Context, e model.AgentEvent) {
		fired <- e.Type
	})

	bus.Publish(bus.Create("hooked", model.AgentOrchestrator, nil, model.PriorityMedium))

	select {
	case typ := <-fired:
		require.Equal(t, "hooked", typ)
	case <-time.After(time.Second):
		t.Fatal("hook never fired")
	}
}

func TestBusHandlerPanicDoesNotStopBus(t *testing.T) {
	bus := New()
	defer bus.Stop()

	bus.Subscribe(model.AgentAssessment, []string{"boom"}, SubscriberFunc(func(_ context.Context, _ model.AgentEvent) error {
		panic("handler exploded")
	}))

	mu := new(muBox)
	bus.Subscribe(model.AgentCommunication, []string{"after"}, SubscriberFunc(func(_ context.Context, e model.AgentEvent) error {
		mu.add(e)
		return nil
	}))

	bus.Publish(bus.Create("boom", model.AgentOrchestrator, nil, model.PriorityMedium))
	bus.Publish(bus.Create("after", model.AgentOrchestrator, nil, model.PriorityMedium))

	waitFor(t, func() bool { return len(mu.get()) == 1 })
}

func TestBusStopDiscardsRemainingQueue(t *testing.T) {
	bus := New()

	release := make(chan struct{})
	gateEntered := make(chan struct{}, 1)
	bus.Subscribe(model.AgentAssessment, []string{"gate"}, SubscriberFunc(func(_ context.Context, _ model.AgentEvent) error {
		gateEntered <- struct{}{}
		<-release
		return nil
	}))
	bus.Publish(bus.Create("gate", model.AgentOrchestrator, nil, model.PriorityUrgent))
	<-gateEntered
	bus.Publish(bus.Create("never-processed", model.AgentOrchestrator, nil, model.PriorityLow))

	stopped := make(chan struct{})
	go func() {
		bus.Stop()
		close(stopped)
	}()

	close(release)
	<-stopped

	log, _ := bus.GetEventLog(nil)
	require.Len(t, log, 1)
	require.Equal(t, "gate", log[0].Type)
}

func TestBusGetSubscriptionStats(t *testing.T) {
	bus := New()
	defer bus.Stop()

	bus.Subscribe(model.AgentAssessment, []string{"a", "b"}, SubscriberFunc(func(context.Context, model.AgentEvent) error { return nil }))
	bus.Subscribe(model.AgentPathPlanning, []string{"a"}, SubscriberFunc(func(context.Context, model.AgentEvent) error { return nil }))
	bus.RegisterGlobalHandler("a", func(context.Context, model.AgentEvent) error { return nil }, model.PriorityLow)

	stats := bus.GetSubscriptionStats()
	require.Equal(t, 2, stats.PerEventType["a"])
	require.Equal(t, 1, stats.PerEventType["b"])
	require.Equal(t, 1, stats.GlobalHandlers)
}

func TestGetEventLogLimitTruncatesAndReportsBounds(t *testing.T) {
	bus := New()
	defer bus.Stop()

	for i := 0; i < 5; i++ {
		bus.Publish(bus.Create("e", model.AgentOrchestrator, nil, model.PriorityMedium))
	}
	waitFor(t, func() bool { log, _ := bus.GetEventLog(nil); return len(log) == 5 })

	log, bounds := bus.GetEventLog(&LogFilter{Limit: 2})
	require.Len(t, log, 2)
	require.True(t, bounds.Truncated)
	require.NotNil(t, bounds.Total)
	require.Equal(t, 5, *bounds.Total)
	require.Equal(t, 2, bounds.Returned)
}

// muBox is a minimal thread-safe event collector used by tests that assert
// on asynchronous delivery.
type muBox struct {
	mu     sync.Mutex
	events []model.AgentEvent
}

func (m *muBox) add(e model.AgentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *muBox) get() []model.AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AgentEvent, len(m.events))
	copy(out, m.events)
	return out
}
