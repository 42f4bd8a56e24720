package agentrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adaptivetutor/tutorcore/clock"
	"github.com/adaptivetutor/tutorcore/model"
	"github.com/adaptivetutor/tutorcore/telemetry"
)

type stubAgent struct {
	typ         model.AgentType
	initErr     error
	processResp model.AgentResponse
	processErr  error
	entered     chan struct{}
	release     chan struct{}
}

func (a *stubAgent) Initialize() error { return a.initErr }

func (a *stubAgent) ProcessMessage(msg model.AgentMessage) (model.AgentResponse, error) {
	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	if a.processErr != nil {
		return model.AgentResponse{}, a.processErr
	}
	resp := a.processResp
	resp.MessageID = msg.ID
	return resp, nil
}

func (a *stubAgent) Shutdown() error { return nil }

func (a *stubAgent) Type() model.AgentType { return a.typ }

func newTestRuntime(a *stubAgent) *Runtime {
	return New(a, &clock.Sequence{}, telemetry.NewNoopSet())
}

func TestDeliverWhenInactiveReturnsNotActive(t *testing.T) {
	rt := newTestRuntime(&stubAgent{typ: model.AgentAssessment})
	resp, err := rt.Deliver(context.Background(), model.AgentMessage{ID: "m1"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "not active", resp.Error)
}

func TestStartActivateDeliverStop(t *testing.T) {
	a := &stubAgent{typ: model.AgentAssessment, processResp: model.AgentResponse{Success: true}}
	rt := newTestRuntime(a)
	require.NoError(t, rt.Start(context.Background()))
	require.True(t, rt.IsActive())

	resp, err := rt.Deliver(context.Background(), model.AgentMessage{ID: "m1"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	require.NoError(t, rt.Stop(context.Background()))
	require.False(t, rt.IsActive())
}

func TestStartTwiceRejected(t *testing.T) {
	a := &stubAgent{typ: model.AgentAssessment}
	rt := newTestRuntime(a)
	require.NoError(t, rt.Start(context.Background()))
	err := rt.Start(context.Background())
	require.Error(t, err)
}

func TestStopWhileInactiveRejected(t *testing.T) {
	rt := newTestRuntime(&stubAgent{typ: model.AgentAssessment})
	err := rt.Stop(context.Background())
	require.Error(t, err)
}

func TestDeliverQueuesWhenWorkerBusy(t *testing.T) {
	a := &stubAgent{
		typ:     model.AgentAssessment,
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	rt := newTestRuntime(a)
	require.NoError(t, rt.Start(context.Background()))

	go func() {
		_, _ = rt.Deliver(context.Background(), model.AgentMessage{ID: "first"})
	}()
	<-a.entered

	resp, err := rt.Deliver(context.Background(), model.AgentMessage{ID: "second"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]string)
	require.True(t, ok)
	require.Equal(t, QueuedStatus, data["status"])

	close(a.release)
	require.Eventually(t, func() bool { return !rt.Health().Processing }, time.Second, time.Millisecond)
	require.NoError(t, rt.Stop(context.Background()))
}

func TestDeliverTimesOutOnContextDeadline(t *testing.T) {
	a := &stubAgent{
		typ:     model.AgentAssessment,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	rt := newTestRuntime(a)
	require.NoError(t, rt.Start(context.Background()))
	defer func() {
		close(a.release)
		_ = rt.Stop(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := rt.Deliver(ctx, model.AgentMessage{ID: "slow"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "deadline exceeded", resp.Error)
	require.Equal(t, 1, rt.Health().ConsecutiveFailures)
}

func TestInitializeFailureLeavesRuntimeInactive(t *testing.T) {
	a := &stubAgent{typ: model.AgentAssessment, initErr: context.DeadlineExceeded}
	rt := newTestRuntime(a)
	err := rt.Start(context.Background())
	require.Error(t, err)
	require.False(t, rt.IsActive())
}

func TestRegisterEventHandlerRunsInPriorityOrder(t *testing.T) {
	rt := newTestRuntime(&stubAgent{typ: model.AgentAssessment})
	var order []string
	rt.RegisterEventHandler("e", model.PriorityLow, func(context.Context, model.AgentEvent) error {
		order = append(order, "low")
		return nil
	})
	rt.RegisterEventHandler("e", model.PriorityUrgent, func(context.Context, model.AgentEvent) error {
		order = append(order, "urgent")
		return nil
	})
	rt.RegisterEventHandler("e", model.PriorityMedium, func(context.Context, model.AgentEvent) error {
		order = append(order, "medium")
		return nil
	})

	err := rt.HandleEvent(context.Background(), model.AgentEvent{Type: "e"})
	require.NoError(t, err)
	require.Equal(t, []string{"urgent", "medium", "low"}, order)
}
