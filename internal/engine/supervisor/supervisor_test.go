package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/executor"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/handlers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/timers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
)

// newTestSupervisor wires the five engine components the way the
// composition root does: evr and tm close over a forward-declared sv
// pointer so their resume/fire callbacks can dispatch back into it.
func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	g := graphstore.New()
	vs := variables.New(g, 0)
	reg := handlers.New(nil)

	var sv *Supervisor
	evr := events.New(func(tokenID string, payload map[string]string) error {
		return sv.ResumeToken(tokenID, payload)
	})
	tm := timers.New(timers.NewMemoryStore(), func(ctx context.Context, job model.TimerJob) error {
		return sv.FireTimer(ctx, job)
	}, timers.Config{}, nil)
	ex := executor.New(g, vs, reg, evr, false, nil, nil)
	sv = New(ex, vs, evr, tm, nil)
	require.NoError(t, sv.Start(context.Background()))
	return sv
}

func userTaskDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		Name: "approval",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "approve", Kind: model.KindUserTask},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "approve"},
			{ID: "f2", Source: "approve", Target: "end"},
		},
	}
}

func TestS4UserTaskLifecycle(t *testing.T) {
	sv := newTestSupervisor(t)
	defnID, err := sv.Deploy(userTaskDefinition())
	require.NoError(t, err)

	instID, err := sv.StartInstance(context.Background(), defnID, nil, "")
	require.NoError(t, err)

	inst, ok := sv.GetInstance(instID)
	require.True(t, ok)
	require.Equal(t, model.InstanceRunning, inst.Status)

	tasks := sv.ListTasks(instID)
	require.Len(t, tasks, 1)
	task := tasks[0]
	require.Equal(t, model.TaskCreated, task.Status)

	require.NoError(t, sv.ClaimTask(task.ID, "alice"))
	claimed, ok := sv.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskClaimed, claimed.Status)
	require.Equal(t, "alice", claimed.Assignee)

	require.NoError(t, sv.CompleteTask(context.Background(), task.ID, map[string]string{"approved": "true"}))

	inst, ok = sv.GetInstance(instID)
	require.True(t, ok)
	require.Equal(t, model.InstanceCompleted, inst.Status)
	require.Empty(t, sv.ActiveTokens(instID))

	v, ok, err := sv.GetVariable(context.Background(), instID, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", v.Value)
}

func TestCompleteTaskIsNotIdempotentSecondCallFails(t *testing.T) {
	sv := newTestSupervisor(t)
	defnID, err := sv.Deploy(userTaskDefinition())
	require.NoError(t, err)
	instID, err := sv.StartInstance(context.Background(), defnID, nil, "")
	require.NoError(t, err)
	task := sv.ListTasks(instID)[0]

	require.NoError(t, sv.CompleteTask(context.Background(), task.ID, map[string]string{"approved": "true"}))
	err = sv.CompleteTask(context.Background(), task.ID, map[string]string{"approved": "true"})
	require.Error(t, err)
}

func TestStopInstanceIsIdempotent(t *testing.T) {
	sv := newTestSupervisor(t)
	defnID, err := sv.Deploy(userTaskDefinition())
	require.NoError(t, err)
	instID, err := sv.StartInstance(context.Background(), defnID, nil, "")
	require.NoError(t, err)

	require.NoError(t, sv.StopInstance(context.Background(), instID, "operator request"))
	inst, ok := sv.GetInstance(instID)
	require.True(t, ok)
	require.Equal(t, model.InstanceTerminated, inst.Status)
	require.Empty(t, sv.ActiveTokens(instID))

	// Second stop on an already-terminal instance is a no-op, not an error.
	require.NoError(t, sv.StopInstance(context.Background(), instID, "operator request"))
}

func messageWaitDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		Name: "wait-for-payment",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "wait", Kind: model.KindIntermediateCatch, EventDef: model.EventMessage, MessageName: "PaymentReceived"},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "wait"},
			{ID: "f2", Source: "wait", Target: "end"},
		},
	}
}

func TestMessageCatchResumesViaRouter(t *testing.T) {
	sv := newTestSupervisor(t)
	defnID, err := sv.Deploy(messageWaitDefinition())
	require.NoError(t, err)

	instID, err := sv.StartInstance(context.Background(), defnID, nil, "")
	require.NoError(t, err)

	inst, ok := sv.GetInstance(instID)
	require.True(t, ok)
	require.Equal(t, model.InstanceRunning, inst.Status)
	tokens := sv.ActiveTokens(instID)
	require.Len(t, tokens, 1)
	require.Equal(t, "wait", tokens[0].NodeID)

	matched, _, err := sv.evr.SendMessage("PaymentReceived", instID, map[string]string{"amount": "42"})
	require.NoError(t, err)
	require.True(t, matched)

	inst, ok = sv.GetInstance(instID)
	require.True(t, ok)
	require.Equal(t, model.InstanceCompleted, inst.Status)
}
