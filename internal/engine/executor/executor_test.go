package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/handlers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
)

func newTestExecutor(t *testing.T, resume events.Resume) (*Executor, *graphstore.Store, *variables.Store, *handlers.Registry, *events.Router) {
	t.Helper()
	g := graphstore.New()
	vs := variables.New(g, 0)
	reg := handlers.New(nil)
	evr := events.New(resume)
	return New(g, vs, reg, evr, false, nil, nil), g, vs, reg, evr
}

func linearDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		ID: "defn:linear",
		Nodes: []model.FlowNode{
			{ID: "start", Kind: model.KindStartEvent},
			{ID: "svc", Kind: model.KindServiceTask, Topic: "ship"},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "start", Target: "svc"},
			{ID: "f2", Source: "svc", Target: "end"},
		},
	}
}

func TestS1LinearServiceTask(t *testing.T) {
	ex, _, _, reg, _ := newTestExecutor(t, nil)
	require.NoError(t, reg.Register(handlers.Topic{
		Name: "ship", Kind: handlers.KindFunction,
		Function: func(ctx context.Context, vars map[string]string) (map[string]string, error) {
			return map[string]string{"shipped": "true"}, nil
		},
	}))
	defn := linearDefinition()
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "start", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvanced, res.Outcome)
	require.Equal(t, "svc", res.Spawned[0].NodeID)

	res, err = ex.Step(context.Background(), defn, inst, res.Spawned[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvanced, res.Outcome)
	require.Equal(t, "end", res.Spawned[0].NodeID)

	res, err = ex.Step(context.Background(), defn, inst, res.Spawned[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
}

func gatewayDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		ID: "defn:gateway",
		Nodes: []model.FlowNode{
			{ID: "gw", Kind: model.KindExclusiveGateway},
			{ID: "a", Kind: model.KindEndEvent, EndKind: model.EndNone},
			{ID: "b", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "toA", Source: "gw", Target: "a", Condition: "${amount > 100}"},
			{ID: "toB", Source: "gw", Target: "b", IsDefault: true},
		},
	}
}

func TestS2ExclusiveGatewayDefaultFlow(t *testing.T) {
	ex, _, vs, _, _ := newTestExecutor(t, nil)
	defn := gatewayDefinition()
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	require.NoError(t, vs.Set(inst.ID, variables.InstanceScope, "amount", "10", model.XSDDecimal))

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "gw", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, "b", res.Spawned[0].NodeID, "should fall through to the default flow")
}

func TestS2ExclusiveGatewayGuardedFlow(t *testing.T) {
	ex, _, vs, _, _ := newTestExecutor(t, nil)
	defn := gatewayDefinition()
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	require.NoError(t, vs.Set(inst.ID, variables.InstanceScope, "amount", "500", model.XSDDecimal))

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "gw", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, "a", res.Spawned[0].NodeID)
}

func parallelDefinition() model.ProcessDefinition {
	return model.ProcessDefinition{
		ID: "defn:parallel",
		Nodes: []model.FlowNode{
			{ID: "split", Kind: model.KindParallelGateway},
			{ID: "a", Kind: model.KindServiceTask, Topic: "noop"},
			{ID: "b", Kind: model.KindServiceTask, Topic: "noop"},
			{ID: "join", Kind: model.KindParallelGateway},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "s1", Source: "split", Target: "a"},
			{ID: "s2", Source: "split", Target: "b"},
			{ID: "j1", Source: "a", Target: "join"},
			{ID: "j2", Source: "b", Target: "join"},
			{ID: "fend", Source: "join", Target: "end"},
		},
	}
}

func TestS3ParallelSplitAndJoin(t *testing.T) {
	ex, _, _, reg, _ := newTestExecutor(t, nil)
	require.NoError(t, reg.Register(handlers.Topic{
		Name: "noop", Kind: handlers.KindFunction,
		Function: func(ctx context.Context, vars map[string]string) (map[string]string, error) { return nil, nil },
	}))
	defn := parallelDefinition()
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "split", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Len(t, res.Spawned, 2)

	var joined []StepResult
	for _, branch := range res.Spawned {
		r, err := ex.Step(context.Background(), defn, inst, branch)
		require.NoError(t, err)
		joined = append(joined, r)
	}

	r1, err := ex.Step(context.Background(), defn, inst, joined[0].Spawned[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, r1.Outcome, "first arrival at the join must wait for its sibling")

	r2, err := ex.Step(context.Background(), defn, inst, joined[1].Spawned[0])
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvanced, r2.Outcome, "second arrival completes the join and fires exactly one outgoing token")
	require.Equal(t, "end", r2.Spawned[0].NodeID)
}

func TestEmbeddedSubprocessEntryAndExit(t *testing.T) {
	ex, _, _, _, _ := newTestExecutor(t, nil)
	defn := model.ProcessDefinition{
		ID: "defn:sub",
		Nodes: []model.FlowNode{
			{ID: "sub", Kind: model.KindEmbeddedSubprocess, SubprocessStart: "inner-start"},
			{ID: "inner-start", Kind: model.KindStartEvent},
			{ID: "inner-end", Kind: model.KindEndEvent, EndKind: model.EndNone},
			{ID: "after", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{
			{ID: "f1", Source: "inner-start", Target: "inner-end"},
			{ID: "f2", Source: "sub", Target: "after"},
		},
	}
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "sub", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Len(t, res.Spawned[0].ScopePath, 1)
	require.Equal(t, "inner-start", res.Spawned[0].NodeID)

	res, err = ex.Step(context.Background(), defn, inst, res.Spawned[0])
	require.NoError(t, err)
	require.Equal(t, "inner-end", res.Spawned[0].NodeID)

	res, err = ex.Step(context.Background(), defn, inst, res.Spawned[0])
	require.NoError(t, err)
	require.Equal(t, "after", res.Spawned[0].NodeID, "inner end event should pop the scope and continue on the subprocess's own outgoing flow")
	require.Empty(t, res.Spawned[0].ScopePath)
}

func TestErrorEndEventEscalatesToBoundary(t *testing.T) {
	ex, _, _, _, evr := newTestExecutor(t, nil)
	defn := model.ProcessDefinition{
		ID: "defn:err",
		Nodes: []model.FlowNode{
			{ID: "throw", Kind: model.KindEndEvent, EndKind: model.EndError, ErrorCode: "InsufficientFunds"},
		},
	}
	evr.RegisterBoundary(events.BoundaryReg{InstanceID: "i1", NodeID: "throw", EventDef: model.EventError, ErrorCode: "InsufficientFunds", CancelActivity: true})
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}

	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "throw", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, res.Outcome)
	require.Equal(t, "InsufficientFunds", res.ErrorCode)
}

func TestErrorEndEventSetsInstanceErrorWhenUnhandled(t *testing.T) {
	ex, _, _, _, _ := newTestExecutor(t, nil)
	defn := model.ProcessDefinition{
		ID: "defn:err2",
		Nodes: []model.FlowNode{
			{ID: "throw", Kind: model.KindEndEvent, EndKind: model.EndError, ErrorCode: "Boom"},
		},
	}
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "throw", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, OutcomeErrored, res.Outcome)
}

func TestDeadEndWhenNoFlowAndNoDefault(t *testing.T) {
	ex, _, _, _, _ := newTestExecutor(t, nil)
	defn := model.ProcessDefinition{
		ID:    "defn:deadend",
		Nodes: []model.FlowNode{{ID: "gw", Kind: model.KindExclusiveGateway}},
	}
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "gw", State: model.TokenActive}
	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, OutcomeErrored, res.Outcome)
}

func TestUserTaskParksAndCompletes(t *testing.T) {
	ex, _, vs, _, _ := newTestExecutor(t, nil)
	defn := model.ProcessDefinition{
		ID: "defn:user",
		Nodes: []model.FlowNode{
			{ID: "ut", Kind: model.KindUserTask},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{{ID: "f1", Source: "ut", Target: "end"}},
	}
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "ut", State: model.TokenActive}

	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, res.Outcome)
	require.NotNil(t, res.CreatedTask)

	parked := *res.Waiting
	res, err = ex.CompleteUserTask(context.Background(), defn, inst, parked, defn.Nodes[0], map[string]string{"approved": "true"})
	require.NoError(t, err)
	require.Equal(t, "end", res.Spawned[0].NodeID)

	v, ok, err := vs.Get(inst.ID, nil, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", v.Value)
}

func TestMultiInstanceParallelCompletesAfterAllIterations(t *testing.T) {
	ex, _, vs, reg, _ := newTestExecutor(t, nil)
	require.NoError(t, reg.Register(handlers.Topic{
		Name: "noop", Kind: handlers.KindFunction,
		Function: func(ctx context.Context, vars map[string]string) (map[string]string, error) { return nil, nil },
	}))
	defn := model.ProcessDefinition{
		ID: "defn:mi",
		Nodes: []model.FlowNode{
			{ID: "mi", Kind: model.KindServiceTask, Topic: "noop", LoopCardinality: "3"},
			{ID: "end", Kind: model.KindEndEvent, EndKind: model.EndNone},
		},
		Flows: []model.SequenceFlow{{ID: "f1", Source: "mi", Target: "end"}},
	}
	inst := model.ProcessInstance{ID: "i1", DefinitionID: defn.ID}
	token := model.Token{ID: "t1", InstanceID: inst.ID, NodeID: "mi", State: model.TokenActive}

	res, err := ex.Step(context.Background(), defn, inst, token)
	require.NoError(t, err)
	require.Len(t, res.Spawned, 3, "parallel MI should spawn all N iterations at once")

	var last StepResult
	for i, iter := range res.Spawned {
		r, err := ex.Step(context.Background(), defn, inst, iter)
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, OutcomeWaiting, r.Outcome)
		} else {
			last = r
		}
	}
	require.Equal(t, OutcomeAdvanced, last.Outcome)
	require.Equal(t, "end", last.Spawned[0].NodeID)

	completed, _, err := vs.Get(inst.ID, nil, "nrOfCompletedInstances")
	require.NoError(t, err)
	require.Equal(t, "3", completed.Value)
}
