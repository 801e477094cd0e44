package scope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
)

func TestPushPopEmbeddedScope(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	token := model.Token{ID: "t1", InstanceID: "i1"}
	node := model.FlowNode{ID: "sub1", ScopeOwnsVars: true}

	token = PushEmbedded(token, node)
	require.Len(t, token.ScopePath, 1)
	require.Equal(t, ScopeID("sub1"), token.CurrentScopeID())

	require.NoError(t, vs.Set("i1", ScopeID("sub1"), "x", "1", model.XSDInteger))

	var err error
	token, err = PopScope(vs, "i1", token)
	require.NoError(t, err)
	require.Empty(t, token.ScopePath)

	_, ok, err := vs.Get("i1", []string{ScopeID("sub1")}, "x")
	require.NoError(t, err)
	require.False(t, ok, "scope-owned variable should be cleared on pop")
}

func TestPopScopeEmptyErrors(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	_, err := PopScope(vs, "i1", model.Token{})
	require.Error(t, err)
}

func TestCallActivityMappingExplicitList(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	require.NoError(t, vs.Set("i1", variables.InstanceScope, "a", "1", model.XSDInteger))
	require.NoError(t, vs.Set("i1", variables.InstanceScope, "b", "2", model.XSDInteger))

	node := model.FlowNode{InVariables: []string{"a"}}
	mapped, err := CallActivityMapping(vs, "i1", node, nil)
	require.NoError(t, err)
	require.Contains(t, mapped, "a")
	require.NotContains(t, mapped, "b")
}

func TestCallActivityMappingCopyAll(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	require.NoError(t, vs.Set("i1", variables.InstanceScope, "a", "1", model.XSDInteger))

	mapped, err := CallActivityMapping(vs, "i1", model.FlowNode{}, nil)
	require.NoError(t, err)
	require.Contains(t, mapped, "a")
}

func TestResolveMultiInstanceLiteral(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	plan, err := ResolveMultiInstance(vs, "i1", model.FlowNode{LoopCardinality: "5"}, nil)
	require.NoError(t, err)
	require.Equal(t, 5, plan.N)
}

func TestResolveMultiInstanceVariable(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	require.NoError(t, vs.Set("i1", variables.InstanceScope, "count", "3", model.XSDInteger))
	plan, err := ResolveMultiInstance(vs, "i1", model.FlowNode{LoopCardinality: "${count}"}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, plan.N)
}

func TestEvaluateCompletionCondition(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	require.NoError(t, vs.Set("i1", variables.InstanceScope, "nrOfCompletedInstances", "3", model.XSDDecimal))

	node := model.FlowNode{CompletionCond: "${nrOfCompletedInstances >= 3}"}
	ok, err := EvaluateCompletionCondition(vs, "i1", node, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
