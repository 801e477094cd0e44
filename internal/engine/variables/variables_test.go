package variables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
)

func TestSetAndGetInstanceScope(t *testing.T) {
	s := New(graphstore.New(), 0)
	require.NoError(t, s.Set("i1", InstanceScope, "amount", "42", model.XSDInteger))

	v, ok, err := s.Get("i1", nil, "amount")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", v.Value)
	require.Equal(t, model.XSDInteger, v.Type)
}

func TestGetScopeWalkPrefersInnermost(t *testing.T) {
	s := New(graphstore.New(), 0)
	require.NoError(t, s.Set("i1", InstanceScope, "x", "outer", model.XSDString))
	require.NoError(t, s.Set("i1", "sub1", "x", "inner", model.XSDString))

	v, ok, err := s.Get("i1", []string{"sub1"}, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "inner", v.Value)

	v, ok, err = s.Get("i1", nil, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "outer", v.Value)
}

func TestSetReplacesAtomically(t *testing.T) {
	s := New(graphstore.New(), 0)
	require.NoError(t, s.Set("i1", InstanceScope, "x", "1", model.XSDInteger))
	require.NoError(t, s.Set("i1", InstanceScope, "x", "2", model.XSDInteger))

	v, ok, err := s.Get("i1", nil, "x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", v.Value)
}

func TestSetRejectsOversizedValue(t *testing.T) {
	s := New(graphstore.New(), 4)
	err := s.Set("i1", InstanceScope, "x", "toolong", model.XSDString)
	require.Error(t, err)
}

func TestSnapshotRestoreScope(t *testing.T) {
	s := New(graphstore.New(), 0)
	require.NoError(t, s.Set("i1", "mi#1", "loopCounter", "1", model.XSDInteger))
	require.NoError(t, s.Set("i1", "mi#1", "nrOfInstances", "5", model.XSDInteger))

	snap, err := s.Snapshot("i1", "mi#1")
	require.NoError(t, err)
	require.Len(t, snap, 2)

	require.NoError(t, s.ClearScope("i1", "mi#1"))
	_, ok, err := s.Get("i1", []string{"mi#1"}, "loopCounter")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Restore("i1", "mi#1", snap))
	v, ok, err := s.Get("i1", []string{"mi#1"}, "nrOfInstances")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", v.Value)
}

func TestAllMergesScopeChainInnermostWins(t *testing.T) {
	s := New(graphstore.New(), 0)
	require.NoError(t, s.Set("i1", InstanceScope, "x", "outer", model.XSDString))
	require.NoError(t, s.Set("i1", "sub1", "x", "inner", model.XSDString))
	require.NoError(t, s.Set("i1", InstanceScope, "y", "only-outer", model.XSDString))

	all, err := s.All("i1", []string{"sub1"})
	require.NoError(t, err)
	require.Equal(t, "inner", all["x"].Value)
	require.Equal(t, "only-outer", all["y"].Value)
}

func TestDescribe(t *testing.T) {
	out := Describe(model.Variable{Name: "x", Value: "1", Type: model.XSDInteger})
	require.True(t, strings.Contains(out, "x=1"))
}
