package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
)

func lookupOf(vars map[string]model.Variable) VarLookup {
	return func(name string) (model.Variable, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestEvaluateEmptyIsUnconditional(t *testing.T) {
	ok, err := Evaluate("", "inst:1", lookupOf(nil), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateDefaultFlowNeverEvaluated(t *testing.T) {
	ok, err := Evaluate("${x > 100}", "inst:1", lookupOf(nil), true)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNumericComparison(t *testing.T) {
	vars := map[string]model.Variable{"x": {Value: "42", Type: model.XSDDecimal}}
	ok, err := Evaluate("${x > 10}", "inst:1", lookupOf(vars), false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate("${x < 10}", "inst:1", lookupOf(vars), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateStringEquality(t *testing.T) {
	vars := map[string]model.Variable{"status": {Value: "active", Type: model.XSDString}}
	ok, err := Evaluate(`${status == "active"}`, "inst:1", lookupOf(vars), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateMissingVariableIsFalse(t *testing.T) {
	ok, err := Evaluate("${missing > 1}", "inst:1", lookupOf(nil), false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateBareIdentifierTruthy(t *testing.T) {
	vars := map[string]model.Variable{"approved": {Value: "true", Type: model.XSDBoolean}}
	ok, err := Evaluate("${approved}", "inst:1", lookupOf(vars), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateSPARQLAskPassthrough(t *testing.T) {
	vars := map[string]model.Variable{"amount": {Value: "100", Type: model.XSDDecimal}}
	text := `ASK { <${instance}> var:amount ?v . FILTER(?v >= 50) }`
	ok, err := Evaluate(text, "inst:42", lookupOf(vars), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateUnrecognizedGuardErrors(t *testing.T) {
	_, err := Evaluate("${not a guard at all!!}", "inst:1", lookupOf(nil), false)
	require.Error(t, err)
}

func TestEvaluateAliasOperators(t *testing.T) {
	vars := map[string]model.Variable{"x": {Value: "5", Type: model.XSDDecimal}}
	ok, err := Evaluate("${x gte 5}", "inst:1", lookupOf(vars), false)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLookupFromStoreScopeWalk(t *testing.T) {
	vs := variables.New(graphstore.New(), 0)
	require.NoError(t, vs.Set("inst:1", variables.InstanceScope, "x", "1", model.XSDDecimal))
	require.NoError(t, vs.Set("inst:1", "sub1", "x", "99", model.XSDDecimal))

	lookup := LookupFromStore(vs, "inst:1", []string{"sub1"})
	ok, err := Evaluate("${x == 99}", "inst:1", lookup, false)
	require.NoError(t, err)
	require.True(t, ok)
}
