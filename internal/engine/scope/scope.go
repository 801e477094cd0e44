// Package scope implements the data-manipulation half of C6: embedded
// subprocess scope push/pop, call-activity variable mapping, and
// multi-instance expansion/completion-condition bookkeeping. It is
// deliberately engine-agnostic (no token-queue or instance-creation side
// effects) so the executor can drive it without an import cycle; it is
// grounded on the teacher's thread-safe in-memory store idiom
// (internal/app/storage/memory.go) for the locking discipline reused here
// via the underlying variables.Store.
package scope

import (
	"fmt"
	"strconv"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/expr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
)

// ScopeID formats the scope frame id pushed when entering an embedded
// subprocess or event subprocess.
func ScopeID(nodeID string) string {
	return "scope:" + nodeID
}

// MIScopeID formats the per-iteration scope id for a multi-instance body.
func MIScopeID(nodeID string, loopIndex int) string {
	return fmt.Sprintf("mi:%s#%d", nodeID, loopIndex)
}

// PushEmbedded returns a copy of token with a new scope frame for entering
// node (an EmbeddedSubprocess or EventSubprocess).
func PushEmbedded(token model.Token, node model.FlowNode) model.Token {
	token.ScopePath = append(append([]model.ScopeFrame{}, token.ScopePath...), model.ScopeFrame{
			ScopeID: ScopeID(node.ID),
			OwnsVars: node.ScopeOwnsVars,
	})
	return token
}

// PopScope returns a copy of token with its innermost scope frame removed,
// clearing the frame's variables first if it owns them.
func PopScope(vars *variables.Store, instanceID string, token model.Token) (model.Token, error) {
	if len(token.ScopePath) == 0 {
		return token, enginerr.Newf(enginerr.PreconditionFailed, "scope.PopScope", "token %s has no scope to pop", token.ID)
	}
	top := token.ScopePath[len(token.ScopePath)-1]
	if top.OwnsVars {
		if err := vars.ClearScope(instanceID, top.ScopeID); err != nil {
			return token, err
		}
	}
	token.ScopePath = append([]model.ScopeFrame{}, token.ScopePath[:len(token.ScopePath)-1]...)
	return token, nil
}

// CallActivityMapping computes the in-mapping variables to seed a child
// instance, explicit inVariables list, else copy all.
func CallActivityMapping(vars *variables.Store, instanceID string, node model.FlowNode, scopePath []string) (map[string]model.Variable, error) {
	if len(node.InVariables) > 0 {
		out := make(map[string]model.Variable, len(node.InVariables))
		for _, name := range node.InVariables {
			v, ok, err := vars.Get(instanceID, scopePath, name)
			if err != nil {
				return nil, err
			}
			if ok {
				out[name] = v
			}
		}
		return out, nil
	}
	return vars.All(instanceID, scopePath)
}

// CallActivityResultMapping copies child-instance output variables back to
// the parent, explicit outVariables list, else copy all.
func CallActivityResultMapping(childVars map[string]model.Variable, node model.FlowNode) map[string]model.Variable {
	if len(node.OutVariables) == 0 {
		return childVars
	}
	out := make(map[string]model.Variable, len(node.OutVariables))
	for _, name := range node.OutVariables {
		if v, ok := childVars[name]; ok {
			out[name] = v
		}
	}
	return out
}

// MultiInstancePlan describes the expansion of an MI activity computed at
// entry time.
type MultiInstancePlan struct {
	N int
	Sequential bool
}

// ResolveMultiInstance evaluates node.LoopCardinality against the visible
// variables and returns the expansion plan.
func ResolveMultiInstance(vars *variables.Store, instanceID string, node model.FlowNode, scopePath []string) (MultiInstancePlan, error) {
	lookup := expr.LookupFromStore(vars, instanceID, scopePath)
	// loopCardinality is a bare integer, used as is, or ${ident}, resolved
	// through the variable lookup.
	n, err := resolveCardinality(node.LoopCardinality, lookup)
	if err != nil {
		return MultiInstancePlan{}, enginerr.New(enginerr.BadDefinition, "scope.ResolveMultiInstance", err)
	}
	if n < 0 {
		return MultiInstancePlan{}, enginerr.Newf(enginerr.BadDefinition, "scope.ResolveMultiInstance", "loopCardinality resolved to negative %d", n)
	}
	return MultiInstancePlan{N: n, Sequential: node.LoopSequential}, nil
}

func resolveCardinality(raw string, lookup expr.VarLookup) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	name := raw
	if len(raw) >= 3 && raw[0] == '$' && raw[1] == '{' && raw[len(raw)-1] == '}' {
		name = raw[2 : len(raw)-1]
	}
	v, ok := lookup(name)
	if !ok {
		return 0, fmt.Errorf("cannot resolve loopCardinality %q", raw)
	}
	f, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("loopCardinality %q is not numeric: %v", raw, err)
	}
	return int(f), nil
}

// SeedMILoopVariables writes the standard MI loop-local variables for
// iteration loopIndex into the per-iteration scope.
func SeedMILoopVariables(vars *variables.Store, instanceID, miScope string, loopIndex, n int) error {
	if err := vars.Set(instanceID, miScope, "loopCounter", strconv.Itoa(loopIndex), model.XSDInteger); err != nil {
		return err
	}
	return vars.Set(instanceID, miScope, "nrOfInstances", strconv.Itoa(n), model.XSDInteger)
}

// EvaluateCompletionCondition evaluates node.CompletionCond against the
// instance-level MI bookkeeping variables (nrOfCompletedInstances etc).
func EvaluateCompletionCondition(vars *variables.Store, instanceID string, node model.FlowNode, scopePath []string) (bool, error) {
	if node.CompletionCond == "" {
		return false, nil
	}
	lookup := expr.LookupFromStore(vars, instanceID, scopePath)
	return expr.Evaluate(node.CompletionCond, instanceID, lookup, false)
}
