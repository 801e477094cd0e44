package executor

import (
	"context"
	"strings"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/scope"
)

// dispatchEndEvent implements 's EndEvent row: none/message both
// either complete the enclosing scope (instance-level) or pop an embedded
// subprocess scope and continue on its outgoing flow; error end events
// escalate via bpmnError (handled uniformly by Step's escalate()); terminate
// cancels the whole instance; cancel/compensation record COMPENSATE audit
// events for the current scope (see runCompensation).
func (e *Executor) dispatchEndEvent(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	switch node.EndKind {
	case model.EndNone:
		return e.endNoneOrMessage(ctx, defn, inst, token, node)
	case model.EndMessage:
		vars, err := e.snapshotVars(inst.ID, token)
		if err != nil {
			return StepResult{}, err
		}
		key := vars["correlationKey"]
		if key == "" {
			key = inst.ID
		}
		if _, _, err := e.evr.SendMessage(node.MessageName, key, vars); err != nil {
			return StepResult{}, err
		}
		return e.endNoneOrMessage(ctx, defn, inst, token, node)
	case model.EndError:
		return StepResult{}, throwBPMNError(node.ErrorCode, "error end event "+node.ID)
	case model.EndTerminate:
		e.audit(inst.ID, node.ID, "TERMINATE", "executor", nil)
		return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeTerminated}, nil
	case model.EndCancel, model.EndCompensation:
		return e.runCompensation(inst, token, node)
	default:
		return StepResult{}, enginerr.Newf(enginerr.Unsupported, "executor.dispatchEndEvent", "end event kind %s not supported", node.EndKind)
	}
}

func (e *Executor) endNoneOrMessage(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if len(token.ScopePath) == 0 {
		e.audit(inst.ID, node.ID, "END", "executor", nil)
		return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeCompleted}, nil
	}
	subprocessNodeID := subprocessIDFromScope(token.ScopePath[len(token.ScopePath)-1].ScopeID)
	subprocessNode, ok := defn.NodeByID(subprocessNodeID)
	if !ok {
		return StepResult{}, enginerr.Newf(enginerr.BadDefinition, "executor.endNoneOrMessage", "enclosing subprocess %q not found", subprocessNodeID)
	}
	popped, err := scope.PopScope(e.vars, inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}
	e.audit(inst.ID, node.ID, "SCOPE_POP", "executor", nil)
	return e.takeSingleFlow(ctx, defn, inst, popped, subprocessNode)
}

func subprocessIDFromScope(scopeID string) string {
	return strings.TrimPrefix(scopeID, "scope:")
}

// runCompensation emits, in reverse registration order, a COMPENSATE audit
// event for each compensation boundary registered on the enclosing
// subprocess node, then consumes the token with OutcomeWaiting. The handler
// flows are not executed, and the end event does not complete its scope or
// the instance.
func (e *Executor) runCompensation(inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	scopeNode := e.currentScope(token)
	var handlers []string
	if scopeNode != "" {
		regs := e.evr.BoundariesFor(subprocessIDFromScope(scopeNode))
		for _, r := range regs {
			if r.EventDef == model.EventCompensation {
				handlers = append(handlers, r.NodeID)
			}
		}
	}
	for i := len(handlers) - 1; i >= 0; i-- {
		e.audit(inst.ID, handlers[i], "COMPENSATE", "executor", map[string]string{"trigger": node.ID})
	}
	return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeWaiting}, nil
}
