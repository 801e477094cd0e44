package executor

import (
	"context"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/scope"
)

// dispatchEmbeddedSubprocessEntry pushes a new scope frame and places a
// single token on the subprocess's internal start event.
func (e *Executor) dispatchEmbeddedSubprocessEntry(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if node.SubprocessStart == "" {
		return StepResult{}, enginerr.Newf(enginerr.BadDefinition, "executor.dispatchEmbeddedSubprocessEntry", "subprocess %q has no internal start event", node.ID)
	}
	pushed := scope.PushEmbedded(token, node)
	pushed.NodeID = node.SubprocessStart
	pushed.UpdatedAt = time.Now().UTC()
	e.audit(inst.ID, node.ID, "SCOPE_PUSH", "executor", nil)
	return StepResult{Spawned: []model.Token{pushed}, ConsumedTokenID: token.ID, Outcome: OutcomeAdvanced}, nil
}

// dispatchCallActivityEntry computes the in-mapping and asks the supervisor
// to create and drive a child instance; the
// parent token parks until the child reaches a terminal state.
func (e *Executor) dispatchCallActivityEntry(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if node.CalledElement == "" {
		return StepResult{}, enginerr.Newf(enginerr.BadDefinition, "executor.dispatchCallActivityEntry", "call activity %q has no calledElement", node.ID)
	}
	seed, err := scope.CallActivityMapping(e.vars, inst.ID, node, scopePathIDs(token))
	if err != nil {
		return StepResult{}, err
	}
	parked := token
	parked.State = model.TokenWaiting
	parked.WaitReason = "callActivity"
	parked.UpdatedAt = time.Now().UTC()
	return StepResult{
		Waiting: &parked,
		Outcome: OutcomeWaiting,
		ChildCallActivity: &ChildCallRequest{
			CallNodeID: node.ID,
			CalledElement: node.CalledElement,
			Seed: seed,
			ParentToken: token,
		},
	}, nil
}

// ResumeCallActivity is invoked by the supervisor once the child instance
// reaches a terminal state, copying its output variables back
// and taking the call activity's outgoing flow.
func (e *Executor) ResumeCallActivity(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, childVars map[string]model.Variable, childFailed bool, childErr string) (StepResult, error) {
	if childFailed {
		return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.ResumeCallActivity", "child instance failed: %s", childErr)
	}
	mapped := scope.CallActivityResultMapping(childVars, node)
	for name, v := range mapped {
		if err := e.vars.Set(inst.ID, e.currentScope(token), name, v.Value, v.Type); err != nil {
			return StepResult{}, err
		}
	}
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}
