package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/executor"
)

// startChildCallActivity creates and drives a call activity's child instance
//. It runs inside the parent's already-held
// instance lock; driving the child is safe thanks to withInstanceLock's
// reentrancy, since a child may itself contain a call activity that loops
// back to touch an ancestor instance before this frame returns.
func (sv *Supervisor) startChildCallActivity(ctx context.Context, parent model.ProcessInstance, req *executor.ChildCallRequest) (string, error) {
	defn, ok := sv.GetDefinition(req.CalledElement)
	if !ok {
		return "", enginerr.Newf(enginerr.NotFound, "supervisor.startChildCallActivity", "called element %q not deployed", req.CalledElement)
	}
	start, ok := findNoneStart(defn)
	if !ok {
		return "", enginerr.Newf(enginerr.BadDefinition, "supervisor.startChildCallActivity", "definition %q has no none-start event", defn.ID)
	}

	now := time.Now().UTC()
	child := &model.ProcessInstance{
		ID: "inst:" + uuid.New().String(),
		DefinitionID: defn.ID,
		Status: model.InstanceRunning,
		Parent: &model.ParentLink{InstanceID: parent.ID, CallNodeID: req.CallNodeID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	sv.putInstance(child)

	for name, v := range req.Seed {
		if err := sv.vars.Set(child.ID, "", name, v.Value, v.Type); err != nil {
			return "", err
		}
	}

	token := model.Token{
		ID: newSupervisorTokenID(),
		InstanceID: child.ID,
		NodeID: start.ID,
		State: model.TokenActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sv.putToken(child.ID, token)

	if err := sv.withInstanceLock(ctx, child.ID, func(ctx context.Context) error {
			return sv.driveLocked(ctx, child.ID)
	}); err != nil {
		return "", err
	}
	return child.ID, nil
}

func findNoneStart(defn model.ProcessDefinition) (model.FlowNode, bool) {
	for _, n := range defn.Nodes {
		if n.Kind == model.KindStartEvent && n.AttachedTo == "" && (n.EventDef == "" || n.EventDef == model.EventNone) {
			return n, true
		}
	}
	return model.FlowNode{}, false
}

// resumeParentCallActivity is invoked from finishInstance once a call
// activity's child instance reaches a terminal state; it resumes the
// parent's parked token via the executor's ResumeCallActivity path.
func (sv *Supervisor) resumeParentCallActivity(ctx context.Context, child model.ProcessInstance) {
	parentID := child.Parent.InstanceID
	_ = sv.withInstanceLock(ctx, parentID, func(ctx context.Context) error {
			parent, ok := sv.GetInstance(parentID)
			if !ok || parent.Status.IsTerminal() {
				return nil
			}
			token, ok := sv.findTokenByWaitKey(parentID, child.ID)
			if !ok {
				return nil
			}
			defn, err := sv.definitionForInstance(parent)
			if err != nil {
				return nil
			}
			node, ok := defn.NodeByID(token.NodeID)
			if !ok {
				return nil
			}
			childVars, err := sv.vars.All(child.ID, nil)
			if err != nil {
				return nil
			}
			childFailed := child.Status != model.InstanceCompleted
			childErr := ""
			if childFailed {
				childErr = string(child.Status)
			}
			res, err := sv.exec.ResumeCallActivity(ctx, defn, parent, token, node, childVars, childFailed, childErr)
			if err != nil {
				sv.dropToken(parent.ID, token.ID)
				sv.finishInstance(ctx, parent.ID, model.InstanceError)
				return nil
			}
			if err := sv.applyResult(ctx, defn, parent, token, res); err != nil {
				return nil
			}
			return sv.driveLocked(ctx, parent.ID)
	})
}

func (sv *Supervisor) findTokenByWaitKey(instanceID, waitKey string) (model.Token, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for _, t := range sv.tokens[instanceID] {
		if t.WaitReason == "callActivity" && t.WaitKey == waitKey {
			return t, true
		}
	}
	return model.Token{}, false
}
