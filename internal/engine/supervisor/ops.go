package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

// StartInstance creates a new ProcessInstance on startEventID (or the sole
// none-start event when startEventID is empty), seeds initialVars, and
// drives it to quiescence before returning.
func (sv *Supervisor) StartInstance(ctx context.Context, definitionID string, initialVars map[string]model.Variable, startEventID string) (string, error) {
	if err := sv.rejectIfClosed(); err != nil {
		return "", err
	}
	defn, ok := sv.GetDefinition(definitionID)
	if !ok {
		return "", enginerr.Newf(enginerr.NotFound, "supervisor.StartInstance", "definition %q not found", definitionID)
	}
	if defn.Status == model.DefinitionRetired {
		return "", enginerr.Newf(enginerr.PreconditionFailed, "supervisor.StartInstance", "definition %q is retired", definitionID)
	}

	var start model.FlowNode
	if startEventID != "" {
		n, ok := defn.NodeByID(startEventID)
		if !ok || n.Kind != model.KindStartEvent {
			return "", enginerr.Newf(enginerr.NotFound, "supervisor.StartInstance", "start event %q not found", startEventID)
		}
		start = n
	} else {
		n, ok := findNoneStart(defn)
		if !ok {
			return "", enginerr.Newf(enginerr.BadDefinition, "supervisor.StartInstance", "definition %q has no none-start event", definitionID)
		}
		start = n
	}

	now := time.Now().UTC()
	inst := &model.ProcessInstance{
		ID: "inst:" + uuid.New().String(),
		DefinitionID: definitionID,
		Status: model.InstanceRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sv.putInstance(inst)

	for name, v := range initialVars {
		if err := sv.vars.Set(inst.ID, "", name, v.Value, v.Type); err != nil {
			sv.updateInstanceStatus(inst.ID, model.InstanceError)
			return inst.ID, err
		}
	}

	token := model.Token{
		ID: newSupervisorTokenID(),
		InstanceID: inst.ID,
		NodeID: start.ID,
		State: model.TokenActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sv.putToken(inst.ID, token)

	if err := sv.runInstance(ctx, inst.ID); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// StopInstance terminates instanceID, cancelling all live tokens and their
// subscriptions. Idempotent: stopping an
// already-terminal instance succeeds without effect.
func (sv *Supervisor) StopInstance(ctx context.Context, instanceID, reason string) error {
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			inst, ok := sv.GetInstance(instanceID)
			if !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.StopInstance", "instance %q not found", instanceID)
			}
			if inst.Status.IsTerminal() {
				return nil
			}
			sv.cancelAllTokens(instanceID)
			sv.finishInstance(ctx, instanceID, model.InstanceTerminated)
			return nil
	})
}

// CancelInstance is an alias of StopInstance.
func (sv *Supervisor) CancelInstance(ctx context.Context, instanceID, reason string) error {
	return sv.StopInstance(ctx, instanceID, reason)
}

// SetVariable writes a variable at instance scope).
func (sv *Supervisor) SetVariable(ctx context.Context, instanceID, name, value string, typ model.XSDType) error {
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			if _, ok := sv.GetInstance(instanceID); !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.SetVariable", "instance %q not found", instanceID)
			}
			return sv.vars.Set(instanceID, "", name, value, typ)
	})
}

// GetVariable reads a variable by instance-scope walk).
func (sv *Supervisor) GetVariable(ctx context.Context, instanceID, name string) (model.Variable, bool, error) {
	if _, ok := sv.GetInstance(instanceID); !ok {
		return model.Variable{}, false, enginerr.Newf(enginerr.NotFound, "supervisor.GetVariable", "instance %q not found", instanceID)
	}
	return sv.vars.Get(instanceID, nil, name)
}

// ThrowError injects an error into instanceID's current activity, driving
// boundary-error escalation the same way an activity's own failure would
//). The error is attached to whichever token is
// currently ACTIVE or WAITING on a node with a matching boundary, else it
// errors the instance outright.
func (sv *Supervisor) ThrowError(ctx context.Context, instanceID, errorCode, message string) error {
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			inst, ok := sv.GetInstance(instanceID)
			if !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.ThrowError", "instance %q not found", instanceID)
			}
			if inst.Status.IsTerminal() {
				return enginerr.Newf(enginerr.PreconditionFailed, "supervisor.ThrowError", "instance %q is already terminal", instanceID)
			}
			defn, err := sv.definitionForInstance(inst)
			if err != nil {
				return err
			}
			for _, tok := range sv.ActiveTokens(instanceID) {
				for _, b := range defn.Nodes {
					if b.Kind == model.KindBoundaryEvent && b.AttachedTo == tok.NodeID && b.EventDef == model.EventError &&
					(b.ErrorCode == "" || b.ErrorCode == errorCode) {
						sv.clearBoundaries(tok.NodeID)
						sv.dropToken(instanceID, tok.ID)
						flows := defn.OutgoingFlows(b.ID)
						if len(flows) == 0 {
							continue
						}
						next := tok
						next.ID = newSupervisorTokenID()
						next.NodeID = flows[0].Target
						next.State = model.TokenActive
						next.UpdatedAt = time.Now().UTC()
						sv.putToken(instanceID, next)
						return sv.driveLocked(ctx, instanceID)
					}
				}
			}
			sv.cancelAllTokens(instanceID)
			sv.finishInstance(ctx, instanceID, model.InstanceError)
			return nil
	})
}

// CompleteTask completes a CREATED or CLAIMED UserTask, feeding variables
// back and resuming its token). Calling it twice
// on the same task fails with PreconditionFailed the second time.
func (sv *Supervisor) CompleteTask(ctx context.Context, taskID string, variables map[string]string) error {
	task, ok := sv.GetTask(taskID)
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "supervisor.CompleteTask", "task %q not found", taskID)
	}
	if task.Status == model.TaskCompleted {
		return enginerr.Newf(enginerr.PreconditionFailed, "supervisor.CompleteTask", "task %q already completed", taskID)
	}
	return sv.withInstanceLock(ctx, task.InstanceID, func(ctx context.Context) error {
			task, ok := sv.GetTask(taskID)
			if !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.CompleteTask", "task %q not found", taskID)
			}
			if task.Status == model.TaskCompleted {
				return enginerr.Newf(enginerr.PreconditionFailed, "supervisor.CompleteTask", "task %q already completed", taskID)
			}
			inst, ok := sv.GetInstance(task.InstanceID)
			if !ok || inst.Status.IsTerminal() {
				return enginerr.Newf(enginerr.PreconditionFailed, "supervisor.CompleteTask", "instance %q is not running", task.InstanceID)
			}
			token, ok := sv.getToken(task.InstanceID, task.TokenID)
			if !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.CompleteTask", "token %q for task %q not found", task.TokenID, taskID)
			}
			defn, err := sv.definitionForInstance(inst)
			if err != nil {
				return err
			}
			node, ok := defn.NodeByID(token.NodeID)
			if !ok {
				return enginerr.Newf(enginerr.NotFound, "supervisor.CompleteTask", "node %q not found", token.NodeID)
			}
			res, err := sv.exec.CompleteUserTask(ctx, defn, inst, token, node, variables)
			if err != nil {
				sv.dropToken(inst.ID, token.ID)
				sv.finishInstance(ctx, inst.ID, model.InstanceError)
				return nil
			}
			task.Status = model.TaskCompleted
			task.CompletedAt = time.Now().UTC()
			sv.putTask(task)
			if err := sv.applyResult(ctx, defn, inst, token, res); err != nil {
				return err
			}
			return sv.driveLocked(ctx, inst.ID)
	})
}

// RunDueTimers delegates to the timer service's poll cycle.
func (sv *Supervisor) RunDueTimers(ctx context.Context) (int, error) {
	return sv.tm.RunDue(ctx)
}

// SendMessage implements sendMessage(): correlates name against
// parked receive subscriptions first; if none match and a message-start event
// is registered for name, it auto-instantiates that definition instead.
// Returns the new instance id when an instance was auto-started, else "".
func (sv *Supervisor) SendMessage(ctx context.Context, name, correlationKey string, payload map[string]string) (started string, err error) {
	if err := sv.rejectIfClosed(); err != nil {
		return "", err
	}
	matched, startDefinitionID, err := sv.evr.SendMessage(name, correlationKey, payload)
	if err != nil {
		return "", err
	}
	if matched || startDefinitionID == "" {
		return "", nil
	}
	vars := make(map[string]model.Variable, len(payload))
	for k, v := range payload {
		vars[k] = model.Variable{Value: v, Type: model.XSDString}
	}
	return sv.StartInstance(ctx, startDefinitionID, vars, "")
}

// BroadcastSignal implements broadcastSignal(): wakes every
// token parked on a matching signal subscription, returning how many fired.
func (sv *Supervisor) BroadcastSignal(ctx context.Context, name string, payload map[string]string) (int, error) {
	if err := sv.rejectIfClosed(); err != nil {
		return 0, err
	}
	return sv.evr.BroadcastSignal(name, payload)
}
