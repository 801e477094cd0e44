package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/scope"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// dispatchActivityTask handles ServiceTask, SendTask, and ManualTask. A
// SendTask additionally dispatches a message after its handler completes;
// a ManualTask has no handler and is a pass-through emitting a
// MANUAL_COMPLETE audit.
func (e *Executor) dispatchActivityTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if node.LoopCardinality != "" && token.LoopIndex == 0 {
		return e.dispatchMultiInstanceEntry(ctx, defn, inst, token, node)
	}

	vars, err := e.snapshotVars(inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}
	if err := e.runListeners(ctx, inst.ID, node.ExecListeners, model.ListenStart, vars); err != nil {
		return StepResult{}, err
	}

	switch node.Kind {
	case model.KindManualTask:
		e.audit(inst.ID, node.ID, "MANUAL_COMPLETE", "executor", nil)
	default:
		if node.Topic != "" {
			out, cb, invokeErr := e.handlers.Invoke(ctx, node.Topic, vars)
			if invokeErr != nil {
				return StepResult{}, enginerr.New(classifyHandlerErr(invokeErr), "executor.dispatchActivityTask", invokeErr)
			}
			if cb != nil {
				parked := token
				parked.State = model.TokenWaiting
				parked.WaitReason = "asyncHandler"
				parked.WaitKey = cb.CallbackID
				parked.UpdatedAt = time.Now().UTC()
				return StepResult{Waiting: &parked, ConsumedTokenID: "", Outcome: OutcomeWaiting}, nil
			}
			if err := e.writeBack(inst.ID, token, out); err != nil {
				return StepResult{}, err
			}
		}
		if node.Kind == model.KindSendTask && node.MessageName != "" {
			key := vars["correlationKey"]
			if key == "" {
				key = inst.ID
			}
			if _, _, err := e.evr.SendMessage(node.MessageName, key, vars); err != nil {
				return StepResult{}, err
			}
		}
	}

	if err := e.runListeners(ctx, inst.ID, node.ExecListeners, model.ListenEnd, vars); err != nil {
		return StepResult{}, err
	}
	return e.completeMIOrAdvance(ctx, defn, inst, token, node)
}

func classifyHandlerErr(err error) enginerr.Kind {
	if k, ok := enginerr.KindOf(err); ok {
		return k
	}
	return enginerr.HandlerFatal
}

func (e *Executor) writeBack(instanceID string, token model.Token, out map[string]string) error {
	for name, val := range out {
		if err := e.vars.Set(instanceID, e.currentScope(token), name, val, model.XSDString); err != nil {
			return err
		}
	}
	return nil
}

// dispatchUserTask parks the token and signals the supervisor to create a
// UserTask row; the supervisor is the owner of the
// task registry so the created row is reported via StepResult.CreatedTask.
func (e *Executor) dispatchUserTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if node.LoopCardinality != "" && token.LoopIndex == 0 {
		return e.dispatchMultiInstanceEntry(ctx, defn, inst, token, node)
	}
	if err := e.runListeners(ctx, inst.ID, node.TaskListeners, model.ListenCreate, nil); err != nil {
		return StepResult{}, err
	}
	parked := token
	parked.State = model.TokenWaiting
	parked.WaitReason = "userTask"
	parked.UpdatedAt = time.Now().UTC()
	task := model.UserTask{
		ID: "task:" + uuid.New().String(),
		InstanceID: inst.ID,
		NodeID: node.ID,
		TokenID: token.ID,
		Status: model.TaskCreated,
		CreatedAt: time.Now().UTC(),
	}
	e.audit(inst.ID, node.ID, "USER_TASK_CREATED", "executor", map[string]string{"taskId": task.ID})
	return StepResult{Waiting: &parked, Outcome: OutcomeWaiting, CreatedTask: &task}, nil
}

// CompleteUserTask is invoked by the supervisor when a UserTask's external
// completion call arrives.
func (e *Executor) CompleteUserTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, payload map[string]string) (StepResult, error) {
	if err := e.runListeners(ctx, inst.ID, node.TaskListeners, model.ListenComplete, payload); err != nil {
		return StepResult{}, err
	}
	for name, val := range payload {
		if err := e.vars.Set(inst.ID, e.currentScope(token), name, val, model.XSDString); err != nil {
			return StepResult{}, err
		}
	}
	return e.completeMIOrAdvance(ctx, defn, inst, token, node)
}

// dispatchReceiveTask parks the token awaiting a named message.
func (e *Executor) dispatchReceiveTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	vars, err := e.snapshotVars(inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}
	key := vars["correlationKey"]
	if key == "" {
		key = inst.ID
	}
	e.evr.SubscribeMessage(model.MessageSubscription{
			ID: "sub:" + uuid.New().String(), InstanceID: inst.ID, TokenID: token.ID,
			Name: node.MessageName, CorrelationKey: key,
	})
	parked := token
	parked.State = model.TokenWaiting
	parked.WaitReason = "receive"
	parked.WaitKey = node.MessageName + "|" + key
	parked.UpdatedAt = time.Now().UTC()
	return StepResult{Waiting: &parked, Outcome: OutcomeWaiting}, nil
}

// ResumeReceiveTask is invoked by the supervisor once a matching message has
// resumed the token, delivering the message payload as variables.
func (e *Executor) ResumeReceiveTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, payload map[string]string) (StepResult, error) {
	if err := e.writeBack(inst.ID, token, payload); err != nil {
		return StepResult{}, err
	}
	return e.completeMIOrAdvance(ctx, defn, inst, token, node)
}

// dispatchScriptTask evaluates node.Script in the sandboxed evaluator when
// enabled; otherwise it audits a warning and continues.
func (e *Executor) dispatchScriptTask(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if !e.scriptOn || e.script == nil {
		e.audit(inst.ID, node.ID, "SCRIPT_DISABLED", "executor", map[string]string{"reason": "script execution disabled"})
		return e.completeMIOrAdvance(ctx, defn, inst, token, node)
	}
	vars, err := e.snapshotVars(inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}
	out, scriptErr := e.script(ctx, node.Script, vars)
	if scriptErr != nil {
		metrics.RecordScriptExecution("error")
		return StepResult{}, enginerr.New(enginerr.ScriptError, "executor.dispatchScriptTask", scriptErr)
	}
	metrics.RecordScriptExecution("success")
	if err := e.writeBack(inst.ID, token, out); err != nil {
		return StepResult{}, err
	}
	return e.completeMIOrAdvance(ctx, defn, inst, token, node)
}

// dispatchMultiInstanceEntry expands an activity's loopCardinality into N
// sibling tokens sharing a per-iteration scope. Sequential MI
// spawns only the first iteration; subsequent iterations are spawned by
// completeMIOrAdvance once the prior one finishes.
func (e *Executor) dispatchMultiInstanceEntry(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	plan, err := scope.ResolveMultiInstance(e.vars, inst.ID, node, scopePathIDs(token))
	if err != nil {
		return StepResult{}, err
	}
	if plan.N == 0 {
		return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.dispatchMultiInstanceEntry", "node %q resolved to zero instances", node.ID)
	}
	if err := e.vars.Set(inst.ID, e.currentScope(token), "nrOfInstances", strconv.Itoa(plan.N), model.XSDInteger); err != nil {
		return StepResult{}, err
	}
	if err := e.vars.Set(inst.ID, e.currentScope(token), "nrOfCompletedInstances", "0", model.XSDInteger); err != nil {
		return StepResult{}, err
	}

	spawnCount := plan.N
	if plan.Sequential {
		spawnCount = 1
	}
	var spawned []model.Token
	for i := 1; i <= spawnCount; i++ {
		miScope := scope.MIScopeID(node.ID, i)
		if err := scope.SeedMILoopVariables(e.vars, inst.ID, miScope, i, plan.N); err != nil {
			return StepResult{}, err
		}
		child := token
		child.ID = newTokenID()
		child.LoopIndex = i
		child.ScopePath = append(append([]model.ScopeFrame{}, token.ScopePath...), model.ScopeFrame{ScopeID: miScope, OwnsVars: true, LoopIndex: i})
		child.State = model.TokenActive
		child.UpdatedAt = time.Now().UTC()
		spawned = append(spawned, child)
	}
	return StepResult{Spawned: spawned, ConsumedTokenID: token.ID, Outcome: OutcomeAdvanced}, nil
}

// completeMIOrAdvance finishes one MI iteration (if token.LoopIndex > 0),
// bumping nrOfCompletedInstances and evaluating the completion condition, or
// falls through to a plain single-flow take.
func (e *Executor) completeMIOrAdvance(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if token.LoopIndex == 0 {
		return e.takeSingleFlow(ctx, defn, inst, token, node)
	}
	outerScope := token.ScopePath[:len(token.ScopePath)-1]
	outerScopeID := ""
	if len(outerScope) > 0 {
		outerScopeID = outerScope[len(outerScope)-1].ScopeID
	}

	completedRaw, _, err := e.vars.Get(inst.ID, scopeIDsOf(outerScope), "nrOfCompletedInstances")
	completed := 0
	if err == nil {
		completed, _ = strconv.Atoi(completedRaw.Value)
	}
	completed++
	if err := e.vars.Set(inst.ID, outerScopeID, "nrOfCompletedInstances", strconv.Itoa(completed), model.XSDInteger); err != nil {
		return StepResult{}, err
	}

	nrRaw, _, _ := e.vars.Get(inst.ID, scopeIDsOf(outerScope), "nrOfInstances")
	n, _ := strconv.Atoi(nrRaw.Value)

	done, err := scope.EvaluateCompletionCondition(e.vars, inst.ID, node, scopeIDsOf(outerScope))
	if err != nil {
		return StepResult{}, err
	}

	popped, err := scope.PopScope(e.vars, inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}

	if done || completed >= n {
		return e.takeSingleFlow(ctx, defn, inst, popped, node)
	}
	// Sequential MI: spawn the next iteration; parallel MI: this iteration
	// is simply consumed and the instance waits for its siblings.
	if node.LoopSequential && completed < n {
		nextIdx := completed + 1
		miScope := scope.MIScopeID(node.ID, nextIdx)
		if err := scope.SeedMILoopVariables(e.vars, inst.ID, miScope, nextIdx, n); err != nil {
			return StepResult{}, err
		}
		child := popped
		child.ID = newTokenID()
		child.LoopIndex = nextIdx
		child.ScopePath = append(append([]model.ScopeFrame{}, popped.ScopePath...), model.ScopeFrame{ScopeID: miScope, OwnsVars: true, LoopIndex: nextIdx})
		child.State = model.TokenActive
		child.UpdatedAt = time.Now().UTC()
		return StepResult{Spawned: []model.Token{child}, ConsumedTokenID: token.ID, Outcome: OutcomeAdvanced}, nil
	}
	return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeWaiting}, nil
}

func scopeIDsOf(frames []model.ScopeFrame) []string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.ScopeID
	}
	return ids
}
