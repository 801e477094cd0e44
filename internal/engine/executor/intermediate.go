package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

// dispatchIntermediateThrow dispatches a message and takes the outgoing flow
//").
func (e *Executor) dispatchIntermediateThrow(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	if node.EventDef != model.EventMessage {
		return StepResult{}, enginerr.Newf(enginerr.Unsupported, "executor.dispatchIntermediateThrow", "throw event definition %s not supported", node.EventDef)
	}
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
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}

// dispatchIntermediateCatch parks the token and registers a subscription
// matching node.EventDef.
func (e *Executor) dispatchIntermediateCatch(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	parked := token
	parked.State = model.TokenWaiting
	parked.UpdatedAt = time.Now().UTC()

	switch node.EventDef {
	case model.EventMessage:
		vars, err := e.snapshotVars(inst.ID, token)
		if err != nil {
			return StepResult{}, err
		}
		key := vars["correlationKey"]
		if key == "" {
			key = inst.ID
		}
		e.evr.SubscribeMessage(model.MessageSubscription{ID: "sub:" + uuid.New().String(), InstanceID: inst.ID, TokenID: token.ID, Name: node.MessageName, CorrelationKey: key})
		parked.WaitReason = "receive"
		return StepResult{Waiting: &parked, Outcome: OutcomeWaiting}, nil
	case model.EventSignal:
		e.evr.SubscribeSignal(model.MessageSubscription{ID: "sub:" + uuid.New().String(), InstanceID: inst.ID, TokenID: token.ID, Name: node.SignalName})
		parked.WaitReason = "receive"
		return StepResult{Waiting: &parked, Outcome: OutcomeWaiting}, nil
	case model.EventTimer:
		parked.WaitReason = "timer"
		return StepResult{
			Waiting: &parked,
			Outcome: OutcomeWaiting,
			ScheduleTimer: &model.TimerJob{
				ID: "timer:" + uuid.New().String(), InstanceID: inst.ID, TokenID: token.ID, NodeID: node.ID,
				Status: model.TimerDuePending,
			},
		}, nil
	default:
		return StepResult{}, enginerr.Newf(enginerr.Unsupported, "executor.dispatchIntermediateCatch", "catch event definition %s not supported", node.EventDef)
	}
}

// ResumeIntermediateCatch is invoked by the supervisor once the awaited
// trigger (message, signal, or timer) has fired.
func (e *Executor) ResumeIntermediateCatch(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, payload map[string]string) (StepResult, error) {
	if err := e.writeBack(inst.ID, token, payload); err != nil {
		return StepResult{}, err
	}
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}
