package executor

import (
	"context"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/expr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
)

// dispatchStartEvent handles the none-start flavor"); the event-subprocess flavors are never reached
// through ordinary dispatch (see the Step switch's Unsupported branch for
// KindEventSubprocess/KindBoundaryEvent).
func (e *Executor) dispatchStartEvent(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	e.audit(inst.ID, node.ID, "START", "executor", nil)
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}

// dispatchExclusiveGateway implements 's defn-order-first-true,
// else-default, else-DeadEnd semantics via the shared chooseFlow helper.
func (e *Executor) dispatchExclusiveGateway(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}

// dispatchInclusiveGatewaySplit takes every outgoing flow whose guard is
// true, or the default flow alone if none are true, spawning one descendant
// token per taken flow").
func (e *Executor) dispatchInclusiveGatewaySplit(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	flows := defn.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.dispatchInclusiveGatewaySplit", "node %q has no outgoing flow", node.ID)
	}
	lookup := e.lookup(inst.ID, token)
	var taken []model.SequenceFlow
	var def *model.SequenceFlow
	for i := range flows {
		f := flows[i]
		if f.IsDefault {
			def = &flows[i]
			continue
		}
		ok, err := expr.Evaluate(f.Condition, inst.ID, lookup, false)
		if err != nil {
			return StepResult{}, enginerr.New(enginerr.ScriptError, "executor.dispatchInclusiveGatewaySplit", err)
		}
		if ok {
			taken = append(taken, f)
		}
	}
	if len(taken) == 0 {
		if def == nil {
			return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.dispatchInclusiveGatewaySplit", "no guard matched and no default flow present")
		}
		taken = []model.SequenceFlow{*def}
	}
	return e.spawnPerFlow(inst, token, node, taken)
}

// dispatchParallelGatewaySplit spawns one descendant per outgoing flow
// unconditionally").
func (e *Executor) dispatchParallelGatewaySplit(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	flows := defn.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.dispatchParallelGatewaySplit", "node %q has no outgoing flow", node.ID)
	}
	return e.spawnPerFlow(inst, token, node, flows)
}

func (e *Executor) spawnPerFlow(inst model.ProcessInstance, token model.Token, node model.FlowNode, flows []model.SequenceFlow) (StepResult, error) {
	var spawned []model.Token
	for _, f := range flows {
		e.audit(inst.ID, f.ID, "TAKE", "executor", map[string]string{"source": f.Source, "target": f.Target})
		child := token
		child.ID = newTokenID()
		child.NodeID = f.Target
		child.State = model.TokenActive
		child.UpdatedAt = time.Now().UTC()
		spawned = append(spawned, child)
	}
	return StepResult{Spawned: spawned, ConsumedTokenID: token.ID, Outcome: OutcomeAdvanced}, nil
}

// JoinArrive records token's arrival at a join gateway and reports whether
// every expected arrival has now been seen. required is the number of
// distinct incoming flows declared on the node; this is the documented
// approximation of "all upstream active paths accounted for" applied uniformly to both inclusive and parallel
// joins, since the store has no reachability analysis of its own.
func (e *Executor) JoinArrive(instanceID string, node model.FlowNode, required int, token model.Token) (bool, error) {
	subject := "join:" + instanceID + ":" + node.ID
	if err := e.graph.Insert(graphstore.Inst, graphstore.Triple{
			Subject: subject, Predicate: "arrived", Object: token.ID, Kind: graphstore.IRI,
	}); err != nil {
		return false, err
	}
	arrived, err := e.graph.Query(graphstore.Inst, graphstore.Pattern{Subject: subject, Predicate: "arrived"})
	if err != nil {
		return false, err
	}
	if len(arrived) < required {
		return false, nil
	}
	if _, err := e.graph.Remove(graphstore.Inst, graphstore.Pattern{Subject: subject, Predicate: "arrived"}); err != nil {
		return false, err
	}
	return true, nil
}

// dispatchGatewayJoin is shared by inclusive and parallel gateway joins: a
// join node is reached once per incoming token; the gateway fires its single
// outgoing token only once `required` arrivals have been recorded.
func (e *Executor) dispatchGatewayJoin(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	required := len(defn.IncomingFlows(node.ID))
	if required == 0 {
		required = 1
	}
	ready, err := e.JoinArrive(inst.ID, node, required, token)
	if err != nil {
		return StepResult{}, err
	}
	if !ready {
		return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeWaiting}, nil
	}
	return e.takeSingleFlow(ctx, defn, inst, token, node)
}

// dispatchEventBasedGateway registers a one-shot subscription per outgoing
// catch event, tagged with the gateway token id; the first to fire cancels
// the rest.
func (e *Executor) dispatchEventBasedGateway(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	flows := defn.OutgoingFlows(node.ID)
	vars, err := e.snapshotVars(inst.ID, token)
	if err != nil {
		return StepResult{}, err
	}
	for _, f := range flows {
		target, ok := defn.NodeByID(f.Target)
		if !ok || target.Kind != model.KindIntermediateCatch {
			continue
		}
		switch target.EventDef {
		case model.EventMessage:
			key := vars["correlationKey"]
			if key == "" {
				key = inst.ID
			}
			e.evr.SubscribeMessage(model.MessageSubscription{InstanceID: inst.ID, TokenID: token.ID, Name: target.MessageName, CorrelationKey: key})
		case model.EventSignal:
			e.evr.SubscribeSignal(model.MessageSubscription{InstanceID: inst.ID, TokenID: token.ID, Name: target.SignalName})
		default:
			return StepResult{}, enginerr.Newf(enginerr.Unsupported, "executor.dispatchEventBasedGateway", "event definition %s not supported on event-based gateway branch", target.EventDef)
		}
	}
	parked := token
	parked.State = model.TokenWaiting
	parked.WaitReason = "eventGateway"
	parked.UpdatedAt = time.Now().UTC()
	return StepResult{Waiting: &parked, Outcome: OutcomeWaiting}, nil
}
