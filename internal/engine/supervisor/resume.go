package supervisor

import (
	"context"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/executor"
)

// ResumeToken satisfies events.Resume, waking a parked token once its
// message/signal subscription fires. Wire it to the router at composition
// time: events.New(func(tokenID string, payload map[string]string) error {
// return sv.ResumeToken(tokenID, payload) }).
func (sv *Supervisor) ResumeToken(tokenID string, payload map[string]string) error {
	ctx := context.Background()
	if boundaryNodeID, hostTokenID, ok := parseBoundaryTokenKey(tokenID); ok {
		return sv.resumeBoundaryCatch(ctx, boundaryNodeID, hostTokenID, payload)
	}
	instanceID, ok := sv.ownerOf(tokenID)
	if !ok {
		return nil // token already gone (e.g. cancelled) — fired race loser, no-op
	}
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			return sv.resumeOrdinaryToken(ctx, instanceID, tokenID, payload)
	})
}

func (sv *Supervisor) resumeOrdinaryToken(ctx context.Context, instanceID, tokenID string, payload map[string]string) error {
	inst, ok := sv.GetInstance(instanceID)
	if !ok || inst.Status.IsTerminal() {
		return nil
	}
	token, ok := sv.getToken(instanceID, tokenID)
	if !ok || token.State != model.TokenWaiting {
		return nil
	}
	defn, err := sv.definitionForInstance(inst)
	if err != nil {
		return err
	}
	node, ok := defn.NodeByID(token.NodeID)
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "supervisor.resumeOrdinaryToken", "node %q not found", token.NodeID)
	}

	sv.evr.CancelTokenSubscriptions(tokenID)

	stepRes, err2 := sv.resumeStep(ctx, defn, inst, token, node, payload)
	if err2 != nil {
		sv.dropToken(inst.ID, token.ID)
		sv.finishInstance(ctx, inst.ID, model.InstanceError)
		return nil
	}
	if err := sv.applyResult(ctx, defn, inst, token, stepRes); err != nil {
		return err
	}
	return sv.driveLocked(ctx, inst.ID)
}

func (sv *Supervisor) resumeStep(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, payload map[string]string) (executor.StepResult, error) {
	switch {
	case node.Kind == model.KindReceiveTask:
		return sv.exec.ResumeReceiveTask(ctx, defn, inst, token, node, payload)
	case node.Kind == model.KindIntermediateCatch:
		return sv.exec.ResumeIntermediateCatch(ctx, defn, inst, token, node, payload)
	case token.WaitReason == "eventGateway":
		return sv.resumeEventGateway(ctx, defn, inst, token, node, payload)
	default:
		return executor.StepResult{}, enginerr.Newf(enginerr.Unsupported, "supervisor.resumeStep", "cannot resume node kind %s", node.Kind)
	}
}

// resumeEventGateway advances the gateway's parked token along the outgoing
// flow whose target catch node matches the fired message/signal name,
// disambiguated via events.MatchedEventKey.
func (sv *Supervisor) resumeEventGateway(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, payload map[string]string) (executor.StepResult, error) {
	matchedName := payload[events.MatchedEventKey]
	flows := defn.OutgoingFlows(node.ID)
	for _, f := range flows {
		target, ok := defn.NodeByID(f.Target)
		if !ok || target.Kind != model.KindIntermediateCatch {
			continue
		}
		if target.MessageName == matchedName || target.SignalName == matchedName {
			return sv.exec.ResumeIntermediateCatch(ctx, defn, inst, token, target, payload)
		}
	}
	return executor.StepResult{}, enginerr.Newf(enginerr.NotFound, "supervisor.resumeEventGateway", "no catch branch of %q matched event %q", node.ID, matchedName)
}

// resumeBoundaryCatch handles a message/signal boundary event firing: the
// host token is cancelled (if interrupting) and a new token spawned on the
// boundary node's outgoing flow.
func (sv *Supervisor) resumeBoundaryCatch(ctx context.Context, boundaryNodeID, hostTokenID string, payload map[string]string) error {
	instanceID, ok := sv.ownerOf(hostTokenID)
	if !ok {
		return nil
	}
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			inst, ok := sv.GetInstance(instanceID)
			if !ok || inst.Status.IsTerminal() {
				return nil
			}
			host, ok := sv.getToken(instanceID, hostTokenID)
			if !ok {
				return nil
			}
			defn, err := sv.definitionForInstance(inst)
			if err != nil {
				return err
			}
			boundary, ok := defn.NodeByID(boundaryNodeID)
			if !ok {
				return nil
			}
			sv.clearBoundaries(host.NodeID)
			if boundary.CancelActivity {
				sv.dropToken(instanceID, host.ID)
				sv.evr.CancelTokenSubscriptions(host.ID)
			}
			flows := defn.OutgoingFlows(boundary.ID)
			if len(flows) == 0 {
				return nil
			}
			next := host
			next.ID = newSupervisorTokenID()
			next.NodeID = flows[0].Target
			next.State = model.TokenActive
			next.UpdatedAt = time.Now().UTC()
			sv.putToken(instanceID, next)
			return sv.driveLocked(ctx, instanceID)
	})
}

// FireTimer satisfies timers.Fire, resuming the token a due timer guards —
// either a plain IntermediateCatch timer or a boundary timer attached to a
// still-running activity.
func (sv *Supervisor) FireTimer(ctx context.Context, job model.TimerJob) error {
	instanceID, ok := sv.ownerOf(job.TokenID)
	if !ok {
		return nil // host token already gone
	}
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			inst, ok := sv.GetInstance(instanceID)
			if !ok || inst.Status.IsTerminal() {
				return nil
			}
			host, ok := sv.getToken(instanceID, job.TokenID)
			if !ok {
				return nil
			}
			if job.NodeID == host.NodeID {
				return sv.resumeOrdinaryToken(ctx, instanceID, host.ID, nil)
			}
			return sv.fireBoundaryTimer(ctx, instanceID, inst, host, job)
	})
}

func (sv *Supervisor) fireBoundaryTimer(ctx context.Context, instanceID string, inst model.ProcessInstance, host model.Token, job model.TimerJob) error {
	defn, err := sv.definitionForInstance(inst)
	if err != nil {
		return err
	}
	boundary, ok := defn.NodeByID(job.NodeID)
	if !ok {
		return nil
	}
	sv.clearBoundaries(host.NodeID)
	if boundary.CancelActivity {
		sv.dropToken(instanceID, host.ID)
		sv.evr.CancelTokenSubscriptions(host.ID)
	}
	flows := defn.OutgoingFlows(boundary.ID)
	if len(flows) == 0 {
		return nil
	}
	next := host
	next.ID = newSupervisorTokenID()
	next.NodeID = flows[0].Target
	next.State = model.TokenActive
	next.UpdatedAt = time.Now().UTC()
	sv.putToken(instanceID, next)
	return sv.driveLocked(ctx, instanceID)
}
