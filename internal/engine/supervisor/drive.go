package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/executor"
)

// runInstance drives instanceID's ready tokens to quiescence (all remaining
// tokens WAITING, or the instance reaching a terminal status), under the
// instance's own lock.
func (sv *Supervisor) runInstance(ctx context.Context, instanceID string) error {
	return sv.withInstanceLock(ctx, instanceID, func(ctx context.Context) error {
			return sv.driveLocked(ctx, instanceID)
	})
}

func (sv *Supervisor) driveLocked(ctx context.Context, instanceID string) error {
	for {
		inst, ok := sv.GetInstance(instanceID)
		if !ok {
			return enginerr.Newf(enginerr.NotFound, "supervisor.driveLocked", "instance %q not found", instanceID)
		}
		if inst.Status.IsTerminal() {
			return nil
		}
		token, found := sv.nextActiveToken(instanceID)
		if !found {
			return nil
		}
		defn, err := sv.definitionForInstance(inst)
		if err != nil {
			return err
		}
		if err := sv.stepOne(ctx, defn, inst, token); err != nil {
			return err
		}
	}
}

func (sv *Supervisor) nextActiveToken(instanceID string) (model.Token, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	for _, t := range sv.tokens[instanceID] {
		if t.State == model.TokenActive {
			return t, true
		}
	}
	return model.Token{}, false
}

func (sv *Supervisor) stepOne(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token) error {
	res, err := sv.exec.Step(ctx, defn, inst, token)
	if err != nil {
		sv.dropToken(inst.ID, token.ID)
		sv.finishInstance(ctx, inst.ID, model.InstanceError)
		return nil
	}
	return sv.applyResult(ctx, defn, inst, token, res)
}

// applyResult materializes one StepResult: spawning/consuming tokens,
// persisting created tasks and timers, creating call-activity children, and
// driving the instance-level Outcome.
func (sv *Supervisor) applyResult(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, orig model.Token, res executor.StepResult) error {
	if res.ConsumedTokenID != "" {
		sv.dropToken(inst.ID, res.ConsumedTokenID)
	}

	if res.Outcome == executor.OutcomeWaiting && res.ErrorCode != "" {
		return sv.routeErrorBoundary(ctx, defn, inst, orig, res)
	}

	for _, t := range res.Spawned {
		sv.putToken(inst.ID, t)
	}

	if res.Waiting != nil {
		w := *res.Waiting
		if res.ChildCallActivity != nil {
			childID, err := sv.startChildCallActivity(ctx, inst, res.ChildCallActivity)
			if err != nil {
				sv.finishInstance(ctx, inst.ID, model.InstanceError)
				return nil
			}
			w.WaitKey = childID
		}
		sv.putToken(inst.ID, w)
		if res.CreatedTask != nil {
			sv.putTask(*res.CreatedTask)
		}
		if res.ScheduleTimer != nil {
			sv.scheduleTimerJob(inst.ID, defn, w, *res.ScheduleTimer)
		}
		sv.registerBoundaries(defn, inst, w)
		if res.ChildCallActivity != nil {
			if child, ok := sv.GetInstance(w.WaitKey); ok && child.Status.IsTerminal() {
				sv.resumeParentCallActivity(ctx, child)
			}
		}
	}

	switch res.Outcome {
	case executor.OutcomeCompleted:
		if len(sv.ActiveTokens(inst.ID)) == 0 {
			sv.finishInstance(ctx, inst.ID, model.InstanceCompleted)
		}
	case executor.OutcomeTerminated:
		sv.cancelAllTokens(inst.ID)
		sv.finishInstance(ctx, inst.ID, model.InstanceTerminated)
	case executor.OutcomeErrored:
		sv.finishInstance(ctx, inst.ID, model.InstanceError)
	}
	return nil
}

func (sv *Supervisor) cancelAllTokens(instanceID string) {
	sv.mu.Lock()
	tokens := sv.tokens[instanceID]
	sv.tokens[instanceID] = make(map[string]model.Token)
	sv.mu.Unlock()
	for id := range tokens {
		sv.evr.CancelTokenSubscriptions(id)
	}
}

// finishInstance marks instanceID terminal and, if it was a call-activity
// child, resumes its waiting parent.
func (sv *Supervisor) finishInstance(ctx context.Context, instanceID string, status model.InstanceStatus) {
	sv.updateInstanceStatus(instanceID, status)
	inst, ok := sv.GetInstance(instanceID)
	if !ok || inst.Parent == nil {
		return
	}
	sv.resumeParentCallActivity(ctx, inst)
}

// registerBoundaries attaches error/timer/message/signal boundary event
// catches declared on host's node to the freshly parked token.
func (sv *Supervisor) registerBoundaries(defn model.ProcessDefinition, inst model.ProcessInstance, host model.Token) {
	for _, b := range defn.Nodes {
		if b.Kind != model.KindBoundaryEvent || b.AttachedTo != host.NodeID {
			continue
		}
		switch b.EventDef {
		case model.EventError:
			sv.evr.RegisterBoundary(events.BoundaryReg{
					InstanceID: inst.ID, TokenID: host.ID, NodeID: host.NodeID,
					EventDef: model.EventError, ErrorCode: b.ErrorCode,
					CancelActivity: b.CancelActivity, NonInterrupting: b.NonInterrupting,
			})
		case model.EventTimer:
			due := resolveTimerDue(b.TimerDue, time.Now().UTC())
			job := model.TimerJob{
				ID: "timer:" + uuid.New().String(), InstanceID: inst.ID, TokenID: host.ID,
				NodeID: b.ID, DueAt: due, Status: model.TimerDuePending,
			}
			if err := sv.tm.Schedule(job); err != nil {
				sv.log.WithField("error", err).Warn("failed to schedule boundary timer")
			}
		case model.EventMessage:
			sv.evr.SubscribeMessage(model.MessageSubscription{
					ID: "sub:" + uuid.New().String(), InstanceID: inst.ID,
					TokenID: boundaryTokenKey(b.ID, host.ID), Name: b.MessageName, CorrelationKey: inst.ID,
			})
		case model.EventSignal:
			sv.evr.SubscribeSignal(model.MessageSubscription{
					ID: "sub:" + uuid.New().String(), InstanceID: inst.ID,
					TokenID: boundaryTokenKey(b.ID, host.ID), Name: b.SignalName,
			})
		}
	}
}

// clearBoundaries drops every error-boundary registration attached to nodeID.
// It runs when a boundary on that node fires or an error is routed to one;
// an activity that completes normally keeps its registrations. Message/signal/timer boundary
// registrations are left to expire naturally (a fired message/signal finds no
// parked token to resume; a fired timer's Fire callback observes the host
// token already gone and no-ops) since the router/timer store key them by a
// synthetic id rather than by activity occurrence.
func (sv *Supervisor) clearBoundaries(nodeID string) {
	sv.evr.ClearBoundariesFor(nodeID)
}

func boundaryTokenKey(boundaryNodeID, hostTokenID string) string {
	return "boundary:" + boundaryNodeID + ":" + hostTokenID
}

func parseBoundaryTokenKey(key string) (boundaryNodeID, hostTokenID string, ok bool) {
	if !strings.HasPrefix(key, "boundary:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, "boundary:")
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// routeErrorBoundary implements the supervisor half of : the
// executor already found a matching boundary and consumed the failing token;
// the supervisor locates that same boundary registration to learn which node
// to resume on, then spawns a token on its single outgoing flow.
func (sv *Supervisor) routeErrorBoundary(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, orig model.Token, res executor.StepResult) error {
	var matched model.FlowNode
	found := false
	for _, b := range defn.Nodes {
		if b.Kind == model.KindBoundaryEvent && b.AttachedTo == orig.NodeID && b.EventDef == model.EventError &&
		(b.ErrorCode == "" || b.ErrorCode == res.ErrorCode) {
			matched = b
			found = true
			break
		}
	}
	if !found {
		sv.finishInstance(ctx, inst.ID, model.InstanceError)
		return nil
	}
	sv.clearBoundaries(orig.NodeID)
	flows := defn.OutgoingFlows(matched.ID)
	if len(flows) == 0 {
		sv.finishInstance(ctx, inst.ID, model.InstanceError)
		return nil
	}
	next := orig
	next.ID = newSupervisorTokenID()
	next.NodeID = flows[0].Target
	next.State = model.TokenActive
	next.UpdatedAt = time.Now().UTC()
	sv.putToken(inst.ID, next)
	return nil
}

func newSupervisorTokenID() string { return "tok:" + uuid.New().String() }

func (sv *Supervisor) scheduleTimerJob(instanceID string, defn model.ProcessDefinition, token model.Token, job model.TimerJob) {
	node, ok := defn.NodeByID(token.NodeID)
	if ok {
		job.DueAt = resolveTimerDue(node.TimerDue, time.Now().UTC())
	} else {
		job.DueAt = time.Now().UTC()
	}
	if err := sv.tm.Schedule(job); err != nil {
		sv.log.WithField("error", err).Warn("failed to schedule intermediate-catch timer")
	}
}
