// Package executor implements C5: the per-node-kind token dispatch table.
// Grounded on the teacher's dispatcher.Dispatch switch-table idiom
// (internal/app/services/automation/dispatcher.go) for structuring a single
// "step one unit of work, report what changed" function, generalized here
// from task-type dispatch to BPMN node-kind dispatch. The executor owns no
// ready-queue or per-instance locking of its own; internal/engine/supervisor
// drives it one token at a time under the instance lock.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/expr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/handlers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// Script is the seam for ScriptTask evaluation (goja sandbox), injected so
// this package does not depend directly on the scripting engine when
// script_tasks_enabled is false (the default).
type Script func(ctx context.Context, source string, vars map[string]string) (map[string]string, error)

// Outcome classifies what happened to the instance as a whole after a step.
type Outcome string

const (
	OutcomeAdvanced Outcome = "advanced"
	OutcomeWaiting Outcome = "waiting"
	OutcomeCompleted Outcome = "completed"
	OutcomeTerminated Outcome = "terminated"
	OutcomeErrored Outcome = "errored"
)

// StepResult reports the effect of dispatching a single token.
type StepResult struct {
	Spawned []model.Token
	ConsumedTokenID string
	Waiting *model.Token
	Outcome Outcome
	ErrorCode string
	ErrorMessage string
	CreatedTask *model.UserTask
	ScheduleTimer *model.TimerJob
	// ChildCallActivity is set when the step requires the supervisor to
	// start a child instance (CallActivity entry) before the parent token
	// can proceed; CallNodeID/CalledElement/Seed describe the call.
	ChildCallActivity *ChildCallRequest
}

// ChildCallRequest asks the supervisor to create and run a child instance.
type ChildCallRequest struct {
	CallNodeID string
	CalledElement string
	Seed map[string]model.Variable
	ParentToken model.Token
}

// AuditSink durably persists and/or broadcasts an AuditEvent. Optional: the
// executor always records to its in-memory graph log regardless of whether
// a sink is attached.
type AuditSink interface {
	Write(event model.AuditEvent)
}

// Executor is the C5 Token Executor.
type Executor struct {
	graph *graphstore.Store
	vars *variables.Store
	handlers *handlers.Registry
	evr *events.Router
	script Script
	scriptOn bool
	log *logger.Logger
	sink AuditSink
}

// SetAuditSink attaches a durable/live audit sink. Must be called before the
// executor begins processing tokens if the sink is to see the StartEvent's
// own audit entries.
func (e *Executor) SetAuditSink(sink AuditSink) {
	e.sink = sink
}

// New builds an Executor. scriptFn may be nil when scripting is disabled.
func New(graph *graphstore.Store, vars *variables.Store, reg *handlers.Registry, evr *events.Router, scriptOn bool, scriptFn Script, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{graph: graph, vars: vars, handlers: reg, evr: evr, script: scriptFn, scriptOn: scriptOn, log: log}
}

// Descriptor advertises this component's placement.
func (e *Executor) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "executor", Domain: "bpmn", Layer: core.LayerEngine, Capabilities: []string{"token-dispatch"}}
}

// Step dispatches one token at its current node.
func (e *Executor) Step(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token) (StepResult, error) {
	done := core.StartObservation(ctx, core.NoopObservationHooks, map[string]string{"node": token.NodeID})
	node, ok := defn.NodeByID(token.NodeID)
	if !ok {
		err := enginerr.Newf(enginerr.NotFound, "executor.Step", "node %q not found in definition %s", token.NodeID, defn.ID)
		done(err)
		return StepResult{}, err
	}

	var res StepResult
	var err error
	switch node.Kind {
	case model.KindStartEvent:
		res, err = e.dispatchStartEvent(ctx, defn, inst, token, node)
	case model.KindServiceTask, model.KindSendTask, model.KindManualTask:
		res, err = e.dispatchActivityTask(ctx, defn, inst, token, node)
	case model.KindUserTask:
		res, err = e.dispatchUserTask(ctx, defn, inst, token, node)
	case model.KindReceiveTask:
		res, err = e.dispatchReceiveTask(ctx, defn, inst, token, node)
	case model.KindScriptTask:
		res, err = e.dispatchScriptTask(ctx, defn, inst, token, node)
	case model.KindIntermediateThrow:
		res, err = e.dispatchIntermediateThrow(ctx, defn, inst, token, node)
	case model.KindIntermediateCatch:
		res, err = e.dispatchIntermediateCatch(ctx, defn, inst, token, node)
	case model.KindExclusiveGateway:
		res, err = e.dispatchExclusiveGateway(ctx, defn, inst, token, node)
	case model.KindInclusiveGateway:
		if isJoin(defn, node) {
			res, err = e.dispatchGatewayJoin(ctx, defn, inst, token, node)
		} else {
			res, err = e.dispatchInclusiveGatewaySplit(ctx, defn, inst, token, node)
		}
	case model.KindParallelGateway:
		if isJoin(defn, node) {
			res, err = e.dispatchGatewayJoin(ctx, defn, inst, token, node)
		} else {
			res, err = e.dispatchParallelGatewaySplit(ctx, defn, inst, token, node)
		}
	case model.KindEventBasedGateway:
		res, err = e.dispatchEventBasedGateway(ctx, defn, inst, token, node)
	case model.KindEmbeddedSubprocess:
		res, err = e.dispatchEmbeddedSubprocessEntry(ctx, defn, inst, token, node)
	case model.KindCallActivity:
		res, err = e.dispatchCallActivityEntry(ctx, defn, inst, token, node)
	case model.KindEndEvent:
		res, err = e.dispatchEndEvent(ctx, defn, inst, token, node)
	case model.KindEventSubprocess, model.KindBoundaryEvent:
		err = enginerr.Newf(enginerr.Unsupported, "executor.Step", "node kind %s is not entered by ordinary flow traversal", node.Kind)
	default:
		err = enginerr.Newf(enginerr.Unsupported, "executor.Step", "unsupported node kind %s", node.Kind)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordNodeDispatch(string(node.Kind), outcome)
	done(err)
	if err != nil {
		return e.escalate(defn, inst, token, node, err)
	}
	return res, nil
}

// escalate looks for a matching error boundary registered on the failing
// node itself; boundaries of enclosing subprocesses are not searched, and
// without a match the result is OutcomeErrored. Callers (supervisor) perform
// the actual scope cancellation using the returned ErrorCode/ErrorMessage
// since only it owns the sibling token set.
func (e *Executor) escalate(defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode, cause error) (StepResult, error) {
	code, message := errorIdentity(cause)
	e.audit(inst.ID, node.ID, "ERROR", "executor", map[string]string{"code": code, "message": message})
	boundaries := e.evr.BoundariesFor(node.ID)
	for _, b := range boundaries {
		if b.InstanceID == inst.ID && b.EventDef == model.EventError && (b.ErrorCode == "" || b.ErrorCode == code) {
			return StepResult{
				ConsumedTokenID: token.ID,
				Outcome: OutcomeWaiting,
				ErrorCode: code,
				ErrorMessage: message,
			}, nil
		}
	}
	return StepResult{ConsumedTokenID: token.ID, Outcome: OutcomeErrored, ErrorCode: code, ErrorMessage: message}, nil
}

// errorIdentity extracts a BPMN errorCode and message from either a business
// bpmnError (thrown by an error end event) or an internal enginerr.Error.
func errorIdentity(cause error) (code, message string) {
	var be *bpmnError
	if errors.As(cause, &be) {
		return be.Code, be.Message
	}
	if k, ok := enginerr.KindOf(cause); ok {
		return string(k), cause.Error()
	}
	return "Unknown", cause.Error()
}

func (e *Executor) audit(instanceID, nodeID, eventType, actor string, details map[string]string) {
	id := "audit:" + uuid.New().String()
	now := time.Now().UTC()
	if e.sink != nil {
		e.sink.Write(model.AuditEvent{
				ID: id,
				InstanceID: instanceID,
				NodeID: nodeID,
				EventType: eventType,
				Timestamp: now,
				Actor: actor,
				Details: details,
		})
	}
	triples := []graphstore.Triple{
		{Subject: id, Predicate: "instance", Object: instanceID, Kind: graphstore.IRI},
		{Subject: id, Predicate: "node", Object: nodeID, Kind: graphstore.IRI},
		{Subject: id, Predicate: "eventType", Object: eventType, Kind: graphstore.Literal, Datatype: "xsd:string"},
		{Subject: id, Predicate: "timestamp", Object: now.Format(time.RFC3339Nano), Kind: graphstore.Literal, Datatype: "xsd:dateTime"},
		{Subject: id, Predicate: "actor", Object: actor, Kind: graphstore.Literal, Datatype: "xsd:string"},
	}
	for k, v := range details {
		triples = append(triples, graphstore.Triple{Subject: id, Predicate: "detail:" + k, Object: v, Kind: graphstore.Literal, Datatype: "xsd:string"})
	}
	if err := e.graph.Insert(graphstore.Log, triples...); err != nil {
		e.log.WithField("error", err).Warn("audit insert failed")
	}
}

func (e *Executor) lookup(instanceID string, token model.Token) expr.VarLookup {
	return expr.LookupFromStore(e.vars, instanceID, scopePathIDs(token))
}

func scopePathIDs(token model.Token) []string {
	ids := make([]string, len(token.ScopePath))
	for i, f := range token.ScopePath {
		ids[i] = f.ScopeID
	}
	return ids
}

func (e *Executor) currentScope(token model.Token) string {
	return token.CurrentScopeID()
}

// runListeners invokes the topic handler named by each listener's Expression
// field for the given trigger event, ignoring listeners without a
// resolvable handler name.
func (e *Executor) runListeners(ctx context.Context, instanceID string, listeners []model.Listener, trigger model.ListenerEvent, vars map[string]string) error {
	for _, l := range listeners {
		if l.Event != trigger || l.Expression == "" {
			continue
		}
		if _, ok := e.handlers.Lookup(l.Expression); !ok {
			continue
		}
		if _, _, err := e.handlers.Invoke(ctx, l.Expression, vars); err != nil {
			return enginerr.New(enginerr.HandlerFatal, "executor.runListeners", err)
		}
	}
	return nil
}

func (e *Executor) snapshotVars(instanceID string, token model.Token) (map[string]string, error) {
	all, err := e.vars.All(instanceID, scopePathIDs(token))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		out[k] = v.Value
	}
	return out, nil
}

// takeSingleFlow advances token along the unique (or first-true-guard)
// outgoing flow, running `take` listeners and emitting a TAKE audit. It is
// the common tail of most activity dispatches.
func (e *Executor) takeSingleFlow(ctx context.Context, defn model.ProcessDefinition, inst model.ProcessInstance, token model.Token, node model.FlowNode) (StepResult, error) {
	flows := defn.OutgoingFlows(node.ID)
	if len(flows) == 0 {
		return StepResult{}, enginerr.Newf(enginerr.DeadEnd, "executor.takeSingleFlow", "node %q has no outgoing flow", node.ID)
	}
	target, err := e.chooseFlow(inst, token, flows)
	if err != nil {
		return StepResult{}, err
	}
	return e.advance(ctx, inst, token, node, target)
}

// chooseFlow resolves the single flow to take off an activity (not a
// gateway): the first flow whose guard is true, or the unconditioned/default
// flow if none has a condition.
func (e *Executor) chooseFlow(inst model.ProcessInstance, token model.Token, flows []model.SequenceFlow) (model.SequenceFlow, error) {
	lookup := e.lookup(inst.ID, token)
	var def *model.SequenceFlow
	for i := range flows {
		f := flows[i]
		if f.IsDefault {
			def = &flows[i]
			continue
		}
		if f.Condition == "" {
			return f, nil
		}
		ok, err := expr.Evaluate(f.Condition, inst.ID, lookup, false)
		if err != nil {
			return model.SequenceFlow{}, enginerr.New(enginerr.ScriptError, "executor.chooseFlow", err)
		}
		if ok {
			return f, nil
		}
	}
	if def != nil {
		return *def, nil
	}
	return model.SequenceFlow{}, enginerr.Newf(enginerr.DeadEnd, "executor.chooseFlow", "no flow guard matched and no default flow present")
}

func (e *Executor) advance(ctx context.Context, inst model.ProcessInstance, token model.Token, node model.FlowNode, flow model.SequenceFlow) (StepResult, error) {
	if err := e.runListeners(ctx, inst.ID, node.ExecListeners, model.ListenTake, nil); err != nil {
		return StepResult{}, err
	}
	e.audit(inst.ID, flow.ID, "TAKE", "executor", map[string]string{"source": flow.Source, "target": flow.Target})
	next := token
	next.NodeID = flow.Target
	next.State = model.TokenActive
	next.UpdatedAt = time.Now().UTC()
	return StepResult{Spawned: []model.Token{next}, ConsumedTokenID: token.ID, Outcome: OutcomeAdvanced}, nil
}

func newTokenID() string { return "tok:" + uuid.New().String() }

// isJoin distinguishes a gateway's join role (more than one incoming flow)
// from its split role, since the model represents both with the same node.
func isJoin(defn model.ProcessDefinition, node model.FlowNode) bool {
	return len(defn.IncomingFlows(node.ID)) > 1
}
