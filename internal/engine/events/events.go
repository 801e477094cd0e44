// Package events implements C7: message correlation, signal fan-out, and
// boundary-event attachment bookkeeping. Grounded on the teacher's
// pkg/pgnotify pub/sub shape (Bus{Channel,Payload}/Handler) for the
// broadcast style, generalized here from a Postgres LISTEN/NOTIFY transport
// to an in-process router. The router neither publishes to nor listens on
// pkg/pgnotify, so correlation stays within one process.
package events

import (
	"sync"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

// Resume is invoked by the router when a parked token should wake up.
// payload carries completion variables (message body, signal payload, or
// nil for a plain timer/gateway race win).
type Resume func(tokenID string, payload map[string]string) error

// Router is the C7 Event Router.
type Router struct {
	mu sync.Mutex
	messageSubs map[string][]model.MessageSubscription // keyed by message name
	signalSubs map[string][]model.MessageSubscription // keyed by signal name
	boundaries map[string][]boundaryReg // keyed by attachedTo node id
	messageStarts map[string]string // message name -> definition id for auto-instantiation
	resume Resume
}

type boundaryReg struct {
	InstanceID string
	TokenID string
	NodeID string
	EventDef model.EventDefinition
	ErrorCode string
	SignalName string
	MessageName string
	CancelActivity bool
	NonInterrupting bool
}

// New builds an empty Router. resume is called to wake a parked token.
func New(resume Resume) *Router {
	return &Router{
		messageSubs: make(map[string][]model.MessageSubscription),
		signalSubs: make(map[string][]model.MessageSubscription),
		boundaries: make(map[string][]boundaryReg),
		messageStarts: make(map[string]string),
		resume: resume,
	}
}

// RegisterMessageStart associates a message name with a definition id whose
// message-start event should auto-instantiate on an unmatched send.
func (r *Router) RegisterMessageStart(name, definitionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageStarts[name] = definitionID
}

// MessageStartDefinition returns the definition id registered for name, if any.
func (r *Router) MessageStartDefinition(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.messageStarts[name]
	return id, ok
}

// SubscribeMessage parks a token awaiting a named message with correlation key.
func (r *Router) SubscribeMessage(sub model.MessageSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.CreatedAt = timeNow()
	r.messageSubs[sub.Name] = append(r.messageSubs[sub.Name], sub)
}

// SubscribeSignal parks a token awaiting a named signal.
func (r *Router) SubscribeSignal(sub model.MessageSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.CreatedAt = timeNow()
	r.signalSubs[sub.Name] = append(r.signalSubs[sub.Name], sub)
}

// RegisterBoundary attaches a boundary event registration to a host activity.
func (r *Router) RegisterBoundary(reg boundaryReg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundaries[reg.NodeID] = append(r.boundaries[reg.NodeID], reg)
}

// BoundaryReg re-exports the unexported registration shape for callers that
// need to construct one (executor), keeping the struct itself package-private
// to avoid leaking router-internal bookkeeping fields into the public API.
type BoundaryReg = boundaryReg

// SendMessage implements : resumes the oldest receive subscription matching
// (name, correlationKey), one subscription per call (any other matches stay
// parked for later sends); if none match and a
// message-start is registered for name, reports that a new instance should
// be created (the caller — supervisor — owns instance creation).
func (r *Router) SendMessage(name, correlationKey string, payload map[string]string) (matched bool, startDefinitionID string, err error) {
	r.mu.Lock()
	subs := r.messageSubs[name]
	var remaining []model.MessageSubscription
	var toResume *model.MessageSubscription
	for i := range subs {
		if toResume == nil && subs[i].CorrelationKey == correlationKey {
			toResume = &subs[i]
			continue
		}
		remaining = append(remaining, subs[i])
	}
	if toResume != nil {
		r.messageSubs[name] = remaining
	}
	startDef, hasStart := r.messageStarts[name]
	r.mu.Unlock()

	if toResume != nil {
		if r.resume != nil {
			if resumeErr := r.resume(toResume.TokenID, withMatchedEvent(payload, name)); resumeErr != nil {
				return false, "", enginerr.New(enginerr.StoreError, "events.SendMessage", resumeErr)
			}
		}
		return true, "", nil
	}
	if hasStart {
		return false, startDef, nil
	}
	return false, "", nil
}

// BroadcastSignal implements : fan out to every subscription
// matching name across all running instances.
func (r *Router) BroadcastSignal(name string, payload map[string]string) (int, error) {
	r.mu.Lock()
	subs := r.signalSubs[name]
	delete(r.signalSubs, name)
	r.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if r.resume == nil {
			continue
		}
		if err := r.resume(sub.TokenID, withMatchedEvent(payload, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return len(subs), enginerr.New(enginerr.StoreError, "events.BroadcastSignal", firstErr)
	}
	return len(subs), nil
}

// BoundariesFor returns the boundary registrations attached to nodeID.
func (r *Router) BoundariesFor(nodeID string) []boundaryReg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]boundaryReg{}, r.boundaries[nodeID]...)
}

// ClearBoundariesFor removes every boundary registration attached to nodeID,
// for all instances.
func (r *Router) ClearBoundariesFor(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boundaries, nodeID)
}

// CancelTokenSubscriptions drops any pending message/signal subscription
// owned by tokenID, used when a scope is cancelled (interrupting boundary,
// terminate end event).
func (r *Router) CancelTokenSubscriptions(tokenID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, subs := range r.messageSubs {
		r.messageSubs[name] = filterOutToken(subs, tokenID)
	}
	for name, subs := range r.signalSubs {
		r.signalSubs[name] = filterOutToken(subs, tokenID)
	}
}

func filterOutToken(subs []model.MessageSubscription, tokenID string) []model.MessageSubscription {
	out := subs[:0]
	for _, s := range subs {
		if s.TokenID != tokenID {
			out = append(out, s)
		}
	}
	return out
}

// MatchedEventKey is the reserved payload key naming which message/signal
// name resumed a token, so a caller with several subscriptions on the same
// token (an EventBasedGateway's one-shot branches) can tell which fired.
const MatchedEventKey = "__matchedEvent"

func withMatchedEvent(payload map[string]string, name string) map[string]string {
	out := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[MatchedEventKey] = name
	return out
}

// timeNow is a seam kept for clarity at call sites; FIFO ordering of
// subscriptions only depends on append order, not on this timestamp.
var timeNow = time.Now
