// Package variables implements C3: the scope-walking variable store layered
// on top of the graph store's `inst` named graph. Grounded on the teacher's
// thread-safe in-memory store pattern (internal/app/storage/memory.go) for
// the locking discipline, generalized here to per-(instance,scope,name)
// triples rather than per-resource rows.
package variables

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
)

// InstanceScope is the sentinel scope name for instance-level variables.
const InstanceScope = ""

const defaultMaxBytes = 1 << 20 // 1 MiB, default

// Store is the C3 Variable Store.
type Store struct {
	graph *graphstore.Store
	maxBytes int
}

// New builds a Store over the shared graph store. maxBytes <= 0 uses the
// default of 1 MiB.
func New(graph *graphstore.Store, maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Store{graph: graph, maxBytes: maxBytes}
}

// ScopeChain returns scopePath walked innermost-to-outermost, terminating at
// InstanceScope. scopePath is expected in outer-to-inner declaration order
// (as accumulated on a token's ScopePath), e.g. ["subprocessA", "miBody#3"].
func ScopeChain(scopePath []string) []string {
	chain := make([]string, 0, len(scopePath)+1)
	for i := len(scopePath) - 1; i >= 0; i-- {
		chain = append(chain, scopePath[i])
	}
	return append(chain, InstanceScope)
}

func subject(instanceID string) string {
	return "inst:" + instanceID
}

func predicate(name, scope string) string {
	return "var:" + name + "@" + scope
}

// Get resolves name by scope-walking scopePath innermost outward to instance
// scope).
func (s *Store) Get(instanceID string, scopePath []string, name string) (model.Variable, bool, error) {
	for _, scope := range ScopeChain(scopePath) {
		triples, err := s.graph.Query(graphstore.Inst, graphstore.Pattern{
			Subject: subject(instanceID),
			Predicate: predicate(name, scope),
		})
		if err != nil {
			return model.Variable{}, false, enginerr.New(enginerr.StoreError, "variables.Get", err)
		}
		if len(triples) == 0 {
			continue
		}
		t := triples[len(triples)-1]
		return model.Variable{
			InstanceID: instanceID,
			Scope: scope,
			Name: name,
			Value: t.Object,
			Type: model.XSDType(t.Datatype),
		}, true, nil
	}
	return model.Variable{}, false, nil
}

// Set writes name=value atomically (remove-then-insert under the graph's
// per-named-graph write lock). scope defaults to InstanceScope when empty.
func (s *Store) Set(instanceID, scope, name, value string, typ model.XSDType) error {
	if len(value) > s.maxBytes {
		return enginerr.Newf(enginerr.PreconditionFailed, "variables.Set",
			"value for %q is %d bytes, exceeds variable_max_bytes=%d", name, len(value), s.maxBytes)
	}
	if typ == "" {
		typ = model.XSDString
	}
	sub := subject(instanceID)
	pred := predicate(name, scope)
	err := s.graph.Replace(graphstore.Inst,
		graphstore.Pattern{Subject: sub, Predicate: pred},
		graphstore.Triple{Subject: sub, Predicate: pred, Object: value, Kind: graphstore.Literal, Datatype: string(typ)},
	)
	if err != nil {
		return enginerr.New(enginerr.StoreError, "variables.Set", err)
	}
	return nil
}

// SetTyped infers an XSDType from a Go value and delegates to Set. Supported
// kinds: string, bool, all Go integer/float kinds. Anything else is rejected.
func (s *Store) SetTyped(instanceID, scope, name string, value any) error {
	switch v := value.(type) {
	case string:
		return s.Set(instanceID, scope, name, v, model.XSDString)
	case bool:
		return s.Set(instanceID, scope, name, strconv.FormatBool(v), model.XSDBoolean)
	case int:
		return s.Set(instanceID, scope, name, strconv.Itoa(v), model.XSDInteger)
	case int64:
		return s.Set(instanceID, scope, name, strconv.FormatInt(v, 10), model.XSDInteger)
	case float64:
		return s.Set(instanceID, scope, name, strconv.FormatFloat(v, 'g', -1, 64), model.XSDDecimal)
	default:
		return enginerr.Newf(enginerr.PreconditionFailed, "variables.SetTyped", "unsupported variable value type %T", value)
	}
}

// Remove deletes name from the given scope only (no scope-walk).
func (s *Store) Remove(instanceID, scope, name string) error {
	_, err := s.graph.Remove(graphstore.Inst, graphstore.Pattern{
		Subject: subject(instanceID),
		Predicate: predicate(name, scope),
	})
	if err != nil {
		return enginerr.New(enginerr.StoreError, "variables.Remove", err)
	}
	return nil
}

// Snapshot captures every variable at exactly the given scope (not its
// ancestors), for MI iteration entry/exit and event-subprocess entry/exit
// restore.
func (s *Store) Snapshot(instanceID, scope string) ([]model.Variable, error) {
	prefix := "var:"
	suffix := "@" + scope
	triples, err := s.graph.Query(graphstore.Inst, graphstore.Pattern{Subject: subject(instanceID)})
	if err != nil {
		return nil, enginerr.New(enginerr.StoreError, "variables.Snapshot", err)
	}
	var out []model.Variable
	for _, t := range triples {
		if !strings.HasPrefix(t.Predicate, prefix) || !strings.HasSuffix(t.Predicate, suffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(t.Predicate, prefix), suffix)
		out = append(out, model.Variable{
			InstanceID: instanceID,
			Scope: scope,
			Name: name,
			Value: t.Object,
			Type: model.XSDType(t.Datatype),
		})
	}
	return out, nil
}

// Restore replaces every variable at scope with vars (a remove pass followed
// by an insert); variables of other scopes are left untouched.
func (s *Store) Restore(instanceID, scope string, vars []model.Variable) error {
	if err := s.ClearScope(instanceID, scope); err != nil {
		return err
	}
	triples := make([]graphstore.Triple, 0, len(vars))
	for _, v := range vars {
		if v.Scope != scope {
			continue
		}
		triples = append(triples, graphstore.Triple{
			Subject: subject(instanceID),
			Predicate: predicate(v.Name, scope),
			Object: v.Value,
			Kind: graphstore.Literal,
			Datatype: string(v.Type),
		})
	}
	if len(triples) == 0 {
		return nil
	}
	if err := s.graph.Insert(graphstore.Inst, triples...); err != nil {
		return enginerr.New(enginerr.StoreError, "variables.Restore", err)
	}
	return nil
}

// ClearScope removes every variable bound to exactly scope, used when an MI
// iteration or embedded-subprocess scope closes.
func (s *Store) ClearScope(instanceID, scope string) error {
	suffix := "@" + scope
	triples, err := s.graph.Query(graphstore.Inst, graphstore.Pattern{Subject: subject(instanceID)})
	if err != nil {
		return enginerr.New(enginerr.StoreError, "variables.ClearScope", err)
	}
	for _, t := range triples {
		if strings.HasSuffix(t.Predicate, suffix) {
			if _, err := s.graph.Remove(graphstore.Inst, graphstore.Pattern{Subject: subject(instanceID), Predicate: t.Predicate}); err != nil {
				return enginerr.New(enginerr.StoreError, "variables.ClearScope", err)
			}
		}
	}
	return nil
}

// All returns every variable visible to scopePath (scope-walked, innermost
// binding wins per name), useful for ScriptTask global injection and
// completion-payload merges.
func (s *Store) All(instanceID string, scopePath []string) (map[string]model.Variable, error) {
	out := make(map[string]model.Variable)
	chain := ScopeChain(scopePath)
	for i := len(chain) - 1; i >= 0; i-- {
		scope := chain[i]
		vars, err := s.Snapshot(instanceID, scope)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			out[v.Name] = v
		}
	}
	return out, nil
}

// Describe is a small debug helper that renders a variable as a human
// string. No Control API route calls it.
func Describe(v model.Variable) string {
	return fmt.Sprintf("%s=%s(%s)", v.Name, v.Value, v.Type)
}
