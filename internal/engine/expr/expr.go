// Package expr implements C2: lowering the restricted `${IDENT OP LITERAL}`
// condition grammar (and bare SPARQL ASK passthrough) into boolean
// evaluations against the graphstore. Grounded on the same reasoning as
// graphstore: no RDF/SPARQL library exists in the retrieved corpus, so this
// is the second and last hand-built-on-stdlib package (see DESIGN.md).
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

// Op is a comparison operator recognized in the restricted grammar.
type Op string

const (
	OpEq Op = "=="
	OpNeq Op = "!="
	OpGt Op = ">"
	OpGte Op = ">="
	OpLt Op = "<"
	OpLte Op = "<="
)

var opAliases = map[string]Op{
	"==": OpEq, "eq": OpEq,
	"!=": OpNeq, "neq": OpNeq,
	">": OpGt, "gt": OpGt,
	">=": OpGte, "gte": OpGte,
	"<": OpLt, "lt": OpLt,
	"<=": OpLte, "lte": OpLte,
}

// ${ IDENT OP LITERAL } or bare ${ IDENT } (truthy test).
var guardPattern = regexp.MustCompile(`^\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:(==|!=|>=|<=|>|<|eq|neq|gte|lte|gt|lt)\s*(.+?))?\s*\}$`)

// VarLookup resolves a variable by name against the current evaluation
// scope (instance + active scope stack), scope-walking innermost outward.
type VarLookup func(name string) (model.Variable, bool)

// Evaluate implements the evaluation rule of //
// text may be empty (always true), a bare `${ident}` guard, a typed
// `${ident OP literal}` guard, or a raw SPARQL-ASK-shaped body containing
// `${instance}` to be substituted with instanceID.
//
// isDefaultFlow is true when evaluating the one designated default sequence
// flow out of a node, in which case the guard is never evaluated and the
// function always returns true (edge case 3).
func Evaluate(text string, instanceID string, lookup VarLookup, isDefaultFlow bool) (bool, error) {
	if isDefaultFlow {
		return true, nil
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true, nil
	}

	if looksLikeSPARQLAsk(trimmed) {
		substituted := strings.ReplaceAll(trimmed, "${instance}", instanceID)
		return evaluateRawAsk(substituted, lookup)
	}

	m := guardPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return false, fmt.Errorf("expr: unrecognized guard syntax %q", text)
	}
	ident, opToken, litToken := m[1], m[2], m[3]

	v, ok := lookup(ident)
	if !ok {
		// Missing variable: FILTER fails, guard is false (edge case 3).
		return false, nil
	}

	if opToken == "" {
		// Bare identifier: truthy test.
		return isTruthy(v), nil
	}

	op, ok := opAliases[opToken]
	if !ok {
		return false, fmt.Errorf("expr: unknown operator %q", opToken)
	}
	litValue, litType := coerceLiteral(litToken)
	return compare(v, op, litValue, litType)
}

func looksLikeSPARQLAsk(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	return strings.HasPrefix(upper, "ASK")
}

// askTriplePattern matches the one ASK shape this evaluator lowers to and
// accepts back from callers: `ASK { <S> var:<NAME> ?v. FILTER(?v OP LIT) }`.
var askTriplePattern = regexp.MustCompile(`(?is)^ASK\s*\{\s*<([^>]+)>\s*var:([A-Za-z_][A-Za-z0-9_]*)\s*\?v\s*\.\s*FILTER\s*\(\s*\?v\s*(==|!=|>=|<=|>|<)\s*(.+?)\s*\)\s*\}$`)

func evaluateRawAsk(text string, lookup VarLookup) (bool, error) {
	m := askTriplePattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return false, fmt.Errorf("expr: unsupported SPARQL ASK shape %q", text)
	}
	_, ident, opToken, litToken := m[1], m[2], m[3], m[4]

	v, ok := lookup(ident)
	if !ok {
		return false, nil
	}
	op, ok := opAliases[opToken]
	if !ok {
		return false, fmt.Errorf("expr: unknown operator %q", opToken)
	}
	litValue, litType := coerceLiteral(litToken)
	return compare(v, op, litValue, litType)
}

// coerceLiteral types a raw literal token rule 2: unquoted
// numeric -> xsd:decimal, true/false -> xsd:boolean, quoted -> xsd:string.
func coerceLiteral(raw string) (string, model.XSDType) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2 {
		return raw[1 : len(raw)-1], model.XSDString
	}
	if raw == "true" || raw == "false" {
		return raw, model.XSDBoolean
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return raw, model.XSDDecimal
	}
	return raw, model.XSDString
}

func isTruthy(v model.Variable) bool {
	switch v.Type {
	case model.XSDBoolean:
		return v.Value == "true"
	case model.XSDInteger, model.XSDDecimal:
		f, err := strconv.ParseFloat(v.Value, 64)
		return err == nil && f != 0
	default:
		return v.Value != ""
	}
}

func compare(v model.Variable, op Op, litValue string, litType model.XSDType) (bool, error) {
	switch litType {
	case model.XSDDecimal:
		lhs, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return false, nil
		}
		rhs, err := strconv.ParseFloat(litValue, 64)
		if err != nil {
			return false, fmt.Errorf("expr: invalid numeric literal %q", litValue)
		}
		return compareFloat(lhs, op, rhs), nil
	case model.XSDBoolean:
		lhs := v.Value == "true"
		rhs := litValue == "true"
		return compareBool(lhs, op, rhs)
	default:
		return compareString(v.Value, op, litValue)
	}
}

func compareFloat(lhs float64, op Op, rhs float64) bool {
	switch op {
	case OpEq:
		return lhs == rhs
	case OpNeq:
		return lhs != rhs
	case OpGt:
		return lhs > rhs
	case OpGte:
		return lhs >= rhs
	case OpLt:
		return lhs < rhs
	case OpLte:
		return lhs <= rhs
	default:
		return false
	}
}

func compareBool(lhs bool, op Op, rhs bool) (bool, error) {
	switch op {
	case OpEq:
		return lhs == rhs, nil
	case OpNeq:
		return lhs != rhs, nil
	default:
		return false, fmt.Errorf("expr: operator %q not valid for boolean literal", op)
	}
}

func compareString(lhs string, op Op, rhs string) (bool, error) {
	switch op {
	case OpEq:
		return lhs == rhs, nil
	case OpNeq:
		return lhs != rhs, nil
	case OpGt:
		return lhs > rhs, nil
	case OpGte:
		return lhs >= rhs, nil
	case OpLt:
		return lhs < rhs, nil
	case OpLte:
		return lhs <= rhs, nil
	default:
		return false, fmt.Errorf("expr: unknown operator %q", op)
	}
}

// varStore is the subset of *variables.Store that LookupFromStore needs,
// declared locally to avoid expr depending on the variables package for its
// exported surface (variables already depends on graphstore; this keeps the
// dependency edge one-directional while still reusing its scope walk).
type varStore interface {
	Get(instanceID string, scopePath []string, name string) (model.Variable, bool, error)
}

// LookupFromStore builds a VarLookup backed by a C3 Variable Store, scope-
// walking scopePath innermost outward to instance scope exactly as get()
// does.
func LookupFromStore(vars varStore, instanceID string, scopePath []string) VarLookup {
	return func(name string) (model.Variable, bool) {
		v, ok, err := vars.Get(instanceID, scopePath, name)
		if err != nil {
			return model.Variable{}, false
		}
		return v, ok
	}
}
