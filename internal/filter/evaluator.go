// Package filter implements the declarative event filtering used to decide
// whether a polled record is forwarded to the target.
//
// A FilterCriteria holds an ordered set of JSON patterns. A record matches the
// criteria when it matches at least one pattern; it matches a pattern when
// every field constraint in that pattern matches. Field constraints are
// arrays whose elements are literal values or operator objects
// (numeric, prefix, suffix, exists, anything-but); the array matches when any
// element matches.
//
// Patterns are validated at pipe activation. Evaluation never fails: a type
// mismatch against an operator evaluates to non-match.
package filter

import (
	"encoding/json"
	"strings"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/model"
)

// Evaluator matches events against pre-validated filter criteria.
// It is stateless after construction and safe for concurrent use.
type Evaluator struct {
	patterns []map[string]interface{}
}

// NewEvaluator compiles and validates the criteria. A nil criteria or an
// empty pattern set yields an evaluator that matches everything.
func NewEvaluator(criteria *model.FilterCriteria) (*Evaluator, error) {
	e := &Evaluator{}
	if criteria == nil {
		return e, nil
	}
	for _, fp := range criteria.Filters {
		pattern, err := compilePattern(fp.Pattern)
		if err != nil {
			return nil, err
		}
		e.patterns = append(e.patterns, pattern)
	}
	return e, nil
}

// Matches reports whether the event survives the filter. Matching runs over
// the record body; non-JSON bodies are seen as a single string value.
func (e *Evaluator) Matches(event *model.Event) bool {
	if len(e.patterns) == 0 {
		return true
	}
	body := event.BodyJSON()
	for _, pattern := range e.patterns {
		if matchPattern(pattern, body) {
			return true
		}
	}
	return false
}

func compilePattern(raw string) (map[string]interface{}, error) {
	var pattern map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &pattern); err != nil {
		return nil, errors.FilterConfigError("filter pattern is not a JSON object: " + err.Error())
	}
	if err := validatePatternObject(pattern, ""); err != nil {
		return nil, err
	}
	return pattern, nil
}

// matchPattern applies every field constraint in the pattern (conjunction).
// value may be nil when a parent field was absent; lookups then report absent,
// which only an exists:false constraint can satisfy.
func matchPattern(pattern map[string]interface{}, value interface{}) bool {
	for field, constraint := range pattern {
		child, present := lookupField(value, field)
		switch c := constraint.(type) {
		case map[string]interface{}:
			if !matchPattern(c, child) {
				return false
			}
		case []interface{}:
			if !matchConstraints(c, child, present) {
				return false
			}
		default:
			// validation rejects this shape up front
			return false
		}
	}
	return true
}

// matchConstraints applies the OR across a field's constraint list.
func matchConstraints(constraints []interface{}, value interface{}, present bool) bool {
	for _, c := range constraints {
		if op, ok := c.(map[string]interface{}); ok {
			if matchOperator(op, value, present) {
				return true
			}
			continue
		}
		if present && equalJSON(c, value) {
			return true
		}
	}
	return false
}

func matchOperator(op map[string]interface{}, value interface{}, present bool) bool {
	for name, operand := range op {
		switch name {
		case "exists":
			want, ok := operand.(bool)
			if !ok {
				return false
			}
			return want == present

		case "prefix":
			p, ok := operand.(string)
			s, sok := value.(string)
			return ok && present && sok && strings.HasPrefix(s, p)

		case "suffix":
			p, ok := operand.(string)
			s, sok := value.(string)
			return ok && present && sok && strings.HasSuffix(s, p)

		case "numeric":
			terms, ok := operand.([]interface{})
			n, nok := value.(float64)
			if !ok || !present || !nok {
				return false
			}
			return matchNumeric(terms, n)

		case "anything-but":
			if !present {
				return false
			}
			excluded, ok := operand.([]interface{})
			if !ok {
				excluded = []interface{}{operand}
			}
			for _, ex := range excluded {
				if equalJSON(ex, value) {
					return false
				}
			}
			return true
		}
	}
	return false
}

// matchNumeric evaluates comparator/operand pairs, all of which must hold
// (supports ranges such as [">", 0, "<=", 100]).
func matchNumeric(terms []interface{}, value float64) bool {
	if len(terms) == 0 || len(terms)%2 != 0 {
		return false
	}
	for i := 0; i < len(terms); i += 2 {
		cmp, ok := terms[i].(string)
		operand, nok := terms[i+1].(float64)
		if !ok || !nok {
			return false
		}
		switch cmp {
		case "=":
			if value != operand {
				return false
			}
		case ">":
			if !(value > operand) {
				return false
			}
		case ">=":
			if !(value >= operand) {
				return false
			}
		case "<":
			if !(value < operand) {
				return false
			}
		case "<=":
			if !(value <= operand) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lookupField resolves a field in a JSON object value. Dotted names address
// nested objects, so {"a.b": [...]} and {"a": {"b": [...]}} are equivalent.
func lookupField(value interface{}, field string) (interface{}, bool) {
	current := value
	for _, key := range strings.Split(field, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equalJSON compares two decoded JSON scalars. Numbers decode to float64 on
// both sides, so direct comparison is sufficient.
func equalJSON(a, b interface{}) bool {
	return a == b
}
