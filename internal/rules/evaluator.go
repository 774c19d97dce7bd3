package rules

import (
	"regexp"
	"strings"

	"github.com/semibot/semibot/internal/store"
)

// Evaluate reports whether the condition tree matches the event. It is a
// pure function: no I/O, no side effects. A nil or empty condition matches
// everything.
func Evaluate(cond *Condition, evt *store.Event) bool {
	if cond == nil {
		return true
	}

	switch {
	case cond.All != nil:
		for _, child := range cond.All {
			if !Evaluate(child, evt) {
				return false
			}
		}
		return true

	case cond.Any != nil:
		for _, child := range cond.Any {
			if Evaluate(child, evt) {
				return true
			}
		}
		return false

	case cond.Not != nil:
		return !Evaluate(cond.Not, evt)

	case cond.Field != "":
		return evalLeaf(cond, evt)
	}

	// Empty object: no constraint.
	return true
}

func evalLeaf(cond *Condition, evt *store.Event) bool {
	value, found := resolveField(cond.Field, evt)

	switch cond.Op {
	case "eq":
		if !found {
			return cond.Value == nil
		}
		return valuesEqual(value, cond.Value)
	case "ne":
		if !found {
			return cond.Value != nil
		}
		return !valuesEqual(value, cond.Value)
	case "gt", "gte", "lt", "lte":
		if !found {
			return false
		}
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in":
		return found && memberOf(cond.Value, value)
	case "nin":
		return !found || !memberOf(cond.Value, value)
	case "contains":
		if !found {
			return false
		}
		if items, ok := value.([]any); ok {
			for _, item := range items {
				if valuesEqual(item, cond.Value) {
					return true
				}
			}
			return false
		}
		s, sok := value.(string)
		sub, vok := cond.Value.(string)
		return sok && vok && strings.Contains(s, sub)
	case "startswith":
		s, sok := value.(string)
		prefix, vok := cond.Value.(string)
		return found && sok && vok && strings.HasPrefix(s, prefix)
	case "endswith":
		s, sok := value.(string)
		suffix, vok := cond.Value.(string)
		return found && sok && vok && strings.HasSuffix(s, suffix)
	case "regex":
		s, sok := value.(string)
		pattern, vok := cond.Value.(string)
		if !found || !sok || !vok {
			return false
		}
		matched, err := regexp.MatchString(pattern, s)
		return err == nil && matched
	}

	return false
}

// resolveField walks a dotted path against the event. Top-level names map
// to event fields; payload.* descends into the payload document. The second
// return is false when any path segment is absent.
func resolveField(path string, evt *store.Event) (any, bool) {
	parts := strings.Split(path, ".")

	var current any
	switch parts[0] {
	case "event_id":
		current = evt.EventID
	case "event_type":
		current = evt.EventType
	case "source":
		current = evt.Source
	case "subject":
		current = evt.Subject
	case "risk_hint":
		current = string(evt.RiskHint)
	case "payload":
		if evt.Payload == nil {
			return nil, false
		}
		current = map[string]any(evt.Payload)
	default:
		return nil, false
	}

	for _, part := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valuesEqual compares two JSON-ish values: numbers numerically, everything
// else byte-exact by kind.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func memberOf(list any, value any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(value, item) {
			return true
		}
	}
	return false
}
