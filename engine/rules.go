package engine

import (
	"github.com/jhagel/formic/schema"
)

// evaluateRule resolves a boolean rule tree against a value snapshot.
// Missing fields participate as nil and flow through the operator
// semantics, so evaluation never fails at runtime.
func evaluateRule(rule *schema.Rule, values Values) bool {
	if rule == nil {
		return true
	}
	if rule.And != nil {
		for _, child := range rule.And {
			if !evaluateRule(child, values) {
				return false
			}
		}
		return true
	}
	if rule.Or != nil {
		for _, child := range rule.Or {
			if evaluateRule(child, values) {
				return true
			}
		}
		return false
	}
	return evaluateComparison(rule, values)
}

func evaluateComparison(rule *schema.Rule, values Values) bool {
	current := values[rule.Field]
	switch rule.Operator {
	case schema.OperatorEquals:
		return valueEquals(current, rule.Value)
	case schema.OperatorNotEquals:
		return !valueEquals(current, rule.Value)
	case schema.OperatorIn:
		return valueInList(current, rule.Value)
	case schema.OperatorNotIn:
		return !valueInList(current, rule.Value)
	case schema.OperatorGreaterThan:
		return compareOrdered(current, rule.Value) > 0
	case schema.OperatorLessThan:
		return compareOrdered(current, rule.Value) < 0
	case schema.OperatorIsEmpty:
		return isEmptyValue(current)
	case schema.OperatorIsNotEmpty:
		return !isEmptyValue(current)
	default:
		return false
	}
}

func valueInList(value, list interface{}) bool {
	members, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, member := range members {
		if valueEquals(value, member) {
			return true
		}
	}
	return false
}

// compareOrdered returns -1, 0 or 1 for a < b, a == b, a > b. Both sides
// coerce to numbers when possible, otherwise strings compare
// lexicographically. Incomparable pairs report 0 so neither greaterThan
// nor lessThan holds.
func compareOrdered(a, b interface{}) int {
	fa, aOK := toFloat(a)
	fb, bOK := toFloat(b)
	if aOK && bOK {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	}
	return 0
}
