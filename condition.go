package flowpilot

import (
	"fmt"
	"strings"
)

// lookupPath resolves a dot-separated path against a JSON document. A missing
// segment or a non-object intermediate yields nil, never an error.
func lookupPath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}

	var current any = data
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}

	return current
}

// evaluateOperator applies a comparison operator to the value found at a
// condition's field path.
func evaluateOperator(op Operator, fieldValue, condValue any) (bool, error) {
	switch op {
	case OperatorEquals:
		return looseEquals(fieldValue, condValue), nil
	case OperatorNotEquals:
		return !looseEquals(fieldValue, condValue), nil
	case OperatorContains:
		return strings.Contains(fmt.Sprint(fieldValue), fmt.Sprint(condValue)), nil
	case OperatorGreaterThan:
		a, aok := toFloat(fieldValue)
		b, bok := toFloat(condValue)
		return aok && bok && a > b, nil
	case OperatorLessThan:
		a, aok := toFloat(fieldValue)
		b, bok := toFloat(condValue)
		return aok && bok && a < b, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// looseEquals compares with numeric normalization so that 18 and 18.0 match
// regardless of how the JSON decoder typed them.
func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}

	return a == b
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
