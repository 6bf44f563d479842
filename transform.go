package flowpilot

import (
	"fmt"
)

// applyTransform runs a data_transform step's operation over the execution
// context. Map and filter are implemented; merge and split are declared but
// not yet supported and fail the step.
func applyTransform(op TransformOperation, config map[string]any, data any) (any, error) {
	switch op {
	case TransformMap:
		return transformMap(config, data), nil
	case TransformFilter:
		return transformFilter(config, data), nil
	case TransformMerge, TransformSplit:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	}
}

// transformMap renames keys per config.mapping. Arrays are mapped
// per-element; a scalar or missing mapping leaves the value untouched.
func transformMap(config map[string]any, data any) any {
	mapping, ok := config["mapping"].(map[string]any)
	if !ok || len(mapping) == 0 {
		return data
	}

	if items, ok := data.([]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = mapOne(mapping, item)
		}
		return out
	}

	return mapOne(mapping, data)
}

func mapOne(mapping map[string]any, item any) any {
	obj, ok := item.(map[string]any)
	if !ok {
		return item
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for from, to := range mapping {
		target, ok := to.(string)
		if !ok {
			continue
		}
		if v, exists := out[from]; exists {
			out[target] = v
			delete(out, from)
		}
	}

	return out
}

// transformFilter keeps the array elements whose config.field value satisfies
// the nested condition. Non-array input passes through unchanged.
func transformFilter(config map[string]any, data any) any {
	items, ok := data.([]any)
	if !ok {
		return data
	}

	field, _ := config["field"].(string)
	condition, _ := config["condition"].(map[string]any)
	if field == "" || condition == nil {
		return items
	}

	op, _ := condition["operator"].(string)
	want := condition["value"]

	out := make([]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		got := lookupPath(obj, field)
		match, err := evaluateOperator(Operator(op), got, want)
		if err != nil {
			continue
		}
		if match {
			out = append(out, item)
		}
	}

	return out
}
