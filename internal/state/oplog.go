package state

import (
	"errors"
	"fmt"
)

// ErrInvalidOperation indicates a state operation that cannot be applied to
// the existing value, such as pushing onto a non-array key.
var ErrInvalidOperation = errors.New("invalid state operation")

// OpKind identifies a pending state operation.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpDelete OpKind = "delete"
	OpPush   OpKind = "push"
	OpClear  OpKind = "clear"
)

// Operation is one entry in a container's pending-operation log. Operations
// recorded before the backing loader resolves are replayed in order against
// the loaded map, so a single Apply function is the only place that defines
// operation semantics.
type Operation struct {
	Kind  OpKind `json:"op"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// MaxRecords bounds the array length for push operations. Zero means
	// unbounded.
	MaxRecords int `json:"max_records,omitempty"`
}

// Apply applies a single operation to data in place. Replaying a log with
// Apply against any base map is order-preserving and deterministic.
func Apply(data map[string]any, op Operation) error {
	switch op.Kind {
	case OpSet:
		data[op.Key] = op.Value
		return nil
	case OpDelete:
		delete(data, op.Key)
		return nil
	case OpClear:
		for k := range data {
			delete(data, k)
		}
		return nil
	case OpPush:
		return applyPush(data, op)
	default:
		return fmt.Errorf("%w: unknown operation kind %q", ErrInvalidOperation, op.Kind)
	}
}

func applyPush(data map[string]any, op Operation) error {
	var records []any
	if existing, ok := data[op.Key]; ok && existing != nil {
		arr, ok := existing.([]any)
		if !ok {
			return fmt.Errorf("%w: push to key %q: existing value is not an array", ErrInvalidOperation, op.Key)
		}
		records = arr
	}
	records = append(records, op.Value)
	if op.MaxRecords > 0 && len(records) > op.MaxRecords {
		// Sliding window: keep the most recent entries.
		records = records[len(records)-op.MaxRecords:]
	}
	data[op.Key] = records
	return nil
}
