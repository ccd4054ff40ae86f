package core

import "fmt"

// Chunk is implemented by streamed values that know how to merge with the
// next chunk of the same kind.
type Chunk interface {
	Concat(other Chunk) (Chunk, error)
}

// Concat combines two consecutive stream chunks:
//   - nil on either side yields the other operand
//   - strings are appended
//   - Chunk values delegate to their Concat method
//   - map[string]any values merge key by key, concatenating shared keys
//   - []any values are appended
//
// Every other combination fails with a NotConcatenableError.
func Concat(a, b any) (any, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	switch left := a.(type) {
	case string:
		if right, ok := b.(string); ok {
			return left + right, nil
		}
	case Chunk:
		if right, ok := b.(Chunk); ok {
			return left.Concat(right)
		}
	case map[string]any:
		if right, ok := b.(map[string]any); ok {
			return concatMaps(left, right)
		}
	case []any:
		if right, ok := b.([]any); ok {
			out := make([]any, 0, len(left)+len(right))
			return append(append(out, left...), right...), nil
		}
	}
	return nil, &NotConcatenableError{Left: fmt.Sprintf("%T", a), Right: fmt.Sprintf("%T", b)}
}

// ConcatAll folds chunks left to right. An empty input yields nil.
func ConcatAll(chunks []any) (any, error) {
	var acc any
	for i, c := range chunks {
		next, err := Concat(acc, c)
		if err != nil {
			return nil, fmt.Errorf("concat chunk %d: %w", i, err)
		}
		acc = next
	}
	return acc, nil
}

func concatMaps(left, right map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		prev, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		merged, err := Concat(prev, v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = merged
	}
	return out, nil
}
