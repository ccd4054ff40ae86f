// Package schema compiles and applies JSON Schemas for tool arguments and
// structured outputs.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var cache sync.Map

// Compile compiles a schema given as a decoded JSON object. Compiled schemas
// are cached by their JSON encoding.
func Compile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if cached, ok := cache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	// The compiler only accepts plain JSON values.
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	cache.Store(key, compiled)
	return compiled, nil
}

// Validate checks v against s after normalizing it to plain JSON values.
func Validate(s *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return s.Validate(decoded)
}

// Summary returns the first line of a validation error, without the
// detailed instance-location tree.
func Summary(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) && len(verr.Causes) > 0 {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return leaf.Error()
	}
	return err.Error()
}

// Detail returns the full validation tree of err: one line per failing
// keyword with its instance and schema location. Other errors are returned
// as their message.
func Detail(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return verr.GoString()
	}
	return err.Error()
}

// For derives an object schema from the Go type T using its json tags.
func For[T any]() (map[string]any, error) {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(T))
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode reflected schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
