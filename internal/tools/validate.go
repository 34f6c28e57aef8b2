package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
)

// Validator compiles each tool's parameter schema once and validates
// model-supplied arguments before dispatch.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against the tool's declared parameter schema.
// Failures wrap ErrSchemaInvalid with the validator's explanation so the
// model can correct the call.
func (v *Validator) Validate(def ports.ToolDefinition, args map[string]any) error {
	schema, err := v.schemaFor(def)
	if err != nil {
		return err
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers and nested values carry the types
	// the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments for %s: %w", def.Name, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode arguments for %s: %w", def.Name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s arguments invalid: %v: %w", def.Name, err, errs.ErrSchemaInvalid)
	}
	return nil
}

func (v *Validator) schemaFor(def ports.ToolDefinition) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[def.Name]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", def.Name, err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("decode schema for %s: %w", def.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", def.Name)
	if err := compiler.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("register schema for %s: %w", def.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}
	v.compiled[def.Name] = schema
	return schema, nil
}
