package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowloom/agentcore/runtime/agent/model"
)

type (
	// Handler executes a single tool invocation. Implementations decode
	// payload themselves (typically via the ToolSpec's Payload.Codec) and
	// return a JSON-serializable result or an error.
	//
	// Handlers must be safe for concurrent use: the loop engine may invoke
	// the same handler for multiple tool calls in the same batch
	// concurrently.
	Handler func(ctx context.Context, payload json.RawMessage) (any, error)

	// Registration pairs a ToolSpec with the handler that executes it.
	Registration struct {
		Spec    ToolSpec
		Handler Handler
	}

	// Result reports the outcome of a single tool execution, matched back
	// to the originating model.ToolCall by CallID.
	Result struct {
		CallID   string
		Name     Ident
		Success  bool
		Output   any
		Metadata map[string]any
		Error    error
	}

	// Validator checks a raw JSON payload against a tool's declared schema,
	// returning field-level issues on failure. *jsonschema.Validator (package
	// tools/jsonschema) satisfies this without modification; it is kept as an
	// interface here so this package never imports jsonschema, which itself
	// imports tools for FieldIssue.
	Validator interface {
		Validate(payload []byte) ([]FieldIssue, error)
	}

	// Registry holds the set of tools available to a run and knows how to
	// translate between the model-facing wire shapes (model.ToolDefinition,
	// model.ToolCall) and registered handlers.
	//
	// Registry is safe for concurrent use. Registration happens once during
	// setup; Execute may be called concurrently by multiple in-flight runs
	// sharing the same registry.
	Registry struct {
		mu         sync.RWMutex
		specs      map[Ident]ToolSpec
		hands      map[Ident]Handler
		validators map[Ident]Validator
		compile    func(schema []byte) (Validator, error)
	}
)

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:      make(map[Ident]ToolSpec),
		hands:      make(map[Ident]Handler),
		validators: make(map[Ident]Validator),
	}
}

// SetSchemaCompiler installs the factory used to compile a tool's payload
// schema into a Validator at registration time. Callers typically wire this
// to jsonschema.Compile. Tools registered before SetSchemaCompiler is called
// are not retroactively validated.
func (r *Registry) SetSchemaCompiler(compile func(schema []byte) (Validator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compile = compile
}

// Register adds a tool to the registry. It returns an error if a tool with
// the same name is already registered.
func (r *Registry) Register(spec ToolSpec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: registration missing name")
	}
	if handler == nil {
		return fmt.Errorf("tools: registration %q missing handler", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tools: %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.hands[spec.Name] = handler
	if r.compile != nil && len(spec.Payload.Schema) > 0 {
		v, err := r.compile(spec.Payload.Schema)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", spec.Name, err)
		}
		r.validators[spec.Name] = v
	}
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name Ident) (ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// ToLLMTools renders every registered tool as a model.ToolDefinition,
// suitable for attaching to a model.Request.Tools slice.
func (r *Registry) ToLLMTools() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ToolDefinition, 0, len(r.specs))
	for _, spec := range r.specs {
		var schema any
		if len(spec.Payload.Schema) > 0 {
			schema = json.RawMessage(spec.Payload.Schema)
		}
		out = append(out, &model.ToolDefinition{
			Name:        string(spec.Name),
			Description: spec.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Execute runs every tool call concurrently and returns one Result per
// call, in the same order as calls. Calls to unregistered tools are
// rewritten to the ToolUnavailable sentinel per the runtime's unknown-tool
// handshake contract rather than dropped, so the model always receives a
// matching tool_result.
func (r *Registry) Execute(ctx context.Context, calls []model.ToolCall) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call model.ToolCall) {
			defer wg.Done()
			results[i] = r.execOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Registry) execOne(ctx context.Context, call model.ToolCall) Result {
	r.mu.RLock()
	handler, ok := r.hands[call.Name]
	validator := r.validators[call.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{
			CallID:  call.ID,
			Name:    ToolUnavailable,
			Success: false,
			Error:   fmt.Errorf("tools: %q is not registered for this run", call.Name),
		}
	}
	if validator != nil {
		if issues, err := validator.Validate(call.Payload); err != nil {
			return Result{
				CallID:   call.ID,
				Name:     call.Name,
				Success:  false,
				Metadata: map[string]any{"issues": issues},
				Error:    fmt.Errorf("tools: %q payload failed schema validation: %w", call.Name, err),
			}
		}
	}
	out, err := handler(ctx, call.Payload)
	if err != nil {
		return Result{CallID: call.ID, Name: call.Name, Success: false, Error: err}
	}
	return Result{CallID: call.ID, Name: call.Name, Success: true, Output: out}
}
