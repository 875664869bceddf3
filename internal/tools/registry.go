package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lox/workspaceai/internal/agent"
)

var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrInvalidArguments  = errors.New("invalid tool arguments")
	ErrNoCredentials     = errors.New("no workspace credentials for owner")
	ErrDuplicateRegistry = errors.New("tool already registered")
)

// Call is one invocation of a tool on behalf of an owner. Arguments are a
// private copy; tools may read them freely.
type Call struct {
	OwnerID   string
	Arguments map[string]any
}

// Tool performs exactly one external mutation per Invoke. There is no retry
// or idempotency guarantee.
type Tool interface {
	Name() agent.FunctionName
	RequiredArgs() []string
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// Registry maps function names to tools.
type Registry struct {
	tools map[agent.FunctionName]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[agent.FunctionName]Tool, len(tools))}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistry, name)
	}
	r.tools[name] = tool
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []agent.FunctionName {
	names := make([]agent.FunctionName, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Invoke runs the named tool. It fails with ErrUnknownTool for names outside
// the registry and ErrInvalidArguments when a required key is missing.
func (r *Registry) Invoke(ctx context.Context, ownerID string, name agent.FunctionName, args map[string]any) (map[string]any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	for _, key := range tool.RequiredArgs() {
		if value, present := args[key]; !present || value == nil {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidArguments, name, key)
		}
	}

	plan := agent.Plan{FunctionName: name, Arguments: args}.Clone()
	result, err := tool.Invoke(ctx, Call{OwnerID: ownerID, Arguments: plan.Arguments})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidArguments, key)
	}
	return s, nil
}
