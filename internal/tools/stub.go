package tools

import (
	"context"

	"github.com/lox/workspaceai/internal/agent"
)

// NewStubRegistry returns tools that describe what they would do without
// touching any external service. It is the default when no Google OAuth
// client is configured.
func NewStubRegistry() *Registry {
	r, err := NewRegistry(stubEmail{}, stubDoc{}, stubCalendarEvent{})
	if err != nil {
		panic(err)
	}
	return r
}

type stubEmail struct{}

func (stubEmail) Name() agent.FunctionName { return agent.FunctionCreateEmail }
func (stubEmail) RequiredArgs() []string   { return []string{"to", "subject", "body"} }

func (stubEmail) Invoke(_ context.Context, call Call) (map[string]any, error) {
	to, err := stringArg(call.Arguments, "to")
	if err != nil {
		return nil, err
	}
	subject, err := stringArg(call.Arguments, "subject")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action":    string(agent.FunctionCreateEmail),
		"to":        to,
		"subject":   subject,
		"simulated": true,
	}, nil
}

type stubDoc struct{}

func (stubDoc) Name() agent.FunctionName { return agent.FunctionCreateDoc }
func (stubDoc) RequiredArgs() []string   { return []string{"title"} }

func (stubDoc) Invoke(_ context.Context, call Call) (map[string]any, error) {
	title, err := stringArg(call.Arguments, "title")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action":    string(agent.FunctionCreateDoc),
		"title":     title,
		"simulated": true,
	}, nil
}

type stubCalendarEvent struct{}

func (stubCalendarEvent) Name() agent.FunctionName { return agent.FunctionCreateCalendarEvent }
func (stubCalendarEvent) RequiredArgs() []string   { return []string{"summary"} }

func (stubCalendarEvent) Invoke(_ context.Context, call Call) (map[string]any, error) {
	summary, err := stringArg(call.Arguments, "summary")
	if err != nil {
		return nil, err
	}
	start, err := stringArg(call.Arguments, "start_time")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action":    string(agent.FunctionCreateCalendarEvent),
		"summary":   summary,
		"time":      start,
		"simulated": true,
	}, nil
}
