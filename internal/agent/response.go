package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Intent tags the variant of a planning response.
type Intent string

const (
	IntentChat   Intent = "chat"
	IntentAction Intent = "action"
)

// Response is the decoded result of a plan-mode call. Exactly one variant is
// populated: Message for chat, Plans/ConfirmationMessage for action.
type Response struct {
	Intent              Intent
	Message             string
	Plans               []Plan
	ConfirmationMessage string
	// ClaimedConfirmation is the model's own requires_confirmation flag. It
	// is advisory only; the Gate decides.
	ClaimedConfirmation bool
}

// Planner wraps an Oracle and decodes each mode's response shape.
type Planner struct {
	oracle Oracle
}

func NewPlanner(oracle Oracle) *Planner {
	if oracle == nil {
		oracle = NewStaticOracle()
	}
	return &Planner{oracle: oracle}
}

// Run sends one request in the given mode and returns the raw JSON object.
func (p *Planner) Run(ctx context.Context, mode Mode, message string, items []ContextItem) (map[string]any, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	out, err := p.oracle.Complete(ctx, mode, message, items)
	if err != nil {
		if errors.Is(err, ErrUnsupportedMode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPlannerFailure, mode, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s: empty response", ErrPlannerFailure, mode)
	}
	return out, nil
}

func (p *Planner) Plan(ctx context.Context, message string, items []ContextItem) (Response, error) {
	raw, err := p.Run(ctx, ModePlan, message, items)
	if err != nil {
		return Response{}, err
	}
	return decodePlanResponse(raw)
}

func (p *Planner) Summarize(ctx context.Context, items []ContextItem) (string, error) {
	raw, err := p.Run(ctx, ModeSummarize, "Summarize actions taken", items)
	if err != nil {
		return "", err
	}
	return decodeMessage(ModeSummarize, raw)
}

func (p *Planner) Chat(ctx context.Context, message string, items []ContextItem) (string, error) {
	raw, err := p.Run(ctx, ModeChat, message, items)
	if err != nil {
		return "", err
	}
	return decodeMessage(ModeChat, raw)
}

func decodeMessage(mode Mode, raw map[string]any) (string, error) {
	msg, ok := raw["message"].(string)
	if !ok || strings.TrimSpace(msg) == "" {
		return "", fmt.Errorf("%w: %s: missing message", ErrPlannerFailure, mode)
	}
	return strings.TrimSpace(msg), nil
}

// decodePlanResponse enforces the envelope shape. Individual plans are decoded
// loosely here; the Validator decides whether they are acceptable.
func decodePlanResponse(raw map[string]any) (Response, error) {
	intent, _ := raw["intent"].(string)
	switch Intent(strings.TrimSpace(intent)) {
	case IntentChat:
		msg, err := decodeMessage(ModePlan, raw)
		if err != nil {
			return Response{}, err
		}
		return Response{Intent: IntentChat, Message: msg}, nil
	case IntentAction:
		rawPlans, ok := raw["plans"].([]any)
		if !ok {
			return Response{}, fmt.Errorf("%w: action intent without plans array", ErrPlannerFailure)
		}
		plans := make([]Plan, 0, len(rawPlans))
		for _, item := range rawPlans {
			plans = append(plans, decodePlan(item))
		}
		confirmation, _ := raw["confirmation_message"].(string)
		claimed, _ := raw["requires_confirmation"].(bool)
		return Response{
			Intent:              IntentAction,
			Plans:               plans,
			ConfirmationMessage: strings.TrimSpace(confirmation),
			ClaimedConfirmation: claimed,
		}, nil
	default:
		return Response{}, fmt.Errorf("%w: unrecognized intent %q", ErrPlannerFailure, intent)
	}
}

func decodePlan(item any) Plan {
	obj, ok := item.(map[string]any)
	if !ok {
		return Plan{}
	}
	name, _ := obj["function_name"].(string)
	args, _ := obj["arguments"].(map[string]any)
	return Plan{
		FunctionName: FunctionName(strings.TrimSpace(name)),
		Arguments:    cloneArguments(args),
	}
}
