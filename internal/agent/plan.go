package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FunctionName identifies one of the workspace tools a plan may invoke.
type FunctionName string

const (
	FunctionCreateEmail         FunctionName = "create_email"
	FunctionCreateDoc           FunctionName = "create_doc"
	FunctionCreateCalendarEvent FunctionName = "create_calendar_event"
)

// AllFunctions lists every function name the planner may emit, in prompt order.
var AllFunctions = []FunctionName{
	FunctionCreateEmail,
	FunctionCreateDoc,
	FunctionCreateCalendarEvent,
}

func (f FunctionName) Valid() bool {
	for _, known := range AllFunctions {
		if f == known {
			return true
		}
	}
	return false
}

func (f FunctionName) String() string {
	return string(f)
}

// Plan is one proposed tool invocation. Plans are never mutated after the
// planner produces them; use Clone before handing arguments to anything that
// might write to them.
type Plan struct {
	FunctionName FunctionName   `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

func (p Plan) Clone() Plan {
	return Plan{
		FunctionName: p.FunctionName,
		Arguments:    cloneArguments(p.Arguments),
	}
}

// StringArg returns a trimmed string argument, or "" if absent or not a string.
func (p Plan) StringArg(key string) string {
	raw, ok := p.Arguments[key]
	if !ok {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Describe renders a short human-readable line for confirmation prompts.
func (p Plan) Describe() string {
	switch p.FunctionName {
	case FunctionCreateEmail:
		return fmt.Sprintf("send an email to %s with subject %q", p.StringArg("to"), p.StringArg("subject"))
	case FunctionCreateDoc:
		return fmt.Sprintf("create a document titled %q", p.StringArg("title"))
	case FunctionCreateCalendarEvent:
		if start := p.StringArg("start_time"); start != "" {
			return fmt.Sprintf("create a calendar event %q starting %s", p.StringArg("summary"), start)
		}
		return fmt.Sprintf("create a calendar event %q", p.StringArg("summary"))
	default:
		return fmt.Sprintf("run %s", p.FunctionName)
	}
}

// ClonePlans deep-copies a plan batch.
func ClonePlans(plans []Plan) []Plan {
	if plans == nil {
		return nil
	}
	out := make([]Plan, len(plans))
	for i, plan := range plans {
		out[i] = plan.Clone()
	}
	return out
}

// DefaultConfirmationMessage builds the confirmation question from the plans
// themselves, independent of anything the model wrote.
func DefaultConfirmationMessage(plans []Plan) string {
	if len(plans) == 0 {
		return "Nothing to confirm."
	}
	parts := make([]string, 0, len(plans))
	for _, plan := range plans {
		parts = append(parts, plan.Describe())
	}
	if len(parts) == 1 {
		return "I'm about to " + parts[0] + ". Should I go ahead?"
	}
	var b strings.Builder
	b.WriteString("I'm about to:\n")
	for i, part := range parts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, part)
	}
	b.WriteString("Should I go ahead?")
	return b.String()
}

func cloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneArguments(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), v...)
	default:
		return v
	}
}
