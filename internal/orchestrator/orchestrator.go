// Package orchestrator runs the plan, confirm and execute cycle on top of the
// planner, the confirmation gate, the tool registry and the action request
// store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/lox/workspaceai/internal/agent"
	"github.com/lox/workspaceai/internal/metrics"
	"github.com/lox/workspaceai/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/lox/workspaceai/internal/orchestrator"

	// CancellationMessage is the fixed reply to a declined confirmation.
	CancellationMessage = "Okay, I won't do that."
	// SummaryFallback replaces the summary when the planner cannot produce one.
	SummaryFallback = "Done."
)

var ErrToolExecution = errors.New("tool execution failed")

// Planner is the subset of agent.Planner the orchestrator drives.
type Planner interface {
	Plan(ctx context.Context, message string, items []agent.ContextItem) (agent.Response, error)
	Summarize(ctx context.Context, items []agent.ContextItem) (string, error)
}

// ToolInvoker is satisfied by *tools.Registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, ownerID string, name agent.FunctionName, args map[string]any) (map[string]any, error)
}

type Status string

const (
	StatusCompleted         Status = "completed"
	StatusNeedsConfirmation Status = "needs_confirmation"
	StatusCanceled          Status = "canceled"
)

// PlanResult is the outcome of one plan executed without confirmation.
// Exactly one of Result and Error is set.
type PlanResult struct {
	FunctionName agent.FunctionName
	Result       map[string]any
	Error        string
}

type RespondResult struct {
	Status              Status
	Summary             string
	ActionRequestID     string
	ConfirmationMessage string
	Plans               []agent.Plan
	Results             []PlanResult
}

type ConfirmResult struct {
	Status          Status
	ActionRequestID string
	Summary         string
	Results         []map[string]any
}

type Config struct {
	Planner   Planner
	Tools     ToolInvoker
	Requests  store.ActionRequestStore
	Messages  store.MessageLog
	Validator *agent.Validator
	// Gate defaults to agent.DefaultGate.
	Gate   *agent.Gate
	Logger *charmLog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type Orchestrator struct {
	planner   Planner
	tools     ToolInvoker
	requests  store.ActionRequestStore
	messages  store.MessageLog
	validator *agent.Validator
	gate      agent.Gate
	logger    *charmLog.Logger
	tracer    trace.Tracer
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.Requests == nil {
		return nil, errors.New("action request store is required")
	}
	if cfg.Messages == nil {
		return nil, errors.New("message log is required")
	}

	validator := cfg.Validator
	if validator == nil {
		v, err := agent.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("init plan validator: %w", err)
		}
		validator = v
	}

	gate := agent.DefaultGate
	if cfg.Gate != nil {
		gate = *cfg.Gate
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "workspaceai",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Orchestrator{
		planner:   cfg.Planner,
		tools:     cfg.Tools,
		requests:  cfg.Requests,
		messages:  cfg.Messages,
		validator: validator,
		gate:      gate,
		logger:    logger.With("component", "orchestrator"),
		tracer:    tp.Tracer(tracerName),
	}, nil
}

// Respond handles one inbound user message. It never executes a
// side-effecting plan: those are persisted as a pending action request and
// returned for confirmation.
func (o *Orchestrator) Respond(ctx context.Context, ownerID, message string) (result RespondResult, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Respond",
		trace.WithAttributes(attribute.String("owner_id", ownerID)),
	)
	defer func() {
		endSpan(span, err)
		if err != nil {
			metrics.ObserveRespond("error")
		} else {
			metrics.ObserveRespond(string(result.Status))
		}
	}()

	message = strings.TrimSpace(message)
	if message == "" {
		return RespondResult{}, fmt.Errorf("%w: message is required", agent.ErrValidation)
	}

	if _, err := o.messages.AppendMessage(ctx, ownerID, agent.RoleUser, message); err != nil {
		return RespondResult{}, fmt.Errorf("record user message: %w", err)
	}

	conv := agent.NewConversation(agent.ContextItem{Role: agent.RoleUser, Content: message})
	resp, err := o.plan(ctx, message, conv.Items())
	if err != nil {
		return RespondResult{}, err
	}

	if resp.Intent == agent.IntentChat {
		o.record(ctx, ownerID, agent.RoleAssistant, resp.Message)
		return RespondResult{Status: StatusCompleted, Summary: resp.Message}, nil
	}

	if err := o.validator.ValidatePlans(resp.Plans); err != nil {
		o.logger.Warn("rejected plan batch", "owner_id", ownerID, "plans", len(resp.Plans), "err", err)
		return RespondResult{}, err
	}
	span.SetAttributes(attribute.Int("plans", len(resp.Plans)))

	if o.gate.RequiresConfirmation(resp.Plans) {
		return o.requestConfirmation(ctx, ownerID, message, resp)
	}

	results := make([]PlanResult, 0, len(resp.Plans))
	for _, plan := range resp.Plans {
		out, err := o.invoke(ctx, ownerID, plan)
		if err != nil {
			o.logger.Warn("unconfirmed plan failed", "owner_id", ownerID, "function", plan.FunctionName, "err", err)
			toolErr := map[string]any{"tool_error": err.Error(), "function_name": string(plan.FunctionName)}
			results = append(results, PlanResult{FunctionName: plan.FunctionName, Error: err.Error()})
			conv.Append(agent.RoleAssistant, toolErr)
			o.record(ctx, ownerID, agent.RoleTool, toolErr)
			continue
		}
		results = append(results, PlanResult{FunctionName: plan.FunctionName, Result: out})
		conv.Append(agent.RoleAssistant, map[string]any{"tool_result": out})
		o.record(ctx, ownerID, agent.RoleTool, out)
	}

	summary := o.summarize(ctx, ownerID, conv.Items())
	o.record(ctx, ownerID, agent.RoleAssistant, summary)
	return RespondResult{Status: StatusCompleted, Summary: summary, Results: results}, nil
}

func (o *Orchestrator) requestConfirmation(ctx context.Context, ownerID, message string, resp agent.Response) (RespondResult, error) {
	confirmation := agent.DefaultConfirmationMessage(resp.Plans)
	if resp.ClaimedConfirmation && resp.ConfirmationMessage != "" {
		confirmation = resp.ConfirmationMessage
	}

	req, err := o.requests.Create(ctx, ownerID, message, resp.Plans, confirmation)
	if err != nil {
		return RespondResult{}, fmt.Errorf("persist action request: %w", err)
	}
	o.logger.Info("action request pending", "owner_id", ownerID, "action_request_id", req.ID, "plans", len(req.Plans))

	o.record(ctx, ownerID, agent.RoleAssistant, map[string]any{
		"message":           confirmation,
		"action_request_id": req.ID,
	})

	return RespondResult{
		Status:              StatusNeedsConfirmation,
		ActionRequestID:     req.ID,
		ConfirmationMessage: confirmation,
		Plans:               agent.ClonePlans(req.Plans),
	}, nil
}

// Confirm resolves a pending action request. Approval executes the plans in
// order and halts at the first tool error; earlier plans are not rolled back.
func (o *Orchestrator) Confirm(ctx context.Context, ownerID, id string, approved bool) (result ConfirmResult, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Confirm",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("action_request_id", id),
			attribute.Bool("approved", approved),
		),
	)
	defer func() { endSpan(span, err) }()

	req, err := o.requests.Get(ctx, ownerID, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if req.Status != store.StatusPending {
		return ConfirmResult{}, fmt.Errorf("%w: action request %s is %s", store.ErrInvalidState, id, req.Status)
	}

	if !approved {
		if err := o.transition(ctx, req, store.StatusPending, store.StatusCanceled, store.Outcome{}); err != nil {
			return ConfirmResult{}, err
		}
		o.logger.Info("action request canceled", "owner_id", ownerID, "action_request_id", id)
		o.record(ctx, ownerID, agent.RoleAssistant, CancellationMessage)
		return ConfirmResult{Status: StatusCanceled, ActionRequestID: id, Summary: CancellationMessage}, nil
	}

	if err := o.transition(ctx, req, store.StatusPending, store.StatusApproved, store.Outcome{}); err != nil {
		return ConfirmResult{}, err
	}
	o.logger.Info("action request approved", "owner_id", ownerID, "action_request_id", id, "plans", len(req.Plans))

	// Once approved, the request must reach executed or failed even if the
	// caller goes away. Tools still run on ctx so a deadline fails the plan.
	persistCtx := context.WithoutCancel(ctx)

	conv := agent.NewConversation(agent.ContextItem{Role: agent.RoleUser, Content: req.UserMessage})
	results := make([]map[string]any, 0, len(req.Plans))
	for i, plan := range req.Plans {
		out, err := o.invoke(ctx, ownerID, plan)
		if err != nil {
			return ConfirmResult{}, o.failBatch(persistCtx, req, i, plan, results, err)
		}
		results = append(results, planResult(plan, out))
		conv.Append(agent.RoleAssistant, map[string]any{"tool_result": out})
		o.record(persistCtx, ownerID, agent.RoleTool, out)
	}

	if err := o.transition(persistCtx, req, store.StatusApproved, store.StatusExecuted, store.Outcome{Results: results}); err != nil {
		return ConfirmResult{}, err
	}
	o.logger.Info("action request executed", "owner_id", ownerID, "action_request_id", id, "plans", len(results))

	summary := o.summarize(ctx, ownerID, conv.Items())
	o.record(persistCtx, ownerID, agent.RoleAssistant, summary)
	return ConfirmResult{Status: StatusCompleted, ActionRequestID: id, Summary: summary, Results: results}, nil
}

// failBatch marks the request failed with the results gathered so far. The
// remaining plans are abandoned.
func (o *Orchestrator) failBatch(ctx context.Context, req store.ActionRequest, index int, plan agent.Plan, results []map[string]any, toolErr error) error {
	detail := fmt.Sprintf("plan %d (%s): %v", index+1, plan.FunctionName, toolErr)
	o.logger.Error("action request failed", "owner_id", req.OwnerID, "action_request_id", req.ID,
		"function", plan.FunctionName, "completed", len(results), "abandoned", len(req.Plans)-index-1, "err", toolErr)

	if err := o.transition(ctx, req, store.StatusApproved, store.StatusFailed, store.Outcome{Results: results, Error: detail}); err != nil {
		o.logger.Error("mark action request failed", "action_request_id", req.ID, "err", err)
	}
	o.record(ctx, req.OwnerID, agent.RoleAssistant, fmt.Sprintf("I couldn't finish: %s.", detail))

	return fmt.Errorf("%w: %s: %w", ErrToolExecution, plan.FunctionName, toolErr)
}

// planResult tags a tool's output with the function that produced it so a
// stored batch reads without lining results up against the plans.
func planResult(plan agent.Plan, out map[string]any) map[string]any {
	entry := maps.Clone(out)
	if entry == nil {
		entry = make(map[string]any, 1)
	}
	entry["function_name"] = string(plan.FunctionName)
	return entry
}

func (o *Orchestrator) transition(ctx context.Context, req store.ActionRequest, from, to store.Status, outcome store.Outcome) error {
	ok, err := o.requests.CompareAndSetStatus(ctx, req.ID, req.OwnerID, from, to, outcome)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	metrics.ObserveTransition(string(from), string(to), ok)
	if !ok {
		return fmt.Errorf("%w: action request %s is no longer %s", store.ErrInvalidState, req.ID, from)
	}
	return nil
}

func (o *Orchestrator) plan(ctx context.Context, message string, items []agent.ContextItem) (agent.Response, error) {
	ctx, span := o.tracer.Start(ctx, "planner.Plan")
	started := time.Now()
	resp, err := o.planner.Plan(ctx, message, items)
	metrics.ObservePlannerCall(string(agent.ModePlan), started, err)
	endSpan(span, err)
	if err != nil {
		o.logger.Error("planner failed", "mode", agent.ModePlan, "err", err)
	}
	return resp, err
}

// summarize never fails: a planner error degrades to SummaryFallback.
func (o *Orchestrator) summarize(ctx context.Context, ownerID string, items []agent.ContextItem) string {
	ctx, span := o.tracer.Start(ctx, "planner.Summarize", trace.WithAttributes(attribute.Int("context_items", len(items))))
	started := time.Now()
	summary, err := o.planner.Summarize(ctx, items)
	metrics.ObservePlannerCall(string(agent.ModeSummarize), started, err)
	endSpan(span, err)

	if err != nil || strings.TrimSpace(summary) == "" {
		o.logger.Warn("summarize failed, using fallback", "owner_id", ownerID, "err", err)
		summary = SummaryFallback
	}
	return summary
}

func (o *Orchestrator) invoke(ctx context.Context, ownerID string, plan agent.Plan) (map[string]any, error) {
	ctx, span := o.tracer.Start(ctx, "tools.Invoke", trace.WithAttributes(attribute.String("function", string(plan.FunctionName))))
	out, err := o.tools.Invoke(ctx, ownerID, plan.FunctionName, plan.Arguments)
	metrics.ObserveToolInvocation(string(plan.FunctionName), err)
	endSpan(span, err)
	return out, err
}

// record appends to the message log. Failures after the user message is
// stored are logged, not returned: the state transition already happened.
func (o *Orchestrator) record(ctx context.Context, ownerID string, role agent.Role, content any) {
	if _, err := o.messages.AppendMessage(ctx, ownerID, role, content); err != nil {
		o.logger.Warn("record message", "owner_id", ownerID, "role", role, "err", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
