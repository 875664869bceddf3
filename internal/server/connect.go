package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/lox/workspaceai/internal/agent"
	"github.com/lox/workspaceai/internal/metrics"
	"github.com/lox/workspaceai/internal/orchestrator"
	"github.com/lox/workspaceai/internal/store"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	AgentServiceRespondProcedure            = "/workspaceai.v1.AgentService/Respond"
	AgentServiceConfirmProcedure            = "/workspaceai.v1.AgentService/Confirm"
	AgentServiceGetActionRequestProcedure   = "/workspaceai.v1.AgentService/GetActionRequest"
	AgentServiceListActionRequestsProcedure = "/workspaceai.v1.AgentService/ListActionRequests"
	MessagesServiceListMessagesProcedure    = "/workspaceai.v1.MessagesService/ListMessages"
	MessagesServiceGetMessageProcedure      = "/workspaceai.v1.MessagesService/GetMessage"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("rate limit exceeded")
)

// rpcFunc handles one procedure for an authenticated owner. The returned value
// is JSON encoded into the google.protobuf.Struct response.
type rpcFunc func(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error)

func (a *App) registerConnectHandlers(mux *http.ServeMux) {
	for procedure, fn := range map[string]rpcFunc{
		AgentServiceRespondProcedure:            a.respond,
		AgentServiceConfirmProcedure:            a.confirm,
		AgentServiceGetActionRequestProcedure:   a.getActionRequest,
		AgentServiceListActionRequestsProcedure: a.listActionRequests,
		MessagesServiceListMessagesProcedure:    a.listMessages,
		MessagesServiceGetMessageProcedure:      a.getMessage,
	} {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, a.unary(procedure, fn)))
	}
}

func (a *App) unary(procedure string, fn rpcFunc) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		owner, ok := ownerFromContext(ctx)
		if !ok {
			return nil, connect.NewError(connect.CodeUnauthenticated, errUnauthenticated)
		}
		out, err := fn(ctx, owner, req.Msg)
		if err != nil {
			return nil, a.connectError(procedure, owner, err)
		}
		msg, err := encodeMessage(out)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode response: %w", err))
		}
		return connect.NewResponse(msg), nil
	}
}

// connectError classifies err by sentinel. Order matters: a tool failure
// during confirm may also wrap a store or validation error.
func (a *App) connectError(procedure, ownerID string, err error) *connect.Error {
	var code connect.Code
	switch {
	case errors.Is(err, errRateLimited):
		code = connect.CodeResourceExhausted
	case errors.Is(err, orchestrator.ErrToolExecution):
		code = connect.CodeInternal
	case errors.Is(err, errBadRequest), errors.Is(err, agent.ErrValidation):
		code = connect.CodeInvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, store.ErrInvalidState):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, agent.ErrPlannerFailure), errors.Is(err, agent.ErrUnsupportedMode):
		code = connect.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	default:
		code = connect.CodeInternal
	}

	if code == connect.CodeInternal || code == connect.CodeUnavailable {
		a.logger.Error("rpc failed", "procedure", procedure, "owner_id", ownerID, "code", code.String(), "err", err)
	} else {
		a.logger.Debug("rpc rejected", "procedure", procedure, "owner_id", ownerID, "code", code.String(), "err", err)
	}
	return connect.NewError(code, err)
}

type respondRequest struct {
	Message string `json:"message" validate:"required"`
}

type planResultDTO struct {
	FunctionName agent.FunctionName `json:"function_name"`
	Result       map[string]any     `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
}

type respondResponse struct {
	Status              orchestrator.Status `json:"status"`
	Summary             string              `json:"summary,omitempty"`
	ActionRequestID     string              `json:"action_request_id,omitempty"`
	ConfirmationMessage string              `json:"confirmation_message,omitempty"`
	Plans               []agent.Plan        `json:"plans,omitempty"`
	Results             []planResultDTO     `json:"results,omitempty"`
}

func (a *App) respond(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req respondRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	if !a.limiter.Allow(ownerID) {
		metrics.ObserveRateLimited()
		return nil, errRateLimited
	}

	result, err := a.orch.Respond(ctx, ownerID, req.Message)
	if err != nil {
		return nil, err
	}

	out := respondResponse{
		Status:              result.Status,
		Summary:             result.Summary,
		ActionRequestID:     result.ActionRequestID,
		ConfirmationMessage: result.ConfirmationMessage,
		Plans:               result.Plans,
	}
	for _, r := range result.Results {
		out.Results = append(out.Results, planResultDTO{FunctionName: r.FunctionName, Result: r.Result, Error: r.Error})
	}
	return out, nil
}

type confirmRequest struct {
	ActionRequestID string `json:"action_request_id" validate:"required"`
	Approved        *bool  `json:"approved" validate:"required"`
}

type confirmResponse struct {
	Status          orchestrator.Status `json:"status"`
	ActionRequestID string              `json:"action_request_id"`
	Summary         string              `json:"summary"`
	Results         []map[string]any    `json:"results,omitempty"`
}

func (a *App) confirm(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req confirmRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	result, err := a.orch.Confirm(ctx, ownerID, req.ActionRequestID, *req.Approved)
	if err != nil {
		return nil, err
	}
	return confirmResponse{
		Status:          result.Status,
		ActionRequestID: result.ActionRequestID,
		Summary:         result.Summary,
		Results:         result.Results,
	}, nil
}

type actionRequestDTO struct {
	ID                  string           `json:"id"`
	Status              store.Status     `json:"status"`
	UserMessage         string           `json:"user_message"`
	Plans               []agent.Plan     `json:"plans"`
	ConfirmationMessage string           `json:"confirmation_message"`
	Results             []map[string]any `json:"results,omitempty"`
	Error               string           `json:"error,omitempty"`
	CreatedAt           string           `json:"created_at"`
	UpdatedAt           string           `json:"updated_at"`
}

func toActionRequestDTO(req store.ActionRequest) actionRequestDTO {
	return actionRequestDTO{
		ID:                  req.ID,
		Status:              req.Status,
		UserMessage:         req.UserMessage,
		Plans:               req.Plans,
		ConfirmationMessage: req.ConfirmationMessage,
		Results:             req.Results,
		Error:               req.Error,
		CreatedAt:           req.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:           req.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type getActionRequestRequest struct {
	ActionRequestID string `json:"action_request_id" validate:"required"`
}

func (a *App) getActionRequest(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req getActionRequestRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	record, err := a.requests.Get(ctx, ownerID, req.ActionRequestID)
	if err != nil {
		return nil, err
	}
	return toActionRequestDTO(record), nil
}

type listActionRequestsRequest struct {
	Status string `json:"status" validate:"omitempty,oneof=pending approved executed failed canceled"`
	Limit  int    `json:"limit" validate:"gte=0"`
}

type listActionRequestsResponse struct {
	Items []actionRequestDTO `json:"items"`
}

func (a *App) listActionRequests(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req listActionRequestsRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	records, err := a.requests.ListByOwner(ctx, ownerID, store.ListFilter{Status: store.Status(req.Status), Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	out := listActionRequestsResponse{Items: make([]actionRequestDTO, 0, len(records))}
	for _, record := range records {
		out.Items = append(out.Items, toActionRequestDTO(record))
	}
	return out, nil
}

type messageDTO struct {
	ID        string          `json:"id"`
	Role      agent.Role      `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

func toMessageDTO(m store.Message) messageDTO {
	return messageDTO{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type listMessagesRequest struct {
	Limit int `json:"limit" validate:"gte=0"`
}

type listMessagesResponse struct {
	Items []messageDTO `json:"items"`
}

func (a *App) listMessages(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req listMessagesRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	messages, err := a.messages.ListMessages(ctx, ownerID, req.Limit)
	if err != nil {
		return nil, err
	}
	out := listMessagesResponse{Items: make([]messageDTO, 0, len(messages))}
	for _, m := range messages {
		out.Items = append(out.Items, toMessageDTO(m))
	}
	return out, nil
}

type getMessageRequest struct {
	MessageID string `json:"message_id" validate:"required"`
}

func (a *App) getMessage(ctx context.Context, ownerID string, msg *structpb.Struct) (any, error) {
	var req getMessageRequest
	if err := a.decodeRequest(msg, &req); err != nil {
		return nil, err
	}
	m, err := a.messages.GetMessage(ctx, ownerID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return toMessageDTO(m), nil
}

// decodeRequest maps a Struct message onto a tagged DTO and validates it.
// String fields are trimmed before validation.
func (a *App) decodeRequest(msg *structpb.Struct, dst any) error {
	raw := []byte("{}")
	if msg != nil {
		var err error
		if raw, err = protojson.Marshal(msg); err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	trimStrings(dst)
	if err := a.validator.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func trimStrings(dst any) {
	switch v := dst.(type) {
	case *respondRequest:
		v.Message = strings.TrimSpace(v.Message)
	case *confirmRequest:
		v.ActionRequestID = strings.TrimSpace(v.ActionRequestID)
	case *getActionRequestRequest:
		v.ActionRequestID = strings.TrimSpace(v.ActionRequestID)
	case *listActionRequestsRequest:
		v.Status = strings.TrimSpace(v.Status)
	case *getMessageRequest:
		v.MessageID = strings.TrimSpace(v.MessageID)
	}
}

// encodeMessage converts a JSON-tagged value into a google.protobuf.Struct.
// structpb.NewStruct only accepts plain maps, so go through JSON.
func encodeMessage(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
