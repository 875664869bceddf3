// Package store persists action requests, the conversation message log and
// per-owner Google credentials.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lox/workspaceai/internal/agent"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyPlans        = errors.New("action request requires at least one plan")
)

// Status is the lifecycle state of an ActionRequest.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusCanceled},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusApproved, StatusExecuted, StatusFailed, StatusCanceled}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether from may move directly to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionRequest is a persisted batch of plans awaiting or undergoing
// confirmation and execution.
type ActionRequest struct {
	ID                  string
	OwnerID             string
	Status              Status
	UserMessage         string
	Plans               []agent.Plan
	ConfirmationMessage string
	Results             []map[string]any
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Outcome is the result metadata attached on the transition to executed or
// failed. It is refused on every other transition.
type Outcome struct {
	Results []map[string]any
	Error   string
}

func (o Outcome) empty() bool {
	return len(o.Results) == 0 && o.Error == ""
}

// ListFilter narrows ListByOwner. A zero Status matches every status.
type ListFilter struct {
	Status Status
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// ActionRequestStore is the only shared mutable state between requests.
// CompareAndSetStatus succeeds only when the stored status still equals
// expected; it reports false, not an error, when another writer got there
// first or when id does not belong to owner.
type ActionRequestStore interface {
	Create(ctx context.Context, ownerID, userMessage string, plans []agent.Plan, confirmationMessage string) (ActionRequest, error)
	Get(ctx context.Context, ownerID, id string) (ActionRequest, error)
	CompareAndSetStatus(ctx context.Context, id, ownerID string, expected, next Status, outcome Outcome) (bool, error)
	ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]ActionRequest, error)
}

func newActionRequestID() string {
	return "ar_" + uuid.NewString()
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}

func checkTransition(expected, next Status, outcome Outcome) error {
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	if next != StatusExecuted && next != StatusFailed && !outcome.empty() {
		return fmt.Errorf("%w: result metadata only allowed on executed or failed, got %s", ErrInvalidTransition, next)
	}
	return nil
}

func checkCreate(ownerID string, plans []agent.Plan) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.New("owner id is required")
	}
	if len(plans) == 0 {
		return ErrEmptyPlans
	}
	return nil
}

func encodeResults(results []map[string]any) (string, error) {
	if len(results) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	return string(raw), nil
}

func decodeActionPayload(plansJSON, resultsJSON string) ([]agent.Plan, []map[string]any, error) {
	var plans []agent.Plan
	if err := json.Unmarshal([]byte(plansJSON), &plans); err != nil {
		return nil, nil, fmt.Errorf("decode plans: %w", err)
	}
	var results []map[string]any
	if resultsJSON != "" {
		if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
			return nil, nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return plans, results, nil
}

// timestampLayout is fixed width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
