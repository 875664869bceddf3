package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/workspaceai/internal/agent"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "workspaceai"

// casStatusScript applies a status transition atomically.
// KEYS[1] = action request hash
// ARGV[1] = owner id
// ARGV[2] = expected status
// ARGV[3] = next status
// ARGV[4] = updated_at
// ARGV[5] = "1" when result metadata is written
// ARGV[6] = results json
// ARGV[7] = error
var casStatusScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "owner_id", "status")
if not state[1] or state[1] ~= ARGV[1] then
    return 0
end
if state[2] ~= ARGV[2] then
    return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[3], "updated_at", ARGV[4])
if ARGV[5] == "1" then
    redis.call("HSET", KEYS[1], "results_json", ARGV[6], "error", ARGV[7])
end
return 1
`)

// Redis stores action requests in Redis hashes with a per-owner sorted set
// index. It implements ActionRequestStore only; messages and credentials stay
// in SQLite.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// OpenRedis connects to addr and verifies the connection. Keys are namespaced
// under prefix.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) requestKey(id string) string {
	return fmt.Sprintf("%s:action_request:%s", r.prefix, id)
}

func (r *Redis) ownerIndexKey(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s:action_requests", r.prefix, ownerID)
}

func (r *Redis) Create(ctx context.Context, ownerID, userMessage string, plans []agent.Plan, confirmationMessage string) (ActionRequest, error) {
	if err := checkCreate(ownerID, plans); err != nil {
		return ActionRequest{}, err
	}
	plansJSON, err := json.Marshal(plans)
	if err != nil {
		return ActionRequest{}, fmt.Errorf("encode plans: %w", err)
	}

	now := r.now().UTC()
	req := ActionRequest{
		ID:                  newActionRequestID(),
		OwnerID:             ownerID,
		Status:              StatusPending,
		UserMessage:         userMessage,
		Plans:               agent.ClonePlans(plans),
		ConfirmationMessage: confirmationMessage,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.requestKey(req.ID), map[string]any{
			"id":                   req.ID,
			"owner_id":             req.OwnerID,
			"status":               string(req.Status),
			"user_message":         req.UserMessage,
			"plans_json":           string(plansJSON),
			"confirmation_message": req.ConfirmationMessage,
			"results_json":         "",
			"error":                "",
			"created_at":           formatTimestamp(now),
			"updated_at":           formatTimestamp(now),
		})
		pipe.ZAdd(ctx, r.ownerIndexKey(ownerID), redis.Z{Score: float64(now.UnixNano()), Member: req.ID})
		return nil
	})
	if err != nil {
		return ActionRequest{}, fmt.Errorf("insert action request: %w", err)
	}
	return req, nil
}

func (r *Redis) Get(ctx context.Context, ownerID, id string) (ActionRequest, error) {
	fields, err := r.client.HGetAll(ctx, r.requestKey(id)).Result()
	if err != nil {
		return ActionRequest{}, fmt.Errorf("load action request: %w", err)
	}
	if len(fields) == 0 || fields["owner_id"] != ownerID {
		return ActionRequest{}, fmt.Errorf("%w: action request %s", ErrNotFound, id)
	}
	return decodeRedisActionRequest(fields)
}

func decodeRedisActionRequest(fields map[string]string) (ActionRequest, error) {
	plans, results, err := decodeActionPayload(fields["plans_json"], fields["results_json"])
	if err != nil {
		return ActionRequest{}, err
	}
	req := ActionRequest{
		ID:                  fields["id"],
		OwnerID:             fields["owner_id"],
		Status:              Status(fields["status"]),
		UserMessage:         fields["user_message"],
		Plans:               plans,
		ConfirmationMessage: fields["confirmation_message"],
		Results:             results,
		Error:               fields["error"],
	}
	if req.CreatedAt, err = parseTimestamp(fields["created_at"]); err != nil {
		return ActionRequest{}, fmt.Errorf("parse created_at: %w", err)
	}
	if req.UpdatedAt, err = parseTimestamp(fields["updated_at"]); err != nil {
		return ActionRequest{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return req, nil
}

func (r *Redis) CompareAndSetStatus(ctx context.Context, id, ownerID string, expected, next Status, outcome Outcome) (bool, error) {
	if err := checkTransition(expected, next, outcome); err != nil {
		return false, err
	}
	resultsJSON, err := encodeResults(outcome.Results)
	if err != nil {
		return false, err
	}

	withOutcome := "0"
	if next == StatusExecuted || next == StatusFailed {
		withOutcome = "1"
	}

	res, err := casStatusScript.Run(ctx, r.client, []string{r.requestKey(id)},
		ownerID, string(expected), string(next), formatTimestamp(r.now()), withOutcome, resultsJSON, outcome.Error,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("update action request status: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) ListByOwner(ctx context.Context, ownerID string, filter ListFilter) ([]ActionRequest, error) {
	ids, err := r.client.ZRevRange(ctx, r.ownerIndexKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list action requests: %w", err)
	}

	limit := filter.limit()
	items := make([]ActionRequest, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(items) >= limit {
			break
		}
		req, err := r.Get(ctx, ownerID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		items = append(items, req)
	}
	return items, nil
}
