package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	charmLog "github.com/charmbracelet/log"
	"github.com/lox/workspaceai/internal/agent"
	"github.com/lox/workspaceai/internal/orchestrator"
	"github.com/lox/workspaceai/internal/store"
	"github.com/lox/workspaceai/internal/tools"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"
)

const testSecret = "test-secret-0123456789abcdef"

// workflowOracle chats on "hello", plans a document for anything else and
// summarises with a fixed line.
type workflowOracle struct{}

func (workflowOracle) Complete(_ context.Context, mode agent.Mode, message string, _ []agent.ContextItem) (map[string]any, error) {
	if mode == agent.ModeSummarize {
		return map[string]any{"message": "Created the doc."}, nil
	}
	if message == "hello" {
		return map[string]any{"intent": "chat", "message": "Hi there."}, nil
	}
	return map[string]any{
		"intent": "action",
		"plans": []any{
			map[string]any{"function_name": "create_doc", "arguments": map[string]any{"title": "Notes"}},
		},
	}, nil
}

type testEnv struct {
	srv   *httptest.Server
	auth  *Authenticator
	store *store.SQLite
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "workspaceai.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestEnv(t *testing.T, mutate func(*AppConfig)) testEnv {
	t.Helper()

	st := newTestStore(t)
	logger := charmLog.New(io.Discard)
	orch, err := orchestrator.New(orchestrator.Config{
		Planner:  agent.NewPlanner(workflowOracle{}),
		Tools:    tools.NewStubRegistry(),
		Requests: st,
		Messages: st,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	auth, err := NewAuthenticator(testSecret)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	cfg := AppConfig{
		Orchestrator: orch,
		Requests:     st,
		Messages:     st,
		Auth:         auth,
		Logger:       logger,
		RespondRate:  rate.Inf,
		Health:       st.Ping,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	app, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, auth: auth, store: st}
}

func (e testEnv) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := e.auth.IssueToken(owner, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e testEnv) call(t *testing.T, token, procedure string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](e.srv.Client(), e.srv.URL+procedure, connect.WithProtoJSON())
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func stringField(msg *structpb.Struct, key string) string {
	return msg.GetFields()[key].GetStringValue()
}

func TestRespondConfirmFlow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	resp, err := env.call(t, token, AgentServiceRespondProcedure, map[string]any{"message": "write up notes"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got := stringField(resp, "status"); got != "needs_confirmation" {
		t.Fatalf("expected needs_confirmation, got %q", got)
	}
	id := stringField(resp, "action_request_id")
	if !strings.HasPrefix(id, "ar_") {
		t.Fatalf("unexpected action request id %q", id)
	}
	if got := stringField(resp, "confirmation_message"); got != `I'm about to create a document titled "Notes". Should I go ahead?` {
		t.Fatalf("unexpected confirmation message %q", got)
	}
	plans := resp.GetFields()["plans"].GetListValue().GetValues()
	if len(plans) != 1 || plans[0].GetStructValue().GetFields()["function_name"].GetStringValue() != "create_doc" {
		t.Fatalf("unexpected plans: %v", plans)
	}

	record, err := env.call(t, token, AgentServiceGetActionRequestProcedure, map[string]any{"action_request_id": id})
	if err != nil {
		t.Fatalf("get action request: %v", err)
	}
	if got := stringField(record, "status"); got != "pending" {
		t.Fatalf("expected pending before confirm, got %q", got)
	}

	confirmed, err := env.call(t, token, AgentServiceConfirmProcedure, map[string]any{"action_request_id": id, "approved": true})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if stringField(confirmed, "status") != "completed" || stringField(confirmed, "summary") != "Created the doc." {
		t.Fatalf("unexpected confirm response: %v", confirmed)
	}
	results := confirmed.GetFields()["results"].GetListValue().GetValues()
	if len(results) != 1 || !results[0].GetStructValue().GetFields()["simulated"].GetBoolValue() {
		t.Fatalf("unexpected results: %v", results)
	}

	record, err = env.call(t, token, AgentServiceGetActionRequestProcedure, map[string]any{"action_request_id": id})
	if err != nil {
		t.Fatalf("get action request: %v", err)
	}
	if got := stringField(record, "status"); got != "executed" {
		t.Fatalf("expected executed, got %q", got)
	}

	_, err = env.call(t, token, AgentServiceConfirmProcedure, map[string]any{"action_request_id": id, "approved": true})
	if connect.CodeOf(err) != connect.CodeFailedPrecondition {
		t.Fatalf("expected FailedPrecondition on second confirm, got %v", err)
	}

	list, err := env.call(t, token, AgentServiceListActionRequestsProcedure, map[string]any{"status": "executed"})
	if err != nil {
		t.Fatalf("list action requests: %v", err)
	}
	if items := list.GetFields()["items"].GetListValue().GetValues(); len(items) != 1 {
		t.Fatalf("expected one executed request, got %d", len(items))
	}
}

func TestRespondChatAndMessageLog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	resp, err := env.call(t, token, AgentServiceRespondProcedure, map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if stringField(resp, "status") != "completed" || stringField(resp, "summary") != "Hi there." {
		t.Fatalf("unexpected chat response: %v", resp)
	}

	list, err := env.call(t, token, MessagesServiceListMessagesProcedure, map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	items := list.GetFields()["items"].GetListValue().GetValues()
	if len(items) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(items))
	}
	newest := items[0].GetStructValue()
	if stringField(newest, "role") != "assistant" || stringField(newest, "content") != "Hi there." {
		t.Fatalf("unexpected newest message: %v", newest)
	}

	id := stringField(items[1].GetStructValue(), "id")
	got, err := env.call(t, token, MessagesServiceGetMessageProcedure, map[string]any{"message_id": id})
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stringField(got, "role") != "user" || stringField(got, "content") != "hello" {
		t.Fatalf("unexpected message: %v", got)
	}

	_, err = env.call(t, env.token(t, "mallory"), MessagesServiceGetMessageProcedure, map[string]any{"message_id": id})
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("expected NotFound for another owner's message, got %v", err)
	}
}

func TestConfirmDeclineCancels(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	resp, err := env.call(t, token, AgentServiceRespondProcedure, map[string]any{"message": "write up notes"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	id := stringField(resp, "action_request_id")

	declined, err := env.call(t, token, AgentServiceConfirmProcedure, map[string]any{"action_request_id": id, "approved": false})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if stringField(declined, "status") != "canceled" || stringField(declined, "summary") != orchestrator.CancellationMessage {
		t.Fatalf("unexpected decline response: %v", declined)
	}

	record, err := env.store.Get(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != store.StatusCanceled {
		t.Fatalf("expected canceled, got %s", record.Status)
	}
}

func TestActionRequestsAreOwnerScoped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	resp, err := env.call(t, env.token(t, "alice"), AgentServiceRespondProcedure, map[string]any{"message": "write up notes"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	id := stringField(resp, "action_request_id")
	other := env.token(t, "mallory")

	if _, err := env.call(t, other, AgentServiceGetActionRequestProcedure, map[string]any{"action_request_id": id}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := env.call(t, other, AgentServiceConfirmProcedure, map[string]any{"action_request_id": id, "approved": true}); connect.CodeOf(err) != connect.CodeNotFound {
		t.Fatalf("expected NotFound on foreign confirm, got %v", err)
	}

	record, err := env.store.Get(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != store.StatusPending {
		t.Fatalf("foreign confirm changed status to %s", record.Status)
	}
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	if _, err := env.call(t, "", AgentServiceRespondProcedure, map[string]any{"message": "hello"}); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}

	other, err := NewAuthenticator("another-secret-0123456789")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	forged, err := other.IssueToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := env.call(t, forged, AgentServiceRespondProcedure, map[string]any{"message": "hello"}); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated for foreign signature, got %v", err)
	}

	state, err := env.auth.issue("alice", purposeOAuthState, time.Minute)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if _, err := env.call(t, state, AgentServiceRespondProcedure, map[string]any{"message": "hello"}); connect.CodeOf(err) != connect.CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated for oauth state token, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	token := env.token(t, "alice")

	tests := []struct {
		name      string
		procedure string
		fields    map[string]any
	}{
		{"empty message", AgentServiceRespondProcedure, map[string]any{"message": "   "}},
		{"missing approved", AgentServiceConfirmProcedure, map[string]any{"action_request_id": "ar_1"}},
		{"missing action request id", AgentServiceConfirmProcedure, map[string]any{"approved": true}},
		{"unknown status filter", AgentServiceListActionRequestsProcedure, map[string]any{"status": "done"}},
		{"negative limit", MessagesServiceListMessagesProcedure, map[string]any{"limit": -1}},
		{"missing message id", MessagesServiceGetMessageProcedure, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := env.call(t, token, tt.procedure, tt.fields)
			if connect.CodeOf(err) != connect.CodeInvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestRespondRateLimitPerOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *AppConfig) {
		cfg.RespondRate = rate.Every(time.Hour)
		cfg.RespondBurst = 1
	})

	alice := env.token(t, "alice")
	if _, err := env.call(t, alice, AgentServiceRespondProcedure, map[string]any{"message": "hello"}); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if _, err := env.call(t, alice, AgentServiceRespondProcedure, map[string]any{"message": "hello"}); connect.CodeOf(err) != connect.CodeResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if _, err := env.call(t, env.token(t, "bob"), AgentServiceRespondProcedure, map[string]any{"message": "hello"}); err != nil {
		t.Fatalf("other owner should have its own bucket: %v", err)
	}
}

type failingOrchestrator struct{ err error }

func (f failingOrchestrator) Respond(context.Context, string, string) (orchestrator.RespondResult, error) {
	return orchestrator.RespondResult{}, f.err
}

func (f failingOrchestrator) Confirm(context.Context, string, string, bool) (orchestrator.ConfirmResult, error) {
	return orchestrator.ConfirmResult{}, f.err
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want connect.Code
	}{
		{"validation", agent.ErrValidation, connect.CodeInvalidArgument},
		{"not found", store.ErrNotFound, connect.CodeNotFound},
		{"invalid state", store.ErrInvalidState, connect.CodeFailedPrecondition},
		{"planner failure", agent.ErrPlannerFailure, connect.CodeUnavailable},
		{"tool execution", errors.Join(orchestrator.ErrToolExecution, tools.ErrInvalidArguments), connect.CodeInternal},
		{"unclassified", errors.New("boom"), connect.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, func(cfg *AppConfig) {
				cfg.Orchestrator = failingOrchestrator{err: tt.err}
			})
			_, err := env.call(t, env.token(t, "alice"), AgentServiceConfirmProcedure, map[string]any{"action_request_id": "ar_1", "approved": true})
			if connect.CodeOf(err) != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestToolExecutionErrorCarriesToolMessage(t *testing.T) {
	t.Parallel()

	toolErr := errors.New("quota exceeded")
	env := newTestEnv(t, func(cfg *AppConfig) {
		cfg.Orchestrator = failingOrchestrator{err: errors.Join(orchestrator.ErrToolExecution, toolErr)}
	})
	_, err := env.call(t, env.token(t, "alice"), AgentServiceConfirmProcedure, map[string]any{"action_request_id": "ar_1", "approved": true})

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if !strings.Contains(connectErr.Message(), "quota exceeded") {
		t.Fatalf("expected tool error in message, got %q", connectErr.Message())
	}
}

func TestPublicEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := env.srv.Client().Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestHealthzReportsBackendFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *AppConfig) {
		cfg.Health = func(context.Context) error { return errors.New("database is locked") }
	})
	resp, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func getJSON(t *testing.T, client *http.Client, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}
