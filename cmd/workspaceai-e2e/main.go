package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/lox/workspaceai/internal/server"
	"google.golang.org/protobuf/types/known/structpb"
)

type rpcClient = *connect.Client[structpb.Struct, structpb.Struct]

func main() {
	baseURL := strings.TrimSuffix(envOrDefault("WORKSPACEAI_BASE_URL", "http://127.0.0.1:8080"), "/")
	authToken := strings.TrimSpace(os.Getenv("WORKSPACEAI_AUTH_TOKEN"))
	owner := envOrDefault("WORKSPACEAI_E2E_OWNER", "e2e-user")
	message := envOrDefault("WORKSPACEAI_E2E_MESSAGE", "Create a document titled E2E Notes with the content hello")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if authToken == "" {
		token, err := devToken(owner)
		if err != nil {
			fatalf("mint dev token: %v", err)
		}
		authToken = token
	}

	httpClient := newAuthorizedHTTPClient(authToken)
	respond := newClient(httpClient, baseURL, server.AgentServiceRespondProcedure)
	confirm := newClient(httpClient, baseURL, server.AgentServiceConfirmProcedure)
	getRequest := newClient(httpClient, baseURL, server.AgentServiceGetActionRequestProcedure)
	listMessages := newClient(httpClient, baseURL, server.MessagesServiceListMessagesProcedure)

	respondResp, err := call(ctx, respond, map[string]any{"message": message})
	if err != nil {
		fatalf("respond: %v", err)
	}
	if got := field(respondResp, "status"); got != "needs_confirmation" {
		fatalf("respond: expected needs_confirmation, got %q (summary=%q)", got, field(respondResp, "summary"))
	}
	actionRequestID := field(respondResp, "action_request_id")
	if actionRequestID == "" {
		fatalf("respond: missing action_request_id")
	}

	confirmResp, err := call(ctx, confirm, map[string]any{"action_request_id": actionRequestID, "approved": true})
	if err != nil {
		fatalf("confirm: %v", err)
	}
	if got := field(confirmResp, "status"); got != "completed" {
		fatalf("confirm: expected completed, got %q", got)
	}

	record, err := call(ctx, getRequest, map[string]any{"action_request_id": actionRequestID})
	if err != nil {
		fatalf("get action request: %v", err)
	}
	if got := field(record, "status"); got != "executed" {
		fatalf("action request %s: expected executed, got %q", actionRequestID, got)
	}

	if _, err := call(ctx, confirm, map[string]any{"action_request_id": actionRequestID, "approved": true}); connect.CodeOf(err) != connect.CodeFailedPrecondition {
		fatalf("second confirm: expected failed_precondition, got %v", err)
	}

	messages, err := call(ctx, listMessages, map[string]any{"limit": 20})
	if err != nil {
		fatalf("list messages: %v", err)
	}

	fmt.Println("e2e ok")
	fmt.Printf("action_request_id=%s\n", actionRequestID)
	fmt.Printf("confirmation_message=%s\n", field(respondResp, "confirmation_message"))
	fmt.Printf("summary=%s\n", field(confirmResp, "summary"))
	fmt.Printf("messages=%d\n", len(messages.GetFields()["items"].GetListValue().GetValues()))
}

// devToken signs a token with the server's secret, for local runs only.
func devToken(owner string) (string, error) {
	secret := strings.TrimSpace(os.Getenv("WORKSPACEAI_JWT_SECRET"))
	if secret == "" {
		return "", errors.New("set WORKSPACEAI_AUTH_TOKEN or WORKSPACEAI_JWT_SECRET")
	}
	auth, err := server.NewAuthenticator(secret)
	if err != nil {
		return "", err
	}
	return auth.IssueToken(owner, 15*time.Minute)
}

func newClient(httpClient *http.Client, baseURL, procedure string) rpcClient {
	return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, connect.WithProtoJSON())
}

func call(ctx context.Context, client rpcClient, fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func field(msg *structpb.Struct, key string) string {
	return msg.GetFields()[key].GetStringValue()
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func newAuthorizedHTTPClient(token string) *http.Client {
	return &http.Client{
		Transport: &authTransport{token: token, base: http.DefaultTransport},
	}
}

type authTransport struct {
	token string
	base  http.RoundTripper
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header = req.Header.Clone()
	clone.Header.Set("Authorization", "Bearer "+a.token)
	return a.base.RoundTrip(clone)
}
