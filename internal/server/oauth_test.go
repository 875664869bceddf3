package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/lox/workspaceai/internal/tools"
	"golang.org/x/oauth2"
)

func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOAuthEnv(t *testing.T) testEnv {
	t.Helper()
	tokenSrv := newTokenEndpoint(t)
	return newTestEnv(t, func(cfg *AppConfig) {
		cfg.GoogleOAuth = &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://workspaceai.example" + googleCallbackPath,
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://accounts.example/o/oauth2/auth",
				TokenURL:  tokenSrv.URL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"scope-a"},
		}
		cfg.GoogleTokens = cfg.Requests.(tools.TokenStore)
	})
}

func TestGoogleOAuthConnectFlow(t *testing.T) {
	t.Parallel()

	env := newOAuthEnv(t)
	token := env.token(t, "alice")
	client := env.srv.Client()

	var status map[string]bool
	if code := getJSON(t, client, env.srv.URL+googleStatusPath, token, &status); code != http.StatusOK || status["connected"] {
		t.Fatalf("expected disconnected status, got %d %v", code, status)
	}

	var authorize map[string]string
	if code := getJSON(t, client, env.srv.URL+googleAuthorizePath, token, &authorize); code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d", code)
	}
	authURL, err := url.Parse(authorize["auth_url"])
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	query := authURL.Query()
	if query.Get("access_type") != "offline" || query.Get("prompt") != "consent" || query.Get("client_id") != "client-id" {
		t.Fatalf("unexpected auth url: %s", authURL)
	}
	state := query.Get("state")

	callback := env.srv.URL + googleCallbackPath + "?" + url.Values{"code": {"good-code"}, "state": {state}}.Encode()
	if code := getJSON(t, client, callback, "", nil); code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d", code)
	}

	stored, ok, err := env.store.GoogleToken(context.Background(), "alice")
	if err != nil || !ok {
		t.Fatalf("expected stored token, got ok=%v err=%v", ok, err)
	}
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected stored token: %#v", stored)
	}

	status = nil
	if code := getJSON(t, client, env.srv.URL+googleStatusPath, token, &status); code != http.StatusOK || !status["connected"] {
		t.Fatalf("expected connected status, got %d %v", code, status)
	}
}

func TestGoogleOAuthCallbackRejectsBadState(t *testing.T) {
	t.Parallel()

	env := newOAuthEnv(t)
	client := env.srv.Client()

	accessToken := env.token(t, "alice")
	for name, state := range map[string]string{
		"garbage":      "not-a-jwt",
		"access token": accessToken,
	} {
		callback := env.srv.URL + googleCallbackPath + "?" + url.Values{"code": {"good-code"}, "state": {state}}.Encode()
		if code := getJSON(t, client, callback, "", nil); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, code)
		}
	}

	if _, ok, _ := env.store.GoogleToken(context.Background(), "alice"); ok {
		t.Fatal("token stored despite invalid state")
	}
}

func TestGoogleOAuthCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	env := newOAuthEnv(t)
	state, err := env.auth.issue("alice", purposeOAuthState, oauthStateTTL)
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	callback := env.srv.URL + googleCallbackPath + "?" + url.Values{"code": {"bad-code"}, "state": {state}}.Encode()
	if code := getJSON(t, env.srv.Client(), callback, "", nil); code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", code)
	}
}

func TestGoogleOAuthNotConfigured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	if code := getJSON(t, env.srv.Client(), env.srv.URL+googleAuthorizePath, env.token(t, "alice"), nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestGoogleOAuthAuthorizeRequiresToken(t *testing.T) {
	t.Parallel()

	env := newOAuthEnv(t)
	if code := getJSON(t, env.srv.Client(), env.srv.URL+googleAuthorizePath, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
