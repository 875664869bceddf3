package server

import (
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const (
	googleAuthorizePath = "/auth/google/authorize"
	googleCallbackPath  = "/auth/google/callback"
	googleStatusPath    = "/auth/google/status"
)

func (a *App) registerGoogleOAuthHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET "+googleAuthorizePath, a.handleGoogleAuthorize)
	mux.HandleFunc("GET "+googleCallbackPath, a.handleGoogleCallback)
	mux.HandleFunc("GET "+googleStatusPath, a.handleGoogleStatus)
}

func (a *App) oauthConfigured(w http.ResponseWriter) bool {
	if a.oauth == nil || a.tokens == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "google oauth is not configured"})
		return false
	}
	return true
}

// handleGoogleAuthorize returns the consent URL. The state parameter is a
// short-lived signed token carrying the owner id, so the public callback can
// attribute the grant without a session.
func (a *App) handleGoogleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !a.oauthConfigured(w) {
		return
	}
	owner, ok := ownerFromContext(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	state, err := a.auth.issue(owner, purposeOAuthState, oauthStateTTL)
	if err != nil {
		a.logger.Error("issue oauth state failed", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	authURL := a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
}

func (a *App) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if !a.oauthConfigured(w) {
		return
	}
	query := r.URL.Query()
	if errParam := strings.TrimSpace(query.Get("error")); errParam != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "authorization denied: " + errParam})
		return
	}
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}
	owner, err := a.auth.verify(query.Get("state"), purposeOAuthState)
	if err != nil {
		a.logger.Warn("rejected oauth state", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid state"})
		return
	}

	token, err := a.oauth.Exchange(r.Context(), code)
	if err != nil {
		a.logger.Warn("google code exchange failed", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "code exchange failed"})
		return
	}
	if err := a.tokens.SaveGoogleToken(r.Context(), owner, token); err != nil {
		a.logger.Error("save google token failed", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	a.logger.Info("google account connected", "owner_id", owner, "has_refresh_token", token.RefreshToken != "")
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (a *App) handleGoogleStatus(w http.ResponseWriter, r *http.Request) {
	if !a.oauthConfigured(w) {
		return
	}
	owner, ok := ownerFromContext(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	_, connected, err := a.tokens.GoogleToken(r.Context(), owner)
	if err != nil {
		a.logger.Error("load google token failed", "owner_id", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}
