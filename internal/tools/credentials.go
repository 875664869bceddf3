package tools

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GoogleScopes are the OAuth scopes the workspace tools need.
var GoogleScopes = []string{
	gmail.GmailSendScope,
	docs.DocumentsScope,
	calendar.CalendarEventsScope,
}

// TokenStore loads and saves an owner's Google OAuth token.
type TokenStore interface {
	GoogleToken(ctx context.Context, ownerID string) (*oauth2.Token, bool, error)
	SaveGoogleToken(ctx context.Context, ownerID string, token *oauth2.Token) error
}

func NewGoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       append([]string(nil), GoogleScopes...),
	}
}

// OAuthCredentials resolves per-owner credentials from stored OAuth tokens,
// refreshing them through the OAuth config when they expire.
type OAuthCredentials struct {
	config *oauth2.Config
	tokens TokenStore
}

func NewOAuthCredentials(config *oauth2.Config, tokens TokenStore) *OAuthCredentials {
	return &OAuthCredentials{config: config, tokens: tokens}
}

func (c *OAuthCredentials) ClientOptions(ctx context.Context, ownerID string) ([]option.ClientOption, error) {
	token, ok, err := c.tokens.GoogleToken(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load google token: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, ownerID)
	}

	source := &savingTokenSource{
		ctx:     ctx,
		ownerID: ownerID,
		last:    token,
		base:    c.config.TokenSource(ctx, token),
		store:   c.tokens,
	}
	return []option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(token, source))}, nil
}

// savingTokenSource persists refreshed tokens so the next request does not
// refresh again.
type savingTokenSource struct {
	ctx     context.Context
	ownerID string
	last    *oauth2.Token
	base    oauth2.TokenSource
	store   TokenStore
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if s.last == nil || token.AccessToken != s.last.AccessToken {
		if err := s.store.SaveGoogleToken(s.ctx, s.ownerID, token); err != nil {
			return nil, fmt.Errorf("save refreshed google token: %w", err)
		}
		s.last = token
	}
	return token, nil
}

// StaticCredentials hands every owner the same client options. Tests and
// single-user deployments use it.
type StaticCredentials []option.ClientOption

func (s StaticCredentials) ClientOptions(context.Context, string) ([]option.ClientOption, error) {
	return append([]option.ClientOption(nil), s...), nil
}
