package session

import (
	"context"

	"golang.org/x/oauth2"
)

type tokenSource struct {
	ctx context.Context
	m   *Manager
}

// TokenSource adapts the manager to oauth2 so an *http.Client built with
// oauth2.NewClient always sends a credential outside the renewal window.
// The renewal token is never exposed.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	c, err := ts.m.validCredential(ts.ctx, false)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: c.Token,
		TokenType:   "Bearer",
		Expiry:      c.ExpiresAt,
	}, nil
}
