package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fleetsession/internal/client/session"
)

const (
	LoginEndpoint   = "/auth/login"
	RefreshEndpoint = "/auth/refresh"
	LogoutEndpoint  = "/auth/logout"
)

var errNoToken = errors.New("auth response carries no token")

// AuthAPI is the backend side of the session over the pipeline.
type AuthAPI struct {
	p *Pipeline
}

var _ session.Authenticator = (*AuthAPI)(nil)

func NewAuthAPI(p *Pipeline) *AuthAPI {
	return &AuthAPI{p: p}
}

type authResponse struct {
	Token        string           `json:"token"`
	RefreshToken string           `json:"refreshToken"`
	User         *session.Subject `json:"user"`
}

func (a *AuthAPI) grant(env *Envelope) (*session.Grant, error) {
	var r authResponse
	if err := env.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if r.Token == "" {
		return nil, errNoToken
	}
	return &session.Grant{Token: r.Token, RenewalToken: r.RefreshToken, Subject: r.User}, nil
}

func (a *AuthAPI) Login(ctx context.Context, username, password string) (*session.Grant, error) {
	env, err := a.p.Post(ctx, LoginEndpoint, map[string]string{"username": username, "password": password}, LoginCall())
	if err != nil {
		return nil, err
	}
	return a.grant(env)
}

func (a *AuthAPI) Refresh(ctx context.Context, renewalToken string) (*session.Grant, error) {
	env, err := a.p.Post(ctx, RefreshEndpoint, map[string]string{"refreshToken": renewalToken}, Public())
	if err != nil {
		return nil, err
	}
	return a.grant(env)
}

func (a *AuthAPI) Logout(ctx context.Context, renewalToken string) error {
	_, err := a.p.Post(ctx, LogoutEndpoint, map[string]string{"refreshToken": renewalToken}, Public())
	return err
}
