package api

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/fleetsession/internal/common"
)

func (p *Pipeline) injectCredential(ctx context.Context, req *Request) error {
	if req.Public {
		return nil
	}
	creds := p.credentials()
	if creds == nil {
		return common.ErrNotAuthenticated
	}

	token, err := creds.GetValidCredential(ctx)
	if err != nil {
		return err
	}
	req.token = token
	req.Header.Set(common.AccessTokenHeaderName, common.BearerValue(token))
	return nil
}

// renewOnUnauthorized replays a rejected call once with a fresh
// credential. If another caller already renewed since this request was
// sent, the newer credential is used without renewing again.
func (p *Pipeline) renewOnUnauthorized(ctx context.Context, req *Request, resp *Response) (*Response, error) {
	if resp.Status != http.StatusUnauthorized || req.Public || req.replayed {
		return resp, nil
	}
	creds := p.credentials()
	if creds == nil {
		return resp, nil
	}

	current, err := creds.GetValidCredential(ctx)
	if err == nil && current == req.token {
		current, err = creds.Renew(ctx)
	}
	if err != nil {
		return nil, &Error{Status: http.StatusUnauthorized, Message: "session expired", Kind: common.ErrExpiredSession, Cause: err}
	}

	p.log.Info(ctx, "replaying request with renewed credential", "method", req.Method, "endpoint", req.Endpoint)
	req.replayed = true
	return p.execute(ctx, req)
}

// expireOnUnauthorized ends the session when a credentialed call is still
// rejected after the replay.
func (p *Pipeline) expireOnUnauthorized(ctx context.Context, req *Request, e *Error) *Error {
	if e.Status != http.StatusUnauthorized || req.Public {
		return e
	}
	if req.token != "" {
		if creds := p.credentials(); creds != nil && creds.Expire(ctx, req.token) {
			p.log.Warn(ctx, "credential rejected after renewal, session ended", "method", req.Method, "endpoint", req.Endpoint)
		}
	}
	if e.Kind == common.ErrNotAuthenticated && req.token != "" {
		e.Kind = common.ErrExpiredSession
	}
	return e
}
