// Package api is the authenticated request pipeline: every backend call
// gets the session credential, transient failures are retried with
// exponential backoff, and a 401 triggers one renewal and one replay
// before the session is ended.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/metrics"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
	"github.com/sethvargo/go-retry"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 10 * time.Second

	maxBodySize = 10 << 20
)

// CredentialSource supplies and renews bearer tokens. *session.Manager
// satisfies it.
type CredentialSource interface {
	GetValidCredential(ctx context.Context) (string, error)
	Renew(ctx context.Context) (string, error)
	Expire(ctx context.Context, token string) bool
}

// Request is one logical call. Interceptors may modify Header and Body;
// they run again before a replay.
type Request struct {
	Method   string
	Endpoint string
	Body     any
	Header   http.Header

	// Public calls carry no credential and are never renewed or replayed.
	Public bool
	// Login calls treat 401 as rejected credentials.
	Login bool

	token    string
	replayed bool
}

// Token is the credential attached to the latest attempt.
func (r *Request) Token() string { return r.token }

func (r *Request) Replayed() bool { return r.replayed }

type (
	RequestInterceptor  func(ctx context.Context, req *Request) error
	ResponseInterceptor func(ctx context.Context, req *Request, resp *Response) (*Response, error)
	ErrorInterceptor    func(ctx context.Context, req *Request, err *Error) *Error
)

type CallOption func(*Request)

// Public marks a call that must not carry a credential.
func Public() CallOption { return func(r *Request) { r.Public = true } }

// LoginCall marks the login request. It is public, and a 401 means the
// username or password was rejected.
func LoginCall() CallOption {
	return func(r *Request) {
		r.Public = true
		r.Login = true
	}
}

func WithHeader(key, value string) CallOption {
	return func(r *Request) { r.Header.Set(key, value) }
}

type Pipeline struct {
	base    *url.URL
	client  *http.Client
	log     logging.Logger
	metrics *metrics.Metrics

	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu         sync.RWMutex
	creds      CredentialSource
	onRequest  []RequestInterceptor
	onResponse []ResponseInterceptor
	onError    []ErrorInterceptor
}

type Option func(*Pipeline)

func WithHTTPClient(c *http.Client) Option { return func(p *Pipeline) { p.client = c } }

func WithCredentials(c CredentialSource) Option { return func(p *Pipeline) { p.creds = c } }

func WithLogger(l logging.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTimeout bounds every single attempt.
func WithTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

// WithRetry sets the retry budget and the exponential backoff bounds.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(p *Pipeline) {
		p.maxRetries = maxRetries
		p.baseDelay = base
		p.maxDelay = max
	}
}

// New creates a pipeline for the backend at baseURL with the default
// interceptors installed.
func New(baseURL string, opts ...Option) (*Pipeline, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}

	p := &Pipeline{
		base:       u,
		client:     &http.Client{},
		log:        logging.Discard(),
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
		maxDelay:   DefaultRetryMaxDelay,
	}
	for _, o := range opts {
		o(p)
	}

	p.onRequest = []RequestInterceptor{p.injectCredential}
	p.onResponse = []ResponseInterceptor{p.renewOnUnauthorized}
	p.onError = []ErrorInterceptor{p.expireOnUnauthorized}
	return p, nil
}

// SetCredentialSource attaches the session after construction, for the
// cycle pipeline → auth client → session → pipeline.
func (p *Pipeline) SetCredentialSource(c CredentialSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = c
}

func (p *Pipeline) credentials() CredentialSource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.creds
}

// UseRequest appends to the request chain. Interceptors run in
// registration order after the credential injector.
func (p *Pipeline) UseRequest(ic RequestInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRequest = append(p.onRequest, ic)
}

func (p *Pipeline) UseResponse(ic ResponseInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResponse = append(p.onResponse, ic)
}

func (p *Pipeline) UseError(ic ErrorInterceptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = append(p.onError, ic)
}

func (p *Pipeline) chains() ([]RequestInterceptor, []ResponseInterceptor, []ErrorInterceptor) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onRequest, p.onResponse, p.onError
}

func (p *Pipeline) Get(ctx context.Context, endpoint string, opts ...CallOption) (*Envelope, error) {
	return p.Do(ctx, http.MethodGet, endpoint, nil, opts...)
}

func (p *Pipeline) Post(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Envelope, error) {
	return p.Do(ctx, http.MethodPost, endpoint, body, opts...)
}

func (p *Pipeline) Put(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Envelope, error) {
	return p.Do(ctx, http.MethodPut, endpoint, body, opts...)
}

func (p *Pipeline) Patch(ctx context.Context, endpoint string, body any, opts ...CallOption) (*Envelope, error) {
	return p.Do(ctx, http.MethodPatch, endpoint, body, opts...)
}

func (p *Pipeline) Delete(ctx context.Context, endpoint string, opts ...CallOption) (*Envelope, error) {
	return p.Do(ctx, http.MethodDelete, endpoint, nil, opts...)
}

// Do runs one call through the chains. A non-nil error is always an *Error.
func (p *Pipeline) Do(ctx context.Context, method, endpoint string, body any, opts ...CallOption) (*Envelope, error) {
	req := &Request{Method: method, Endpoint: endpoint, Body: body, Header: http.Header{}}
	for _, o := range opts {
		o(req)
	}
	_, responseChain, errorChain := p.chains()

	resp, err := p.execute(ctx, req)
	for _, ic := range responseChain {
		if err != nil {
			break
		}
		resp, err = ic(ctx, req, resp)
	}
	if err == nil && resp.Status >= http.StatusBadRequest {
		err = statusError(req, resp)
	}

	if err != nil {
		e := asError(err)
		for _, ic := range errorChain {
			e = ic(ctx, req, e)
		}
		p.metrics.Request(outcome(e))
		p.log.Debug(ctx, "request failed", "method", method, "endpoint", endpoint, "status", e.Status, "error", e)
		return nil, e
	}

	p.metrics.Request("success")
	return normalize(resp), nil
}

func outcome(e *Error) string {
	if e.Kind == nil {
		return "error"
	}
	return strings.ReplaceAll(e.Kind.Error(), " ", "_")
}

func statusError(req *Request, resp *Response) *Error {
	return &Error{
		Status:    resp.Status,
		Message:   messageOf(resp),
		Kind:      kindForStatus(resp.Status, req.Login),
		retryable: retryableStatus(resp.Status),
	}
}

func (p *Pipeline) backoff() retry.Backoff {
	base := p.baseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(10, b)
	if p.maxDelay > 0 {
		b = retry.WithCappedDuration(p.maxDelay, b)
	}
	return retry.WithMaxRetries(uint64(max(p.maxRetries, 0)), b)
}

// execute sends req, retrying transient failures. Statuses that are not
// retryable come back as a response for the response chain to inspect.
func (p *Pipeline) execute(ctx context.Context, req *Request) (*Response, error) {
	var (
		resp    *Response
		attempt int
	)
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			p.metrics.Retry()
		}

		r, err := p.attempt(ctx, req)
		if err != nil {
			if isRetryable(err) {
				p.log.Warn(ctx, "transient request failure", "method", req.Method, "endpoint", req.Endpoint, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) attempt(ctx context.Context, req *Request) (*Response, error) {
	requestChain, _, _ := p.chains()
	for _, ic := range requestChain {
		if err := ic(ctx, req); err != nil {
			return nil, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	hreq, err := p.newHTTPRequest(actx, req)
	if err != nil {
		return nil, &Error{Message: "build request", Kind: common.ErrClient, Cause: err}
	}

	hresp, err := p.client.Do(hreq)
	if err != nil {
		return nil, transportError(ctx, actx, req.Method, err)
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodySize))
	if err != nil {
		return nil, transportError(ctx, actx, req.Method, err)
	}

	resp := &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: body}
	if retryableStatus(resp.Status) {
		return nil, statusError(req, resp)
	}
	return resp, nil
}

// transportError classifies a failed exchange. Cancellation of the
// caller's own context is final. A per-attempt timeout is retried; a
// connection failure only for idempotent methods.
func transportError(parent, attempt context.Context, method string, err error) error {
	if parent.Err() != nil {
		return asError(parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &Error{Message: "request timed out", Kind: common.ErrTransientNetwork, Cause: err, retryable: true}
	}
	return &Error{Message: "network failure", Kind: common.ErrTransientNetwork, Cause: err, retryable: idempotent(method)}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func (p *Pipeline) newHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	ref, err := url.Parse(req.Endpoint)
	if err != nil {
		return nil, err
	}
	target := ref
	if !ref.IsAbs() {
		target = p.base.JoinPath(ref.Path)
		target.RawQuery = ref.RawQuery
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hreq.Header[k] = append([]string(nil), v...)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	return hreq, nil
}
