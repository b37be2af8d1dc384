// Package session owns the authentication credential of one client
// process: it persists the credential, renews it ahead of expiry, lets
// concurrent callers share a single renewal, and keeps sibling processes
// in step over the bus.
//
// Exactly one Manager should exist per process. It is safe for concurrent
// use.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
	"github.com/dmitrijs2005/fleetsession/internal/client/metrics"
	"github.com/dmitrijs2005/fleetsession/internal/clockx"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
)

const (
	DefaultRenewalThreshold = 5 * time.Minute
	DefaultRenewalTimeout   = 15 * time.Second
)

var errNoRenewalToken = errors.New("no renewal token")

type renewResult struct {
	cred *Credential
	err  error
}

type Manager struct {
	auth    Authenticator
	store   Store
	legacy  LegacyRepository
	bus     Broadcaster
	clock   clockx.Clock
	log     logging.Logger
	metrics *metrics.Metrics

	threshold      time.Duration
	renewalTimeout time.Duration
	jitter         func(limit time.Duration) time.Duration

	initOnce sync.Once
	initErr  error

	// writeMu orders record changes together with their persistence.
	// It is always taken before mu.
	writeMu sync.Mutex

	mu          sync.Mutex
	cred        *Credential
	subject     Subject
	epoch       uint64
	refreshing  bool
	pending     []chan renewResult
	timer       clockx.Timer
	timerGen    uint64
	nextRenewal time.Time
	closed      bool
	unsubscribe []func()
}

type Option func(*Manager)

func WithClock(c clockx.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRenewalThreshold sets how long before expiry a credential is renewed.
func WithRenewalThreshold(d time.Duration) Option { return func(m *Manager) { m.threshold = d } }

// WithRenewalTimeout bounds each backend renewal and logout call.
func WithRenewalTimeout(d time.Duration) Option { return func(m *Manager) { m.renewalTimeout = d } }

// WithLegacyRepository mirrors token and user in plaintext for older readers.
func WithLegacyRepository(r LegacyRepository) Option { return func(m *Manager) { m.legacy = r } }

// New creates a Manager. b may be nil for a process without siblings.
func New(auth Authenticator, store Store, b Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		auth:           auth,
		store:          store,
		bus:            b,
		clock:          clockx.Real(),
		log:            logging.Discard(),
		threshold:      DefaultRenewalThreshold,
		renewalTimeout: DefaultRenewalTimeout,
		jitter:         randomJitter,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize subscribes to sibling events and restores the persisted
// credential. An expired replica is discarded; one within the renewal
// threshold is renewed before Initialize returns. Repeated and concurrent
// calls share the first call's work.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.initialize(ctx)
	})
	return m.initErr
}

func (m *Manager) initialize(ctx context.Context) error {
	m.subscribe()

	m.writeMu.Lock()
	c, s, err := m.loadPersisted(ctx)
	if err != nil {
		m.log.Info(ctx, "discarding persisted credential", "reason", err)
		m.removePersisted(ctx)
		m.writeMu.Unlock()
		return nil
	}
	if c == nil {
		m.writeMu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.adoptLocked(c, s)
	due := !m.freshLocked()
	m.mu.Unlock()
	m.writeMu.Unlock()

	m.log.Info(ctx, "session restored", "subject", s.ID, "expires_at", c.ExpiresAt)

	if due {
		if _, err := m.Renew(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// SetCredential installs a freshly issued token, persists it, schedules
// its proactive renewal and announces the login to siblings. Empty subject
// fields are filled from the token claims.
func (m *Manager) SetCredential(ctx context.Context, token string, subject Subject, renewalToken string) error {
	c, s, err := newCredential(token, renewalToken, &subject, m.clock.Now())
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	m.mu.Lock()
	m.installLocked(c, s)
	m.mu.Unlock()
	if err := m.persist(ctx, c, s); err != nil {
		m.log.Warn(ctx, "credential not persisted", "error", err)
	}
	m.writeMu.Unlock()

	m.log.Info(ctx, "session established", "subject", s.ID, "role", s.Role, "expires_at", c.ExpiresAt)
	m.broadcast(ctx, bus.EventLogin, credentialPayload(c, s))
	return nil
}

// Login authenticates against the backend and installs the result. A
// rejected login returns common.ErrInvalidCredentials and changes nothing.
func (m *Manager) Login(ctx context.Context, username, password string) (Subject, error) {
	grant, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return Subject{}, err
	}

	var s Subject
	if grant.Subject != nil {
		s = *grant.Subject
	}
	if err := m.SetCredential(ctx, grant.Token, s, grant.RenewalToken); err != nil {
		return Subject{}, err
	}
	s, _ = m.Subject()
	return s, nil
}

// GetValidCredential returns a token that is not within the renewal
// threshold of its expiry, renewing first when needed. Callers arriving
// while a renewal is in flight wait for its result instead of starting
// another one.
func (m *Manager) GetValidCredential(ctx context.Context) (string, error) {
	c, err := m.validCredential(ctx, false)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}

// Renew exchanges the renewal token for a new credential, or joins the
// renewal already in flight. On rejection the session is cleared and
// common.ErrExpiredSession is returned.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	c, err := m.validCredential(ctx, true)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}

func (m *Manager) freshLocked() bool {
	return m.cred.ExpiresAt.Sub(m.clock.Now()) > m.threshold
}

func (m *Manager) validCredential(ctx context.Context, force bool) (*Credential, error) {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return nil, common.ErrNotAuthenticated
	}
	if !m.refreshing && !force && m.freshLocked() {
		c := m.cred
		m.mu.Unlock()
		return c, nil
	}

	ch := make(chan renewResult, 1)
	m.pending = append(m.pending, ch)
	if !m.refreshing {
		m.startRenewalLocked(ctx)
	}
	m.mu.Unlock()

	select {
	case r := <-ch:
		return r.cred, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startRenewalLocked launches the single in-flight renewal. The backend
// call is detached from ctx so one caller giving up cannot fail the others.
func (m *Manager) startRenewalLocked(ctx context.Context) {
	m.refreshing = true
	epoch := m.epoch
	renewalToken := m.cred.RenewalToken

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.renewalTimeout)
	go func() {
		defer cancel()
		m.runRenewal(rctx, epoch, renewalToken)
	}()
}

func (m *Manager) runRenewal(ctx context.Context, epoch uint64, renewalToken string) {
	var (
		c   *Credential
		s   Subject
		err error
	)
	if renewalToken == "" {
		err = errNoRenewalToken
	} else {
		var grant *Grant
		grant, err = m.auth.Refresh(ctx, renewalToken)
		if err == nil {
			c, s, err = newCredential(grant.Token, grant.RenewalToken, grant.Subject, m.clock.Now())
		}
		if err == nil && c.RenewalToken == "" {
			c.RenewalToken = renewalToken
		}
	}

	m.writeMu.Lock()
	var (
		rotated        *Credential
		rotatedSubject Subject
	)
	if err != nil {
		rotated, rotatedSubject = m.rotatedBySibling(context.WithoutCancel(ctx), renewalToken)
	}

	m.mu.Lock()
	waiters := m.pending
	m.pending = nil
	m.refreshing = false

	current := m.cred
	replaced := m.epoch != epoch

	switch {
	case err == nil && current != nil && (!replaced || current.SubjectID == c.SubjectID):
		m.installLocked(c, s)
		m.mu.Unlock()
		if perr := m.persist(context.WithoutCancel(ctx), c, s); perr != nil {
			m.log.Warn(ctx, "renewed credential not persisted", "error", perr)
		}
		m.writeMu.Unlock()

		m.metrics.Renewal("success")
		m.log.Info(ctx, "credential renewed", "subject", s.ID, "expires_at", c.ExpiresAt, "waiters", len(waiters))
		m.broadcast(ctx, bus.EventTokenRefreshed, credentialPayload(c, s))
		resolve(waiters, renewResult{cred: c})

	case current != nil && replaced:
		// a login or a sibling's record superseded this renewal
		m.mu.Unlock()
		m.writeMu.Unlock()
		m.metrics.Renewal("superseded")
		resolve(waiters, renewResult{cred: current})

	case current == nil:
		m.mu.Unlock()
		m.writeMu.Unlock()
		m.metrics.Renewal("superseded")
		resolve(waiters, renewResult{err: common.ErrNotAuthenticated})

	case rotated != nil && rotated.SubjectID == current.SubjectID && rotated.Token != current.Token:
		// a sibling spent the same renewal token first and persisted the result
		m.adoptLocked(rotated, rotatedSubject)
		m.mu.Unlock()
		m.writeMu.Unlock()
		m.metrics.Renewal("superseded")
		m.log.Info(ctx, "renewal token already rotated by a sibling, adopted its credential", "subject", rotatedSubject.ID, "error", err)
		resolve(waiters, renewResult{cred: rotated})

	default:
		m.clearLocked()
		m.mu.Unlock()
		m.removeOwnPersisted(context.WithoutCancel(ctx), current.Token)
		m.writeMu.Unlock()

		m.metrics.Renewal("failure")
		m.log.Warn(ctx, "credential renewal failed, session cleared", "error", err, "waiters", len(waiters))
		m.broadcast(ctx, bus.EventTokenExpired, EventPayload{ExpiresAt: current.ExpiresAt.UnixMilli()})
		resolve(waiters, renewResult{err: fmt.Errorf("%w: %w", common.ErrExpiredSession, err)})
	}
}

// rotatedBySibling returns the persisted credential when it carries a
// renewal token other than spent.
func (m *Manager) rotatedBySibling(ctx context.Context, spent string) (*Credential, Subject) {
	c, s, err := m.loadPersisted(ctx)
	if err != nil || c == nil || c.RenewalToken == "" || c.RenewalToken == spent {
		return nil, Subject{}
	}
	return c, s
}

func resolve(waiters []chan renewResult, r renewResult) {
	for _, ch := range waiters {
		ch <- r
	}
}

// installLocked replaces the record wholesale and reschedules renewal.
func (m *Manager) installLocked(c *Credential, s Subject) {
	m.cred = c
	m.subject = s
	m.epoch++
	m.scheduleLocked(false)
}

// adoptLocked installs a record another process wrote. Its renewal is
// pushed back by a random share of the lead so the writer renews first.
func (m *Manager) adoptLocked(c *Credential, s Subject) {
	m.cred = c
	m.subject = s
	m.epoch++
	m.scheduleLocked(true)
}

func (m *Manager) clearLocked() {
	m.cred = nil
	m.subject = Subject{}
	m.epoch++
	m.scheduleLocked(false)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// scheduleLocked replaces the proactive renewal timer. A token whose whole
// lifetime fits inside the threshold is renewed at half its lifetime.
func (m *Manager) scheduleLocked(adopted bool) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	m.nextRenewal = time.Time{}
	if m.cred == nil || m.closed {
		return
	}

	now := m.clock.Now()
	lifetime := m.cred.ExpiresAt.Sub(now)
	lead := m.threshold
	if lead >= lifetime {
		lead = lifetime / 2
	}
	delay := lifetime - lead
	if adopted {
		delay += m.jitter(lead / 4)
	}
	if delay < 0 {
		delay = 0
	}

	gen := m.timerGen
	m.nextRenewal = now.Add(delay)
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(gen) })
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || m.cred == nil || m.closed || m.refreshing {
		return
	}
	m.log.Debug(context.Background(), "proactive renewal", "subject", m.cred.SubjectID)
	m.startRenewalLocked(context.Background())
}

// Logout asks the backend to revoke the renewal token, then clears local
// and persisted state and tells siblings. Local state is cleared even when
// the backend call fails; that failure is returned for logging.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	var renewalToken string
	if m.cred != nil {
		renewalToken = m.cred.RenewalToken
	}
	m.mu.Unlock()

	var remoteErr error
	if renewalToken != "" {
		lctx, cancel := context.WithTimeout(ctx, m.renewalTimeout)
		remoteErr = m.auth.Logout(lctx, renewalToken)
		cancel()
	}

	m.writeMu.Lock()
	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()
	m.removePersisted(ctx)
	m.writeMu.Unlock()

	m.log.Info(ctx, "logged out")
	m.broadcast(ctx, bus.EventLogout, EventPayload{})

	if remoteErr != nil {
		return fmt.Errorf("backend logout: %w", remoteErr)
	}
	return nil
}

// Expire ends the session after the backend rejected token even after a
// renewal. An empty token matches any credential. It reports whether this
// call performed the transition.
func (m *Manager) Expire(ctx context.Context, token string) bool {
	m.writeMu.Lock()
	m.mu.Lock()
	if m.cred == nil || (token != "" && m.cred.Token != token) {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return false
	}
	expired := m.cred
	m.clearLocked()
	m.mu.Unlock()
	m.removeOwnPersisted(ctx, expired.Token)
	m.writeMu.Unlock()

	m.log.Warn(ctx, "session expired", "subject", expired.SubjectID)
	m.broadcast(ctx, bus.EventTokenExpired, EventPayload{ExpiresAt: expired.ExpiresAt.UnixMilli()})
	return true
}

// UpdateSubject replaces the profile of the current subject and announces
// it to siblings. The subject id cannot change.
func (m *Manager) UpdateSubject(ctx context.Context, s Subject) error {
	m.writeMu.Lock()
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return common.ErrNotAuthenticated
	}
	if s.ID == "" {
		s.ID = m.cred.SubjectID
	}
	if s.ID != m.cred.SubjectID {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return fmt.Errorf("update subject: id %q does not match session subject", s.ID)
	}
	s.Role = ParseRole(string(s.Role))

	next := *m.cred
	next.Role = s.Role
	m.cred = &next
	m.subject = s
	m.mu.Unlock()

	err := m.persistSubject(ctx, &next, s)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warn(ctx, "subject not persisted", "error", err)
	}

	m.broadcast(ctx, bus.EventSessionUpdate, EventPayload{Subject: &s})
	return nil
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred != nil
}

func (m *Manager) Subject() (Subject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return Subject{}, false
	}
	return m.subject, true
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.cred == nil:
		return StateUnauthenticated
	case m.refreshing:
		return StateRefreshing
	default:
		return StateAuthenticated
	}
}

func (m *Manager) CredentialInfo() CredentialInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := CredentialInfo{State: m.stateLocked()}
	if m.cred == nil {
		return info
	}
	info.SubjectID = m.cred.SubjectID
	info.Role = m.cred.Role
	info.ExpiresAt = m.cred.ExpiresAt
	info.TimeToExpiry = m.cred.ExpiresAt.Sub(m.clock.Now())
	info.HasRenewalToken = m.cred.RenewalToken != ""
	info.NextRenewal = m.nextRenewal
	return info
}

// Close stops the renewal timer and detaches from the bus. Pending
// renewals still settle.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}
}

func (m *Manager) broadcast(ctx context.Context, t bus.EventType, payload EventPayload) {
	if m.bus == nil {
		return
	}
	var p any
	if payload != (EventPayload{}) {
		p = payload
	}
	if err := m.bus.Send(ctx, t, p); err != nil {
		m.log.Warn(ctx, "broadcast failed", "type", t, "error", err)
	}
}
