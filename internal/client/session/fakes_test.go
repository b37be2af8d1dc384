package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
	"github.com/dmitrijs2005/fleetsession/internal/clockx"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/tokenx"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	epoch      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testSecret = []byte("session-test-secret")
)

func issue(t *testing.T, clk clockx.Clock, userID string, ttl time.Duration) string {
	t.Helper()
	tok, err := tokenx.Generate(tokenx.Claims{UserID: userID, Name: "Ada", Role: "staff"}, testSecret, ttl, clk.Now())
	require.NoError(t, err)
	return tok
}

type fakeAuth struct {
	t   *testing.T
	clk clockx.Clock
	ttl time.Duration

	mu           sync.Mutex
	loginCalls   int
	refreshCalls int
	logoutCalls  []string
	refreshSeen  []string
	loginErr     error
	refreshErr   error
	logoutErr    error
	gate         chan struct{}

	// singleUse rejects a renewal token presented a second time, as a
	// rotating backend does.
	singleUse bool
	spent     map[string]bool
}

func newFakeAuth(t *testing.T, clk clockx.Clock) *fakeAuth {
	return &fakeAuth{t: t, clk: clk, ttl: 15 * time.Minute}
}

func (a *fakeAuth) Login(_ context.Context, username, password string) (*Grant, error) {
	a.mu.Lock()
	a.loginCalls++
	err := a.loginErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if password != "secret" {
		return nil, common.ErrInvalidCredentials
	}
	return &Grant{
		Token:        issue(a.t, a.clk, "u-"+username, a.ttl),
		RenewalToken: "r-" + uuid.NewString(),
		Subject:      &Subject{ID: "u-" + username, Name: username, Role: RoleAdmin},
	}, nil
}

func (a *fakeAuth) Refresh(ctx context.Context, renewalToken string) (*Grant, error) {
	a.mu.Lock()
	a.refreshCalls++
	a.refreshSeen = append(a.refreshSeen, renewalToken)
	gate := a.gate
	reused := a.singleUse && a.spent[renewalToken]
	if a.singleUse {
		if a.spent == nil {
			a.spent = map[string]bool{}
		}
		a.spent[renewalToken] = true
	}
	a.mu.Unlock()

	if reused {
		return nil, errors.New("renewal token already used")
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	err := a.refreshErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:        issue(a.t, a.clk, "u1", a.ttl),
		RenewalToken: "r-" + uuid.NewString(),
	}, nil
}

func (a *fakeAuth) Logout(_ context.Context, renewalToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logoutCalls = append(a.logoutCalls, renewalToken)
	return a.logoutErr
}

func (a *fakeAuth) refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

func (a *fakeAuth) block() chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gate = make(chan struct{})
	return a.gate
}

func (a *fakeAuth) failRefresh(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshErr = err
}

type memStore struct {
	mu     sync.Mutex
	data   map[string]string
	putErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, putErr: map[string]error{}}
}

func (s *memStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putErr[key]; err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("non-positive ttl")
	}
	s.data[key] = value
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStore) Remove(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

type memLegacy struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (l *memLegacy) Set(_ context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.data == nil {
		l.data = map[string][]byte{}
	}
	l.data[key] = append([]byte(nil), value...)
	return nil
}

func (l *memLegacy) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.data, key)
	return nil
}

func (l *memLegacy) get(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.data[key]
	return v, ok
}

// observer records every bus message seen by a passive participant.
type observer struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func observe(t *testing.T, hub *bus.MemoryHub) *observer {
	t.Helper()
	b := startBus(t, hub)
	o := &observer{}
	for _, e := range bus.Events {
		b.Listen(e, o.add)
	}
	return o
}

func (o *observer) add(m bus.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
}

func (o *observer) count(t bus.EventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.msgs {
		if m.Type == t {
			n++
		}
	}
	return n
}

func startBus(t *testing.T, hub *bus.MemoryHub) *bus.Bus {
	t.Helper()
	b, err := bus.New(hub.Endpoint(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Close)
	return b
}

type fixture struct {
	m     *Manager
	auth  *fakeAuth
	store *memStore
	clk   *clockx.FakeClock
}

func newFixture(t *testing.T, b Broadcaster, opts ...Option) *fixture {
	t.Helper()
	clk := clockx.Fake(epoch)
	auth := newFakeAuth(t, clk)
	store := newMemStore()
	m := New(auth, store, b, append([]Option{WithClock(clk)}, opts...)...)
	t.Cleanup(m.Close)
	return &fixture{m: m, auth: auth, store: store, clk: clk}
}

func (f *fixture) signIn(t *testing.T, ttl time.Duration) string {
	t.Helper()
	tok := issue(t, f.clk, "u1", ttl)
	require.NoError(t, f.m.SetCredential(context.Background(), tok, Subject{ID: "u1", Name: "Ada", Role: RoleStaff}, "r-initial"))
	return tok
}

func (m *Manager) currentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.Token
}

func (m *Manager) pendingWaiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
