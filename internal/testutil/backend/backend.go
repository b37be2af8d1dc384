// Package backend is an in-process fake of the fleet backend auth contract
// for tests and local runs. Access tokens are HS256 JWTs; renewal tokens are
// opaque and rotate on every refresh.
package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/tokenx"
	"github.com/google/uuid"
)

// User is an account known to the fake.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
	Password string `json:"-"`
}

type Server struct {
	*httptest.Server

	secret []byte
	now    func() time.Time

	mu            sync.Mutex
	tokenTTL      time.Duration
	users         map[string]User
	renewals      map[string]string
	raw           bool
	omitUser      bool
	rejectRefresh bool
	refreshDelay  time.Duration
	failures      []int
	logins        int
	refreshes     int
	logouts       int
	requests      int
}

type Option func(*Server)

func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

func WithTokenTTL(d time.Duration) Option { return func(s *Server) { s.tokenTTL = d } }

func WithUser(username string, u User) Option {
	return func(s *Server) { s.users[username] = u }
}

// RawResponses makes the server answer without the success envelope.
func RawResponses() Option { return func(s *Server) { s.raw = true } }

// WithoutUserProfile omits the user object from auth responses.
func WithoutUserProfile() Option { return func(s *Server) { s.omitUser = true } }

// New starts the fake. It knows user "ada" with password "secret" unless
// other users are configured.
func New(opts ...Option) *Server {
	s := &Server{
		secret:   []byte(uuid.NewString()),
		now:      time.Now,
		tokenTTL: 15 * time.Minute,
		users:    map[string]User{},
		renewals: map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.users) == 0 {
		s.users["ada"] = User{ID: "u-ada", Name: "Ada Lovelace", Email: "ada@example.com", Role: "admin", Password: "secret"}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.login)
	mux.HandleFunc("POST /auth/refresh", s.refresh)
	mux.HandleFunc("POST /auth/logout", s.logout)
	mux.HandleFunc("/api/", s.protected)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		s.ok(w, map[string]string{"status": "ok"})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) Secret() []byte { return s.secret }

// Issue mints an access token for the user with the given username.
func (s *Server) Issue(username string, ttl time.Duration) string {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	tok, err := s.sign(u, ttl)
	if err != nil {
		panic(err)
	}
	return tok
}

// GrantRenewal registers an extra renewal token for username.
func (s *Server) GrantRenewal(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := uuid.NewString()
	s.renewals[rt] = username
	return rt
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (s *Server) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = d
}

func (s *Server) RejectRefresh(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = v
}

// SetRefreshDelay slows every refresh response down by d.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// FailNext makes the next protected requests answer with the given
// statuses, one per request.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (s *Server) Logins() int    { return s.counter(&s.logins) }
func (s *Server) Refreshes() int { return s.counter(&s.refreshes) }
func (s *Server) Logouts() int   { return s.counter(&s.logouts) }
func (s *Server) Requests() int  { return s.counter(&s.requests) }

func (s *Server) counter(p *int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *p
}

func (s *Server) sign(u User, ttl time.Duration) (string, error) {
	return tokenx.Generate(tokenx.Claims{UserID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}, s.secret, ttl, s.now())
}

func (s *Server) grant(w http.ResponseWriter, username string, u User) {
	s.mu.Lock()
	ttl := s.tokenTTL
	omit := s.omitUser
	rt := uuid.NewString()
	s.renewals[rt] = username
	s.mu.Unlock()

	tok, err := s.sign(u, ttl)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := map[string]any{"token": tok, "refreshToken": rt}
	if !omit {
		body["user"] = u
	}
	s.ok(w, body)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	s.logins++
	u, ok := s.users[req.Username]
	s.mu.Unlock()

	if !ok || u.Password != req.Password {
		s.fail(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	s.grant(w, req.Username, u)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "malformed body")
		return
	}

	s.mu.Lock()
	s.refreshes++
	delay := s.refreshDelay
	reject := s.rejectRefresh
	username, ok := s.renewals[req.RefreshToken]
	if ok {
		delete(s.renewals, req.RefreshToken)
	}
	u := s.users[username]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if reject || !ok {
		s.fail(w, http.StatusUnauthorized, "refresh token rejected")
		return
	}
	s.grant(w, username, u)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.logouts++
	delete(s.renewals, req.RefreshToken)
	s.mu.Unlock()

	s.ok(w, map[string]any{})
}

// protected echoes the request back to an authenticated caller.
func (s *Server) protected(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	var status int
	if len(s.failures) > 0 {
		status = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	if status != 0 {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		s.fail(w, status, http.StatusText(status))
		return
	}

	auth := r.Header.Get(common.AccessTokenHeaderName)
	tok, ok := strings.CutPrefix(auth, common.BearerPrefix)
	if !ok {
		s.fail(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := tokenx.Parse(tok, s.secret, s.now)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, err.Error())
		return
	}

	var body any
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	s.ok(w, map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"subject": claims.SubjectID(),
		"body":    body,
	})
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	s.mu.Lock()
	raw := s.raw
	s.mu.Unlock()

	if raw {
		writeJSON(w, http.StatusOK, data)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": http.StatusText(status), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
