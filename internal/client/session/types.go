package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
)

// Role is the coarse authorisation level of a subject.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
)

// ParseRole maps unknown or empty values to RoleViewer.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleManager, RoleStaff, RoleViewer:
		return r
	default:
		return RoleViewer
	}
}

// Subject is the user-facing identity bound to the credential.
type Subject struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

// Credential is never modified after construction; the manager swaps the
// whole value.
type Credential struct {
	Token        string
	RenewalToken string
	ExpiresAt    time.Time
	SubjectID    string
	Role         Role
}

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CredentialInfo is a read-only snapshot for display and diagnostics. It
// never includes token material.
type CredentialInfo struct {
	State           State
	SubjectID       string
	Role            Role
	ExpiresAt       time.Time
	TimeToExpiry    time.Duration
	HasRenewalToken bool
	NextRenewal     time.Time
}

// Grant is a token pair issued by the backend. Subject is nil when the
// backend response carries no user profile.
type Grant struct {
	Token        string
	RenewalToken string
	Subject      *Subject
}

// Authenticator is the backend side of the session.
type Authenticator interface {
	// Login returns common.ErrInvalidCredentials when the backend rejects
	// the username or password.
	Login(ctx context.Context, username, password string) (*Grant, error)
	Refresh(ctx context.Context, renewalToken string) (*Grant, error)
	Logout(ctx context.Context, renewalToken string) error
}

// Store is the encrypted persistence for the credential replica.
// *securestore.Store satisfies it.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool)
	Remove(ctx context.Context, key string)
}

// LegacyRepository receives the unencrypted token and user copies read by
// older clients. metadata.Repository satisfies it.
type LegacyRepository interface {
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Broadcaster is the cross-process event channel. *bus.Bus satisfies it.
type Broadcaster interface {
	Send(ctx context.Context, t bus.EventType, payload any) error
	Listen(t bus.EventType, fn func(bus.Message)) (unsubscribe func())
}

// EventPayload is the body of session broadcasts. ExpiresAt, in Unix
// milliseconds, is the expiry of the credential the event is about. Tokens
// are never broadcast; siblings read them from the shared store.
type EventPayload struct {
	Subject   *Subject `json:"subject,omitempty"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
}

func credentialPayload(c *Credential, s Subject) EventPayload {
	return EventPayload{Subject: &s, ExpiresAt: c.ExpiresAt.UnixMilli()}
}
