package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/tokenx"
)

// Keys of the persisted credential replica.
const (
	KeyToken        = "auth.token"
	KeyRenewalToken = "auth.refresh_token"
	KeyExpiresAt    = "auth.expires_at"
	KeySubject      = "auth.user"

	LegacyKeyToken   = "token"
	LegacyKeySubject = "user"
)

var errPartialRecord = errors.New("partial credential record")

// newCredential builds a record from a freshly issued token. The expiry
// comes from the token's exp claim; the subject falls back to the token's
// profile claims when the backend sent none.
func newCredential(token, renewalToken string, subject *Subject, now time.Time) (*Credential, Subject, error) {
	claims, err := tokenx.Inspect(token)
	if err != nil {
		return nil, Subject{}, fmt.Errorf("decode token: %w", err)
	}
	exp := claims.ExpiresAt.Time
	if !exp.After(now) {
		return nil, Subject{}, tokenx.ErrTokenExpired
	}

	var s Subject
	if subject != nil {
		s = *subject
	}
	if s.ID == "" {
		s.ID = claims.SubjectID()
	}
	if s.Name == "" {
		s.Name = claims.Name
	}
	if s.Email == "" {
		s.Email = claims.Email
	}
	if s.Role == "" {
		s.Role = Role(claims.Role)
	}
	s.Role = ParseRole(string(s.Role))

	return &Credential{
		Token:        token,
		RenewalToken: renewalToken,
		ExpiresAt:    exp,
		SubjectID:    s.ID,
		Role:         s.Role,
	}, s, nil
}

// persist writes the replica token-last so a reader never finds a token
// without its companions. Any failure removes what was written.
func (m *Manager) persist(ctx context.Context, c *Credential, s Subject) error {
	ttl := c.ExpiresAt.Sub(m.clock.Now())
	if ttl <= 0 {
		return tokenx.ErrTokenExpired
	}

	subjectJSON, err := json.Marshal(s)
	if err != nil {
		return err
	}

	writes := []struct{ key, value string }{
		{KeySubject, string(subjectJSON)},
		{KeyRenewalToken, c.RenewalToken},
		{KeyExpiresAt, strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10)},
		{KeyToken, c.Token},
	}
	for _, w := range writes {
		if w.key == KeyRenewalToken && w.value == "" {
			m.store.Remove(ctx, KeyRenewalToken)
			continue
		}
		if err := m.store.Put(ctx, w.key, w.value, ttl); err != nil {
			m.removePersisted(ctx)
			return fmt.Errorf("persist credential: %w", err)
		}
	}

	if m.legacy != nil {
		if err := m.legacy.Set(ctx, LegacyKeyToken, []byte(c.Token)); err != nil {
			m.log.Warn(ctx, "legacy token write failed", "error", err)
		}
		if err := m.legacy.Set(ctx, LegacyKeySubject, subjectJSON); err != nil {
			m.log.Warn(ctx, "legacy user write failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) persistSubject(ctx context.Context, c *Credential, s Subject) error {
	subjectJSON, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, KeySubject, string(subjectJSON), c.ExpiresAt.Sub(m.clock.Now())); err != nil {
		return err
	}
	if m.legacy != nil {
		if err := m.legacy.Set(ctx, LegacyKeySubject, subjectJSON); err != nil {
			m.log.Warn(ctx, "legacy user write failed", "error", err)
		}
	}
	return nil
}

func (m *Manager) removePersisted(ctx context.Context) {
	for _, k := range []string{KeyToken, KeyRenewalToken, KeyExpiresAt, KeySubject} {
		m.store.Remove(ctx, k)
	}
	if m.legacy != nil {
		for _, k := range []string{LegacyKeyToken, LegacyKeySubject} {
			if err := m.legacy.Delete(ctx, k); err != nil {
				m.log.Warn(ctx, "legacy delete failed", "key", k, "error", err)
			}
		}
	}
}

// removeOwnPersisted clears the replica unless it already holds a token
// other than token.
func (m *Manager) removeOwnPersisted(ctx context.Context, token string) {
	if stored, ok := m.store.Get(ctx, KeyToken); ok && stored != token {
		return
	}
	m.removePersisted(ctx)
}

// loadPersisted reads the replica. It reports errPartialRecord when some
// but not all required entries are present, and tokenx.ErrTokenExpired
// when the replica is complete but already expired.
func (m *Manager) loadPersisted(ctx context.Context) (*Credential, Subject, error) {
	token, hasToken := m.store.Get(ctx, KeyToken)
	expRaw, hasExp := m.store.Get(ctx, KeyExpiresAt)
	if !hasToken && !hasExp {
		return nil, Subject{}, nil
	}
	if !hasToken || !hasExp {
		return nil, Subject{}, errPartialRecord
	}

	expMillis, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return nil, Subject{}, errPartialRecord
	}
	exp := time.UnixMilli(expMillis)
	if !exp.After(m.clock.Now()) {
		return nil, Subject{}, tokenx.ErrTokenExpired
	}

	var subject *Subject
	if raw, ok := m.store.Get(ctx, KeySubject); ok {
		var s Subject
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			subject = &s
		}
	}
	renewal, _ := m.store.Get(ctx, KeyRenewalToken)

	c, s, err := newCredential(token, renewal, subject, m.clock.Now())
	if err != nil {
		return nil, Subject{}, err
	}
	return c, s, nil
}
