package session

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/fleetsession/internal/client/bus"
)

func (m *Manager) subscribe() {
	if m.bus == nil {
		return
	}
	unsubscribe := []func(){
		m.bus.Listen(bus.EventLogin, m.onSiblingCredential),
		m.bus.Listen(bus.EventTokenRefreshed, m.onSiblingCredential),
		m.bus.Listen(bus.EventSessionUpdate, m.onSiblingSubject),
		m.bus.Listen(bus.EventLogout, m.onSiblingEnd),
		m.bus.Listen(bus.EventTokenExpired, m.onSiblingEnd),
	}

	m.mu.Lock()
	m.unsubscribe = append(m.unsubscribe, unsubscribe...)
	m.mu.Unlock()
}

// onSiblingCredential adopts the record a sibling just wrote. Adoption
// is silent: it is never rebroadcast.
func (m *Manager) onSiblingCredential(msg bus.Message) {
	ctx := context.Background()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	c, s, err := m.loadPersisted(ctx)
	if err != nil || c == nil {
		m.log.Warn(ctx, "sibling announced a credential that cannot be read", "type", msg.Type, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || (m.cred != nil && m.cred.Token == c.Token && m.cred.RenewalToken == c.RenewalToken) {
		return
	}
	m.adoptLocked(c, s)
	m.log.Info(ctx, "adopted sibling credential", "type", msg.Type, "subject", s.ID, "origin", msg.Origin)
}

func (m *Manager) onSiblingSubject(msg bus.Message) {
	ctx := context.Background()

	var s Subject
	if raw, ok := m.store.Get(ctx, KeySubject); ok {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			m.log.Warn(ctx, "persisted subject unreadable", "error", err)
			return
		}
	} else {
		var p EventPayload
		if err := msg.Decode(&p); err != nil || p.Subject == nil {
			return
		}
		s = *p.Subject
	}
	s.Role = ParseRole(string(s.Role))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.cred == nil || m.cred.SubjectID != s.ID {
		return
	}
	next := *m.cred
	next.Role = s.Role
	m.cred = &next
	m.subject = s
	m.log.Debug(ctx, "adopted sibling profile", "subject", s.ID)
}

// onSiblingEnd clears in-memory state only; the sibling already cleared
// the shared replica. An expiry is ignored while this process renews, and
// when this process already holds a newer credential than the expired one:
// the sibling lost a renewal race, so the replica it removed is written
// back for it to adopt.
func (m *Manager) onSiblingEnd(msg bus.Message) {
	ctx := context.Background()

	var p EventPayload
	if err := msg.Decode(&p); err != nil {
		m.log.Debug(ctx, "sibling event payload unreadable", "type", msg.Type, "error", err)
	}

	m.writeMu.Lock()
	m.mu.Lock()
	if m.cred == nil || m.closed {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return
	}
	if msg.Type == bus.EventTokenExpired {
		if m.refreshing {
			m.mu.Unlock()
			m.writeMu.Unlock()
			m.log.Debug(ctx, "sibling expiry deferred to renewal in flight", "origin", msg.Origin)
			return
		}
		if p.ExpiresAt != 0 && m.cred.ExpiresAt.UnixMilli() > p.ExpiresAt {
			c, s := m.cred, m.subject
			m.mu.Unlock()
			restored := m.restoreReplica(ctx, c, s)
			m.writeMu.Unlock()
			if restored {
				m.log.Info(ctx, "sibling expired an older credential, replica restored", "origin", msg.Origin, "subject", s.ID)
				m.broadcast(ctx, bus.EventLogin, credentialPayload(c, s))
			}
			return
		}
	}
	m.clearLocked()
	m.mu.Unlock()
	m.writeMu.Unlock()
	m.log.Info(ctx, "session ended by sibling", "type", msg.Type, "origin", msg.Origin)
}

// restoreReplica persists c unless the store already holds it. It reports
// whether anything was written.
func (m *Manager) restoreReplica(ctx context.Context, c *Credential, s Subject) bool {
	stored, _, err := m.loadPersisted(ctx)
	if err == nil && stored != nil && stored.Token == c.Token && stored.RenewalToken == c.RenewalToken {
		return false
	}
	if err := m.persist(ctx, c, s); err != nil {
		m.log.Warn(ctx, "credential replica not restored", "error", err)
		return false
	}
	return true
}
