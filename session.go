package stateflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Completer runs callbacks once a unit of work finishes. Store transactions
// implement it; callbacks fire after commit and after rollback alike.
type Completer interface {
	OnComplete(func())
}

// Session identifies the acting principal for a traversal and tracks
// suppression of access checks. The zero value is not usable; construct with
// NewSession.
type Session struct {
	ActorID string
	Tenant  string

	mu        sync.Mutex
	roles     map[string]struct{}
	elevation int
}

func NewSession(actorID string, roles ...string) *Session {
	s := &Session{
		ActorID: strings.TrimSpace(actorID),
		roles:   make(map[string]struct{}, len(roles)),
	}
	for _, role := range roles {
		if r := normalizeRole(role); r != "" {
			s.roles[r] = struct{}{}
		}
	}
	return s
}

func (s *Session) WithTenant(tenant string) *Session {
	s.Tenant = strings.TrimSpace(tenant)
	return s
}

// Roles returns the session's role names, sorted.
func (s *Session) Roles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.roles))
	for r := range s.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Elevated reports whether access checks are currently suppressed.
func (s *Session) Elevated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elevation > 0
}

// Elevate suppresses access checks until the returned scope closes. Scopes
// nest arbitrarily; checks resume only once every open scope has closed.
func (s *Session) Elevate() *ElevatedScope {
	s.mu.Lock()
	s.elevation++
	s.mu.Unlock()
	return &ElevatedScope{session: s}
}

// ElevateTransaction keeps the session elevated until tx completes, so writes
// that flush at commit time still pass under the elevated session. The scope
// releases on commit and rollback alike.
func (s *Session) ElevateTransaction(tx Completer) {
	scope := s.Elevate()
	tx.OnComplete(scope.Close)
}

// Allowed reports whether the session carries role, or is elevated.
func (s *Session) Allowed(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elevation > 0 {
		return true
	}
	_, ok := s.roles[normalizeRole(role)]
	return ok
}

// Authorize returns an access-denied error unless Allowed(role).
func (s *Session) Authorize(role string) error {
	if s.Allowed(role) {
		return nil
	}
	return CloneError(ErrAccessDenied, fmt.Sprintf("actor %q lacks role %q", s.ActorID, role), nil, map[string]any{
		"actor_id": s.ActorID,
		"role":     normalizeRole(role),
	})
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.elevation > 0 {
		s.elevation--
	}
}

// ElevatedScope undoes one Elevate when closed. Closing twice is a no-op.
type ElevatedScope struct {
	session *Session
	once    sync.Once
}

func (sc *ElevatedScope) Close() {
	if sc == nil || sc.session == nil {
		return
	}
	sc.once.Do(sc.session.release)
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
