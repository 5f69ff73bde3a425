package server

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// PresenceTracker holds the emails of identified, connected users. Each
// email is reference counted by session id so it stays present until its
// last session leaves.
type PresenceTracker struct {
	mu       sync.Mutex
	order    []string
	sessions map[string]map[string]struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		order:    make([]string, 0),
		sessions: make(map[string]map[string]struct{}),
	}
}

// MarkPresent records that sessionId is identified as email. It reports
// whether the email was newly added to the present set.
func (p *PresenceTracker) MarkPresent(email, sessionId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	refs, ok := p.sessions[email]
	if !ok {
		refs = make(map[string]struct{})
		p.sessions[email] = refs
		p.order = append(p.order, email)
	}
	refs[sessionId] = struct{}{}

	return !ok
}

// MarkAbsent releases sessionId's reference to email. It reports whether the
// email left the present set, which happens only with its last session.
func (p *PresenceTracker) MarkAbsent(email, sessionId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	refs, ok := p.sessions[email]
	if !ok {
		return false
	}

	delete(refs, sessionId)
	if len(refs) > 0 {
		return false
	}

	delete(p.sessions, email)
	p.order = lo.Without(p.order, email)
	return true
}

// Snapshot returns the present emails in first-join order.
func (p *PresenceTracker) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.order)
}

func (p *PresenceTracker) IsPresent(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.sessions[email]
	return ok
}

func (p *PresenceTracker) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.order)
}
