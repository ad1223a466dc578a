package dispatch

import (
	"sync"
	"time"

	"github.com/example/service-matching/internal/models"
)

// Session is one live transport connection. Send must not block on the
// network; delivery is fire-and-forget.
type Session interface {
	ID() string
	Send(event string, payload any) error
}

type binding struct {
	session     Session
	participant models.Participant
}

// Registry binds participant ids to their single active session.
type Registry struct {
	mu            sync.RWMutex
	byParticipant map[string]*binding
	bySession     map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byParticipant: make(map[string]*binding),
		bySession:     make(map[string]string),
	}
}

// Registration describes what a Register call displaced.
type Registration struct {
	// Superseded is the participant's previous session, now orphaned.
	Superseded Session
	// Released is the participant this session was bound to before, if the
	// session re-registered under a different identity.
	Released *models.Participant
}

// Register binds p to s, replacing any prior binding of p.ID (last writer
// wins) and any prior identity of s.
func (r *Registry) Register(p models.Participant, s Session) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out Registration
	sid := s.ID()

	if prevID, ok := r.bySession[sid]; ok && prevID != p.ID {
		if b, ok := r.byParticipant[prevID]; ok && b.session.ID() == sid {
			released := b.participant
			out.Released = &released
			delete(r.byParticipant, prevID)
		}
	}
	if b, ok := r.byParticipant[p.ID]; ok && b.session.ID() != sid {
		out.Superseded = b.session
		delete(r.bySession, b.session.ID())
	}

	p.Updated = time.Now()
	p.Capabilities = append([]string(nil), p.Capabilities...)
	r.byParticipant[p.ID] = &binding{session: s, participant: p}
	r.bySession[sid] = p.ID
	return out
}

// ResolveSession returns the session currently bound to participantID.
func (r *Registry) ResolveSession(participantID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byParticipant[participantID]
	if !ok {
		return nil, false
	}
	return b.session, true
}

// ResolveParticipant returns the participant bound to sessionID.
func (r *Registry) ResolveParticipant(sessionID string) (models.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.bySession[sessionID]
	if !ok {
		return models.Participant{}, false
	}
	b, ok := r.byParticipant[pid]
	if !ok || b.session.ID() != sessionID {
		return models.Participant{}, false
	}
	return clone(b.participant), true
}

// Update mutates the participant bound to sessionID. It is a no-op unless
// sessionID is the participant's current session.
func (r *Registry) Update(sessionID string, fn func(p *models.Participant)) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.bySession[sessionID]
	if !ok {
		return models.Participant{}, false
	}
	b, ok := r.byParticipant[pid]
	if !ok || b.session.ID() != sessionID {
		return models.Participant{}, false
	}
	fn(&b.participant)
	b.participant.Updated = time.Now()
	return clone(b.participant), true
}

// Unregister drops sessionID's binding. A stale session that was already
// superseded leaves the newer registration untouched.
func (r *Registry) Unregister(sessionID string) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.bySession[sessionID]
	if !ok {
		return models.Participant{}, false
	}
	delete(r.bySession, sessionID)
	b, ok := r.byParticipant[pid]
	if !ok || b.session.ID() != sessionID {
		return models.Participant{}, false
	}
	delete(r.byParticipant, pid)
	return b.participant, true
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byParticipant)
}

// Push sends to participantID's current session.
func (r *Registry) Push(participantID, event string, payload any) error {
	s, ok := r.ResolveSession(participantID)
	if !ok {
		return ErrNoSession
	}
	return s.Send(event, payload)
}

func clone(p models.Participant) models.Participant {
	p.Capabilities = append([]string(nil), p.Capabilities...)
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	return p
}
