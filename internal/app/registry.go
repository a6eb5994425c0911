package app

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

// Sender delivers frames to one live connection. Send must not block on a slow peer.
type Sender interface {
	Send(msg domain.Outbound) error
	Close() error
}

type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceQuizmaster
	audiencePlayers
	audienceParticipant
)

// Audience selects the recipients of a broadcast within a session.
type Audience struct {
	kind          audienceKind
	participantID string
}

var (
	AudienceAll        = Audience{kind: audienceAll}
	AudienceQuizmaster = Audience{kind: audienceQuizmaster}
	AudiencePlayers    = Audience{kind: audiencePlayers}
)

// AudienceParticipant targets every live connection of one participant.
func AudienceParticipant(participantID string) Audience {
	return Audience{kind: audienceParticipant, participantID: participantID}
}

func (a Audience) matches(b Binding) bool {
	switch a.kind {
	case audienceQuizmaster:
		return b.Role == domain.RoleQuizmaster
	case audiencePlayers:
		return b.Role == domain.RolePlayer
	case audienceParticipant:
		return b.ParticipantID == a.participantID
	default:
		return true
	}
}

// Binding maps a live connection to its place in a session.
type Binding struct {
	ConnectionID  string
	SessionID     string
	Role          domain.Role
	ParticipantID string
}

type registration struct {
	identity domain.Identity
	sender   Sender
	binding  *Binding
}

// Registry tracks live connections and their bindings. It references sessions by id only.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*registration
	sessions map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*registration),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Register records an authenticated, not yet bound connection.
func (r *Registry) Register(connID string, identity domain.Identity, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &registration{identity: identity, sender: sender}
}

// Identity returns the verified identity of a registered connection.
func (r *Registry) Identity(connID string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[connID]
	if !ok {
		return domain.Identity{}, false
	}
	return reg.identity, true
}

// Binding returns the connection's current binding.
func (r *Registry) Binding(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[connID]
	if !ok || reg.binding == nil {
		return Binding{}, false
	}
	return *reg.binding, true
}

// QuizmasterBound reports whether a live quizmaster binding exists for the session.
func (r *Registry) QuizmasterBound(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.quizmasterLocked(sessionID)
	return ok
}

func (r *Registry) quizmasterLocked(sessionID string) (string, bool) {
	for connID := range r.sessions[sessionID] {
		if b := r.conns[connID].binding; b != nil && b.Role == domain.RoleQuizmaster {
			return connID, true
		}
	}
	return "", false
}

// Attach binds a registered connection to a session. A second quizmaster fails with
// domain.ErrRoleConflict. A player attaching while another connection holds the same
// participant supersedes that connection, which is told and closed. The superseded
// connection id is returned.
func (r *Registry) Attach(connID, sessionID string, role domain.Role, participantID string) (string, error) {
	r.mu.Lock()
	reg, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", domain.ErrNotBound
	}
	if reg.binding != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: connection already bound to session %s", domain.ErrInvalidTransition, reg.binding.SessionID)
	}

	var superseded *registration
	supersededID := ""
	switch role {
	case domain.RoleQuizmaster:
		if _, exists := r.quizmasterLocked(sessionID); exists {
			r.mu.Unlock()
			return "", domain.ErrRoleConflict
		}
	case domain.RolePlayer:
		for other := range r.sessions[sessionID] {
			b := r.conns[other].binding
			if b != nil && b.Role == domain.RolePlayer && b.ParticipantID == participantID {
				superseded = r.conns[other]
				supersededID = other
				r.unbindLocked(other)
				break
			}
		}
	}

	reg.binding = &Binding{
		ConnectionID:  connID,
		SessionID:     sessionID,
		Role:          role,
		ParticipantID: participantID,
	}
	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]struct{})
	}
	r.sessions[sessionID][connID] = struct{}{}
	r.mu.Unlock()

	if superseded != nil {
		log.Info().
			Str("session_id", sessionID).
			Str("participant_id", participantID).
			Str("connection_id", supersededID).
			Msg("player binding superseded by a newer connection")
		_ = superseded.sender.Send(errorFrame(sessionID, domain.ErrRoleConflict, "superseded by a newer connection"))
		_ = superseded.sender.Close()
	}
	return supersededID, nil
}

// Detach removes the connection's binding but keeps it registered.
func (r *Registry) Detach(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(connID)
}

// Unregister forgets the connection entirely and returns the binding it held, if any.
func (r *Registry) Unregister(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.unbindLocked(connID)
	delete(r.conns, connID)
	return b, ok
}

func (r *Registry) unbindLocked(connID string) (Binding, bool) {
	reg, ok := r.conns[connID]
	if !ok || reg.binding == nil {
		return Binding{}, false
	}
	b := *reg.binding
	reg.binding = nil
	if members, ok := r.sessions[b.SessionID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.sessions, b.SessionID)
		}
	}
	return b, true
}

// DropSession unbinds every connection of a session. Connections stay open and registered.
func (r *Registry) DropSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for connID := range r.sessions[sessionID] {
		if reg, ok := r.conns[connID]; ok {
			reg.binding = nil
			dropped++
		}
	}
	delete(r.sessions, sessionID)
	return dropped
}

// SendTo delivers a frame to one registered connection.
func (r *Registry) SendTo(connID string, msg domain.Outbound) error {
	r.mu.RLock()
	reg, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrNotBound
	}
	return reg.sender.Send(msg)
}

// Broadcast delivers msg to the session's connections matching audience. Delivery is
// best-effort: a failing recipient is logged and skipped. It returns the number delivered.
func (r *Registry) Broadcast(sessionID string, audience Audience, msg domain.Outbound) int {
	type target struct {
		connID string
		sender Sender
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.sessions[sessionID]))
	for connID := range r.sessions[sessionID] {
		reg := r.conns[connID]
		if reg.binding != nil && audience.matches(*reg.binding) {
			targets = append(targets, target{connID: connID, sender: reg.sender})
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.sender.Send(msg); err != nil {
			log.Debug().
				Err(err).
				Str("session_id", sessionID).
				Str("connection_id", t.connID).
				Str("type", msg.Type).
				Msg("broadcast delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Stats is a point-in-time view of live connections.
type Stats struct {
	Connections int            `json:"connections"`
	Sessions    map[string]int `json:"sessions"`
	ActiveLanes int            `json:"activeLanes"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{Connections: len(r.conns), Sessions: make(map[string]int, len(r.sessions))}
	for sessionID, members := range r.sessions {
		stats.Sessions[sessionID] = len(members)
	}
	return stats
}

func errorFrame(sessionID string, err error, message string) domain.Outbound {
	if message == "" {
		message = err.Error()
	}
	return domain.Outbound{
		Type:      domain.MsgError,
		SessionID: sessionID,
		Payload:   domain.ErrorPayload{Code: domain.ErrorCode(err), Message: message},
	}
}
