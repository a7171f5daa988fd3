package peers

import (
	"fmt"
	"sort"

	"github.com/gossipchain/netnode/types"
)

// Registry partitions sessions into four disjoint sets by state. A session
// is in exactly one set from Add until Remove, and only the registry changes
// a session's state.
type Registry struct {
	nextID   ID
	sessions map[ID]*Session
	sets     [StateTerminating + 1]map[ID]*Session
}

func NewRegistry() *Registry {
	r := &Registry{sessions: make(map[ID]*Session)}
	for i := range r.sets {
		r.sets[i] = make(map[ID]*Session)
	}
	return r
}

// Add assigns s an id and places it in the handshaking set.
func (r *Registry) Add(s *Session) ID {
	r.nextID++
	s.id = r.nextID
	s.state = StateHandshaking
	r.sessions[s.id] = s
	r.sets[StateHandshaking][s.id] = s
	return s.id
}

func (r *Registry) Get(id ID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func validTransition(from, to State) bool {
	switch from {
	case StateHandshaking:
		return to == StateActive || to == StateClosing || to == StateTerminating
	case StateActive:
		return to == StateClosing || to == StateTerminating
	case StateClosing:
		return to == StateTerminating
	default:
		return false
	}
}

// Move transitions a session. States only move forward.
func (r *Registry) Move(id ID, to State) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session %d", id)
	}
	if s.state == to {
		return nil
	}
	if !validTransition(s.state, to) {
		return fmt.Errorf("session %d: invalid transition %s -> %s", id, s.state, to)
	}
	delete(r.sets[s.state], id)
	s.state = to
	r.sets[to][id] = s
	return nil
}

// Remove drops a session from the registry entirely.
func (r *Registry) Remove(id ID) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sets[s.state], id)
	delete(r.sessions, id)
	return s, true
}

func (r *Registry) sorted(m map[ID]*Session) []*Session {
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// InState returns the sessions in a state ordered by id.
func (r *Registry) InState(st State) []*Session { return r.sorted(r.sets[st]) }

func (r *Registry) Handshaking() []*Session { return r.InState(StateHandshaking) }
func (r *Registry) Active() []*Session      { return r.InState(StateActive) }
func (r *Registry) Closing() []*Session     { return r.InState(StateClosing) }
func (r *Registry) Terminating() []*Session { return r.InState(StateTerminating) }

// All returns every session ordered by id.
func (r *Registry) All() []*Session { return r.sorted(r.sessions) }

func (r *Registry) Count(st State) int { return len(r.sets[st]) }

func (r *Registry) Len() int { return len(r.sessions) }

// FindByNodeID returns a handshaking or active session with the given node
// id other than except.
func (r *Registry) FindByNodeID(nodeID types.NodeID, except ID) (*Session, bool) {
	if nodeID == "" {
		return nil, false
	}
	for _, st := range []State{StateActive, StateHandshaking} {
		for id, s := range r.sets[st] {
			if id != except && s.NodeID == nodeID {
				return s, true
			}
		}
	}
	return nil, false
}

// FindByEndpoint returns a session that is not terminating and is connected
// to, or reachable at, endpoint.
func (r *Registry) FindByEndpoint(endpoint string) (*Session, bool) {
	for _, st := range []State{StateActive, StateHandshaking, StateClosing} {
		for _, s := range r.sets[st] {
			if s.RemoteEndpoint == endpoint || s.InboundEndpoint == endpoint {
				return s, true
			}
		}
	}
	return nil, false
}
