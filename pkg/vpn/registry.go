package vpn

import (
	"sync"
	"time"
)

// ConnectionKind is the observed reachability of a peer's transport
// session, as reported by Stats and maintained by the bridge's egress
// failure counter.
type ConnectionKind int

const (
	ConnectionUnknown ConnectionKind = iota
	ConnectionDirect
	ConnectionRelayed
	ConnectionDown
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionDirect:
		return "direct"
	case ConnectionRelayed:
		return "relayed"
	case ConnectionDown:
		return "down"
	default:
		return "unknown"
	}
}

// PeerState is a single entry in the MembershipRegistry.
type PeerState struct {
	ID             PeerID
	JoinedAt       time.Time
	LastHelloSent  time.Time
	ConnectionKind ConnectionKind
	LastPingMs     int
}

// MembershipRegistry tracks the set of peers this node currently considers
// reachable over the transport. It is the single source of truth the
// bridge's control surface consults when joining or dropping a peer: a
// registry never admits the self entry, and removal deletes the map entry
// under the lock, then closes the transport session once the lock is
// released.
type MembershipRegistry struct {
	mu    sync.RWMutex
	self  PeerID
	peers map[PeerID]PeerState

	// closeSession tears down the transport session for a removed peer.
	// onJoin/onLeave are observer hooks fired on admission/eviction;
	// either may be nil.
	closeSession func(PeerID)
	onJoin       func(PeerID)
	onLeave      func(PeerID)
}

// NewMembershipRegistry constructs an empty registry. self is never
// accepted as a peer by AddPeer.
func NewMembershipRegistry(self PeerID, closeSession, onJoin, onLeave func(PeerID)) *MembershipRegistry {
	return &MembershipRegistry{
		self:         self,
		peers:        make(map[PeerID]PeerState),
		closeSession: closeSession,
		onJoin:       onJoin,
		onLeave:      onLeave,
	}
}

// AddPeer inserts a peer if absent, reporting whether a new entry was
// created. Adding self, or re-adding an existing peer, is idempotent: the
// existing entry's timestamps and connection kind are left untouched, and
// onJoin is not invoked again.
func (r *MembershipRegistry) AddPeer(id PeerID) bool {
	if id == r.self {
		return false
	}
	r.mu.Lock()
	if _, exists := r.peers[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.peers[id] = PeerState{ID: id, JoinedAt: timeNow()}
	r.mu.Unlock()

	if r.onJoin != nil {
		r.onJoin(id)
	}
	return true
}

// RemovePeer drops a peer from the registry, closes its transport session
// and fires onLeave. Removing an unknown PeerID is a no-op.
func (r *MembershipRegistry) RemovePeer(id PeerID) {
	r.mu.Lock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.closeSession != nil {
		r.closeSession(id)
	}
	if r.onLeave != nil {
		r.onLeave(id)
	}
}

// ClearPeers removes every peer atomically with respect to Snapshot/
// Lookup callers, then closes each transport session and fires onLeave
// for each in turn.
func (r *MembershipRegistry) ClearPeers() {
	r.mu.Lock()
	ids := make([]PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.peers = make(map[PeerID]PeerState)
	r.mu.Unlock()

	for _, id := range ids {
		if r.closeSession != nil {
			r.closeSession(id)
		}
		if r.onLeave != nil {
			r.onLeave(id)
		}
	}
}

// Snapshot returns a copy of the current peer set, safe for the caller to
// range over without holding any registry lock.
func (r *MembershipRegistry) Snapshot() []PeerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerState, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s)
	}
	return out
}

// Lookup returns the state for id, if present.
func (r *MembershipRegistry) Lookup(id PeerID) (PeerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.peers[id]
	return s, ok
}

// Contains reports whether id is currently a member.
func (r *MembershipRegistry) Contains(id PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// Count returns the number of peers currently tracked.
func (r *MembershipRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SetConnectionKind updates a peer's observed reachability, leaving the
// entry absent if the peer is unknown.
func (r *MembershipRegistry) SetConnectionKind(id PeerID, kind ConnectionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[id]
	if !ok {
		return
	}
	s.ConnectionKind = kind
	r.peers[id] = s
}

// SetLastPingMs records a peer's most recent observed round-trip time.
func (r *MembershipRegistry) SetLastPingMs(id PeerID, ms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[id]
	if !ok {
		return
	}
	s.LastPingMs = ms
	r.peers[id] = s
}

// MarkHelloSent stamps the LastHelloSent time for id.
func (r *MembershipRegistry) MarkHelloSent(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.peers[id]
	if !ok {
		return
	}
	s.LastHelloSent = timeNow()
	r.peers[id] = s
}

// timeNow is a seam so tests can stub registry timestamps if ever needed;
// today it is a direct pass-through.
var timeNow = time.Now
