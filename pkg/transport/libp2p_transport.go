// Package transport adapts a libp2p host into the vpn.Transport contract:
// opaque peer-addressed send/drain, session lifecycle events, and
// session-info queries.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/p2pvpn/bridge/pkg/vpn"
)

// ProtocolID is the libp2p stream protocol this transport speaks.
const ProtocolID protocol.ID = "/vpn-bridge/1.0.0"

// streamHeaderSize is the length prefix put in front of every message on
// a session stream, independent of the VpnFrame's own header: this one
// delimits libp2p stream reads, the VpnFrame header delimits the payload
// inside each delimited message.
const streamHeaderSize = 4

const inboundQueueSize = 4096

// SessionAuthorizer is the subset of Bridge that the transport consults
// when a remote peer opens a session, and notifies when one fails. A
// *vpn.Bridge satisfies this interface structurally; the transport never
// imports vpn.Bridge directly to avoid a cycle back through this adapter.
type SessionAuthorizer interface {
	OnSessionRequested(id vpn.PeerID) bool
	OnSessionFailed(id vpn.PeerID, reason error)
}

type session struct {
	mu     sync.Mutex
	stream network.Stream
	state  vpn.SessionState
	fails  int
}

// LibP2PTransport implements vpn.Transport over libp2p streams, one
// long-lived stream per peer. The channel argument of SendToPeer and Drain
// does not separate traffic: every channel shares that stream and the
// single inbound queue.
type LibP2PTransport struct {
	host       host.Host
	authorizer SessionAuthorizer

	mu         sync.RWMutex
	sessions   map[vpn.PeerID]*session
	libp2pIDs  map[vpn.PeerID]peer.ID

	inbound chan vpn.InboundMessage
	events  chan vpn.TransportEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLibP2PTransport wraps h, registering a stream handler for
// ProtocolID. authorizer may be nil during construction and set later via
// SetAuthorizer if the Bridge is constructed after the transport (the two
// have a natural cyclic dependency: Bridge needs a Transport, Transport
// needs a session authorizer).
func NewLibP2PTransport(ctx context.Context, h host.Host) *LibP2PTransport {
	ctx, cancel := context.WithCancel(ctx)
	t := &LibP2PTransport{
		host:      h,
		sessions:  make(map[vpn.PeerID]*session),
		libp2pIDs: make(map[vpn.PeerID]peer.ID),
		inbound:   make(chan vpn.InboundMessage, inboundQueueSize),
		events:    make(chan vpn.TransportEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.SetStreamHandler(ProtocolID, t.handleIncomingStream)
	return t
}

// SetAuthorizer binds the Bridge (or anything satisfying
// SessionAuthorizer) that decides whether to accept incoming sessions.
func (t *LibP2PTransport) SetAuthorizer(a SessionAuthorizer) {
	t.mu.Lock()
	t.authorizer = a
	t.mu.Unlock()
}

// DerivePeerID maps a libp2p peer.ID to the opaque 64-bit PeerID the
// bridge routes by: the first 8 bytes of SHA-256(peer.ID), big-endian.
func DerivePeerID(p peer.ID) vpn.PeerID {
	sum := sha256.Sum256([]byte(p))
	return vpn.PeerID(binary.BigEndian.Uint64(sum[:8]))
}

// Connect dials p and opens a session stream, registering the resulting
// PeerID so subsequent SendToPeer/CloseSession calls can find it.
func (t *LibP2PTransport) Connect(ctx context.Context, p peer.ID) (vpn.PeerID, error) {
	s, err := t.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return 0, fmt.Errorf("transport: open stream to %s: %w", p, err)
	}

	id := DerivePeerID(p)
	t.registerSession(id, p, s)
	return id, nil
}

func (t *LibP2PTransport) handleIncomingStream(s network.Stream) {
	p := s.Conn().RemotePeer()
	id := DerivePeerID(p)

	t.mu.RLock()
	authorizer := t.authorizer
	t.mu.RUnlock()

	if authorizer != nil && !authorizer.OnSessionRequested(id) {
		s.Reset()
		return
	}

	t.registerSession(id, p, s)
}

func (t *LibP2PTransport) registerSession(id vpn.PeerID, p peer.ID, s network.Stream) {
	sess := &session{stream: s, state: vpn.SessionEstablished}

	t.mu.Lock()
	if old, ok := t.sessions[id]; ok {
		old.stream.Reset()
	}
	t.sessions[id] = sess
	t.libp2pIDs[id] = p
	t.mu.Unlock()

	go t.readLoop(id, sess)
}

// readLoop pulls length-prefixed messages off the stream until it errors
// or closes, pushing each onto the shared inbound queue. One goroutine
// runs per peer session.
func (t *LibP2PTransport) readLoop(id vpn.PeerID, sess *session) {
	header := make([]byte, streamHeaderSize)
	for {
		if _, err := io.ReadFull(sess.stream, header); err != nil {
			t.onSessionBroken(id, sess, err)
			return
		}
		n := binary.BigEndian.Uint32(header)
		payload := make([]byte, n)
		if _, err := io.ReadFull(sess.stream, payload); err != nil {
			t.onSessionBroken(id, sess, err)
			return
		}

		select {
		case t.inbound <- vpn.InboundMessage{From: id, Payload: payload}:
		case <-t.ctx.Done():
			return
		default:
			// Inbound queue saturated: drop rather than block the
			// reader, matching the bridge's own fail-open posture on
			// transient overload.
		}
	}
}

func (t *LibP2PTransport) onSessionBroken(id vpn.PeerID, sess *session, err error) {
	sess.mu.Lock()
	sess.state = vpn.SessionDown
	sess.mu.Unlock()

	t.mu.RLock()
	authorizer := t.authorizer
	t.mu.RUnlock()
	if authorizer != nil {
		authorizer.OnSessionFailed(id, err)
	}

	select {
	case t.events <- vpn.TransportEvent{Kind: vpn.SessionFailed, Peer: id, Err: err}:
	default:
	}
}

// SendToPeer writes b, length-prefixed, to id's session stream.
// Without AutoRestart, a session already marked down is reported with
// vpn.ErrSessionDown and nothing is written; with AutoRestart, the write
// is attempted on the existing stream. No re-dialing happens here: that
// requires the multiaddr the bridge does not carry, so it is the
// caller's (room discovery's) responsibility to Connect again.
func (t *LibP2PTransport) SendToPeer(ctx context.Context, id vpn.PeerID, b []byte, flags vpn.SendFlags, channel vpn.Channel) error {
	t.mu.RLock()
	sess, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return vpn.ErrUnknownPeer
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == vpn.SessionDown && flags&vpn.AutoRestart == 0 {
		return vpn.ErrSessionDown
	}

	header := make([]byte, streamHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(b)))

	if _, err := sess.stream.Write(header); err != nil {
		sess.fails++
		sess.state = vpn.SessionDown
		return fmt.Errorf("transport: write header to %s: %w", id, err)
	}
	if _, err := sess.stream.Write(b); err != nil {
		sess.fails++
		sess.state = vpn.SessionDown
		return fmt.Errorf("transport: write payload to %s: %w", id, err)
	}

	sess.fails = 0
	sess.state = vpn.SessionEstablished
	return nil
}

// Drain returns up to max queued inbound messages without blocking.
func (t *LibP2PTransport) Drain(channel vpn.Channel, max int) []vpn.InboundMessage {
	out := make([]vpn.InboundMessage, 0, max)
	for len(out) < max {
		select {
		case msg := <-t.inbound:
			out = append(out, msg)
		default:
			return out
		}
	}
	return out
}

// SessionInfo reports the session state for id, including whether the
// connection is direct or routed through a circuit relay.
func (t *LibP2PTransport) SessionInfo(id vpn.PeerID) (vpn.SessionInfo, bool) {
	t.mu.RLock()
	sess, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return vpn.SessionInfo{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return vpn.SessionInfo{
		State:            sess.state,
		ConsecutiveFails: sess.fails,
		Relayed:          isRelayed(sess.stream),
	}, true
}

// isRelayed reports whether s's underlying connection is routed through a
// circuit relay rather than a direct path, by checking the remote
// multiaddr for the /p2p-circuit component.
func isRelayed(s network.Stream) bool {
	if s == nil || s.Conn() == nil {
		return false
	}
	for _, p := range s.Conn().RemoteMultiaddr().Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// CloseSession resets the stream and forgets id.
func (t *LibP2PTransport) CloseSession(id vpn.PeerID) {
	t.mu.Lock()
	sess, ok := t.sessions[id]
	delete(t.sessions, id)
	delete(t.libp2pIDs, id)
	t.mu.Unlock()

	if !ok {
		return
	}
	sess.stream.Reset()

	select {
	case t.events <- vpn.TransportEvent{Kind: vpn.SessionClosed, Peer: id}:
	default:
	}
}

// Events returns the transport's asynchronous notification channel.
func (t *LibP2PTransport) Events() <-chan vpn.TransportEvent {
	return t.events
}

// Close shuts the transport down, cancelling every reader goroutine.
func (t *LibP2PTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sess := range t.sessions {
		sess.stream.Reset()
		delete(t.sessions, id)
		delete(t.libp2pIDs, id)
	}
	return nil
}
