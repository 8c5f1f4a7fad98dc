package vpn

import (
	"context"
	"errors"
)

// SendFlags modifies how Transport.SendToPeer treats a single send.
type SendFlags uint8

const (
	// Reliable asks the transport to retry/ack the send internally rather
	// than dropping it on transient failure. SESSION_HELLO sets it;
	// IP_PACKET, PING and PONG frames are sent without it.
	Reliable SendFlags = 1 << iota
	// AutoRestart asks the transport to transparently re-establish a
	// session that has gone down before delivering this send.
	AutoRestart
)

// Channel identifies one of the logical lanes multiplexed over a single
// transport connection. The bridge uses exactly one channel for VpnFrame
// traffic; room discovery, were it to share a transport instance, would
// use another.
type Channel int

// DataChannel is the channel VpnFrame payloads travel on.
const DataChannel Channel = 0

// InboundMessage is one datagram handed back by Transport.Drain, tagged
// with the PeerID it arrived from.
type InboundMessage struct {
	From    PeerID
	Payload []byte
}

// SessionState is the lifecycle stage of a transport session with a peer.
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionConnecting
	SessionEstablished
	SessionDown
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	case SessionDown:
		return "down"
	default:
		return "unknown"
	}
}

// SessionInfo reports the observable state of a transport session.
type SessionInfo struct {
	State            SessionState
	ConsecutiveFails int
	// Relayed reports whether the underlying connection is routed through
	// a circuit relay rather than a direct peer-to-peer path. Meaningless
	// (false) when State is not SessionEstablished.
	Relayed bool
}

// TransportEventKind discriminates the events delivered on a Transport's
// event channel.
type TransportEventKind int

const (
	SessionRequested TransportEventKind = iota
	SessionFailed
	SessionClosed
)

// TransportEvent is a single asynchronous notification from the
// transport, delivered as a message-passed value over a channel rather
// than a callback registration.
type TransportEvent struct {
	Kind PeerEventKind
	Peer PeerID
	Err  error
}

// PeerEventKind is an alias kept for readability at call sites that only
// care about the peer-facing meaning of a TransportEventKind.
type PeerEventKind = TransportEventKind

// ErrUnknownPeer is returned by SendToPeer when asked to send to a PeerID
// the transport has no session for.
var ErrUnknownPeer = errors.New("vpn: unknown peer")

// ErrSessionDown is returned by SendToPeer when the session exists but is
// not currently established and AutoRestart was not requested.
var ErrSessionDown = errors.New("vpn: session down")

// Transport is the opaque, peer-addressed send/receive surface the bridge
// is built against. It deliberately knows nothing about IP packets, TUN
// devices, or frame types: it moves byte slices to and from PeerIDs on a
// numbered channel, and nothing else.
//
// Concrete adapters (see pkg/transport) own whatever discovery, dialing,
// and encryption are needed to make that contract true; the bridge never
// imports an adapter package directly, only this interface.
type Transport interface {
	// SendToPeer transmits b to id on channel. Implementations must
	// return promptly; retry/backoff behavior belongs behind Reliable or
	// AutoRestart, not in the caller.
	SendToPeer(ctx context.Context, id PeerID, b []byte, flags SendFlags, channel Channel) error

	// Drain returns up to max queued inbound messages for channel,
	// removing them from the transport's internal buffer. It never
	// blocks; an empty slice means nothing is currently queued.
	Drain(channel Channel, max int) []InboundMessage

	// SessionInfo reports the current session state for id.
	SessionInfo(id PeerID) (SessionInfo, bool)

	// CloseSession tears down any session held with id. Closing a
	// session that does not exist is a no-op.
	CloseSession(id PeerID)

	// Events returns the channel on which asynchronous session lifecycle
	// notifications are delivered. The channel is never closed by the
	// transport while it is running.
	Events() <-chan TransportEvent
}
