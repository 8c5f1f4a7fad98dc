package vpn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Device is the subset of tun.Device the bridge depends on. It is
// declared here, rather than importing package tun, so this package has
// no dependency on any platform build tag; cmd/vpnnode supplies the
// concrete platform device.
type Device interface {
	Open(name string, mtu int) error
	Close() error
	IsOpen() bool
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	SetIP(ip, mask [4]byte) error
	SetMTU(mtu int) error
	SetUp() error
	SetNonBlocking(bool) error
	Name() string
	LastError() error
	ReadWaitEvent() <-chan struct{}
}

// DefaultMaxConsecutiveFailures is the number of consecutive egress send
// failures to the same peer before that peer's connection kind is marked
// down.
const DefaultMaxConsecutiveFailures = 5

// DefaultBatchSize bounds how many inbound messages a single PollEngine
// tick will drain and dispatch.
const DefaultBatchSize = 64

// Config carries every caller-supplied parameter the Bridge needs to
// start. The module itself never parses flags or files to produce one;
// that is cmd/vpnnode's job.
type Config struct {
	Self        PeerID
	InterfaceName string
	MTU         int
	LocalIP     [4]byte
	Netmask     [4]byte

	MaxConsecutiveFailures int
	BatchSize              int
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MTU <= 0 {
		c.MTU = 1420
	}
	return c
}

// ErrAlreadyStarted is returned by Start when the bridge is already
// running.
var ErrAlreadyStarted = errors.New("vpn: bridge already started")

// ErrNotStarted is returned by Stop when the bridge was never started.
var ErrNotStarted = errors.New("vpn: bridge not started")

// PeerStatus is the user-visible status of a single peer, returned by
// Bridge.PeerStats. An unknown peer reports the documented not-connected
// sentinel values.
type PeerStatus struct {
	Connected bool
	PingMs    int
	Kind      string
}

// Bridge wires a Device to a Transport: it is the datagram pump between
// the local TUN interface and the peer-addressed transport, including
// framing, routing, and fault tolerance. Egress reads the TUN device on
// its own goroutine; ingress is driven by an adaptive PollEngine rather
// than a blocking per-peer reader.
type Bridge struct {
	cfg       Config
	device    Device
	transport Transport
	registry  *MembershipRegistry
	poll      *PollEngine

	routeMu sync.RWMutex
	routes  map[[4]byte]PeerID

	failMu sync.Mutex
	fails  map[PeerID]int

	pendingMu sync.Mutex
	pending   map[PeerID]time.Time

	started  int32
	degraded int32
	stopCh   chan struct{}
	wg       sync.WaitGroup

	framesSent, framesReceived, framesDropped uint64
	bytesSent, bytesReceived                  uint64
}

// NewBridge constructs a Bridge. The supplied registry and transport are
// non-owning handles: closing the Bridge does not close them beyond what
// Stop explicitly does (session teardown via ClearPeers, never closing
// the transport itself).
func NewBridge(device Device, transport Transport, registry *MembershipRegistry, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:       cfg,
		device:    device,
		transport: transport,
		registry:  registry,
		routes:    make(map[[4]byte]PeerID),
		fails:     make(map[PeerID]int),
		pending:   make(map[PeerID]time.Time),
		stopCh:    make(chan struct{}),
	}
	b.poll = NewPollEngine(DefaultPollState(), b.pollTick)
	return b
}

// Start opens and configures the TUN device, then starts the egress
// reader goroutine and the ingress PollEngine. Start is idempotent only
// in the sense that calling it twice returns ErrAlreadyStarted; it never
// reopens the device.
func (b *Bridge) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return ErrAlreadyStarted
	}

	if err := b.device.Open(b.cfg.InterfaceName, b.cfg.MTU); err != nil {
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("vpn: open tun device: %w", err)
	}
	if err := b.device.SetIP(b.cfg.LocalIP, b.cfg.Netmask); err != nil {
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("vpn: configure tun address: %w", err)
	}
	if err := b.device.SetMTU(b.cfg.MTU); err != nil {
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("vpn: configure tun mtu: %w", err)
	}
	if err := b.device.SetUp(); err != nil {
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("vpn: bring up tun device: %w", err)
	}
	if err := b.device.SetNonBlocking(true); err != nil {
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("vpn: set tun non-blocking: %w", err)
	}

	b.wg.Add(1)
	go b.egressLoop()
	b.poll.Start()

	return nil
}

// Stop drains the bridge in the reverse order it was started: join the
// egress goroutine, stop the PollEngine, close the TUN device, then tear
// down every peer session and clear the registry.
func (b *Bridge) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return ErrNotStarted
	}

	close(b.stopCh)
	b.wg.Wait()
	b.poll.Stop()
	if err := b.device.Close(); err != nil {
		log.Printf("vpn: tun close error: %v", err)
	}
	b.registry.ClearPeers()
	return nil
}

// AddPeer admits a peer to the membership registry and, on first
// admission, sends a reliable SESSION_HELLO. Re-adding an existing peer
// is a no-op, matching the registry's idempotent AddPeer.
func (b *Bridge) AddPeer(id PeerID) {
	if !b.registry.AddPeer(id) {
		return
	}
	frame := VpnFrame{Type: SessionHello}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.transport.SendToPeer(ctx, id, frame.Encode(), Reliable|AutoRestart, DataChannel); err != nil {
		log.Printf("vpn: session hello to %s failed: %v", id, err)
		return
	}
	b.registry.MarkHelloSent(id)
}

// RemovePeer evicts a peer from the registry and from the route table.
// No egress frame sent after RemovePeer returns targets id until a
// subsequent AddPeer.
func (b *Bridge) RemovePeer(id PeerID) {
	b.registry.RemovePeer(id)

	b.routeMu.Lock()
	for addr, peer := range b.routes {
		if peer == id {
			delete(b.routes, addr)
		}
	}
	b.routeMu.Unlock()

	b.failMu.Lock()
	delete(b.fails, id)
	b.failMu.Unlock()
}

// SetRoute records that packets destined for addr should be forwarded to
// id. Populated by an external room-directory caller (see
// pkg/roomdiscovery) using whatever PeerId→address convention it has
// agreed with its peers; the bridge itself assigns no addresses.
func (b *Bridge) SetRoute(addr [4]byte, id PeerID) {
	b.routeMu.Lock()
	b.routes[addr] = id
	b.routeMu.Unlock()
}

// ClearRoute removes a single route entry, independent of peer removal.
func (b *Bridge) ClearRoute(addr [4]byte) {
	b.routeMu.Lock()
	delete(b.routes, addr)
	b.routeMu.Unlock()
}

// Broadcast sends payload, framed as IP_PACKET, to every member of the
// current snapshot.
func (b *Bridge) Broadcast(ctx context.Context, payload []byte, flags SendFlags) {
	frame := VpnFrame{Type: IPPacket, Payload: payload}
	encoded := frame.Encode()
	for _, peer := range b.registry.Snapshot() {
		if err := b.transport.SendToPeer(ctx, peer.ID, encoded, flags, DataChannel); err != nil {
			log.Printf("vpn: broadcast to %s failed: %v", peer.ID, err)
			continue
		}
		atomic.AddUint64(&b.framesSent, 1)
		atomic.AddUint64(&b.bytesSent, uint64(len(encoded)))
	}
}

// PingPeer sends an unreliable PING carrying nonce, so a later PONG can
// be matched to a round-trip measurement by Bridge's ingress dispatch.
func (b *Bridge) PingPeer(ctx context.Context, id PeerID, nonce []byte) error {
	frame := VpnFrame{Type: Ping, Payload: nonce}
	b.pendingMu.Lock()
	b.pending[id] = time.Now()
	b.pendingMu.Unlock()
	return b.transport.SendToPeer(ctx, id, frame.Encode(), 0, DataChannel)
}

// Stats returns a point-in-time snapshot of the bridge's counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		PeerCount:      b.registry.Count(),
		FramesSent:     atomic.LoadUint64(&b.framesSent),
		FramesReceived: atomic.LoadUint64(&b.framesReceived),
		FramesDropped:  atomic.LoadUint64(&b.framesDropped),
		BytesSent:      atomic.LoadUint64(&b.bytesSent),
		BytesReceived:  atomic.LoadUint64(&b.bytesReceived),
		PollInterval:   b.poll.Interval().String(),
	}
}

// PeerStats reports the status of a single peer. An unknown peer, one
// with no live transport session, or one the egress failure counter has
// marked down reports the documented not-connected sentinel values.
func (b *Bridge) PeerStats(id PeerID) PeerStatus {
	state, ok := b.registry.Lookup(id)
	if !ok || state.ConnectionKind == ConnectionDown {
		return PeerStatus{Connected: false, PingMs: -1, Kind: "n/a"}
	}
	info, ok := b.transport.SessionInfo(id)
	if !ok || info.State != SessionEstablished {
		return PeerStatus{Connected: false, PingMs: -1, Kind: "n/a"}
	}

	kind := ConnectionDirect
	if info.Relayed {
		kind = ConnectionRelayed
	}
	b.registry.SetConnectionKind(id, kind)

	return PeerStatus{
		Connected: true,
		PingMs:    state.LastPingMs,
		Kind:      kind.String(),
	}
}

// Degraded reports whether the bridge has observed a hard TUN I/O error.
// The poll and egress loops keep running regardless, so that recovery
// (a reopened device, a subsequent AddPeer) is still possible.
func (b *Bridge) Degraded() bool {
	return atomic.LoadInt32(&b.degraded) == 1
}

// OnSessionRequested is the handler a transport adapter should invoke
// when a remote peer asks to open a session. It auto-accepts only if the
// peer is already a registry member.
func (b *Bridge) OnSessionRequested(id PeerID) bool {
	return b.registry.Contains(id)
}

// OnSessionFailed is advisory-only: it logs and does not mutate registry
// state, relying on the transport's own auto-restart.
func (b *Bridge) OnSessionFailed(id PeerID, reason error) {
	log.Printf("vpn: session with %s failed: %v", id, reason)
}

func (b *Bridge) egressLoop() {
	defer b.wg.Done()

	buf := make([]byte, 65536)

	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		n, err := b.device.Read(buf)
		if err != nil {
			atomic.StoreInt32(&b.degraded, 1)
			log.Printf("vpn: tun read error: %v", err)
			continue
		}
		if n == 0 {
			// ReadWaitEvent is re-requested on every empty read rather
			// than cached, since an event-driven backend's handle fires
			// once and must be re-armed for the next packet.
			if waitEvt := b.device.ReadWaitEvent(); waitEvt != nil {
				select {
				case <-waitEvt:
				case <-b.stopCh:
					return
				}
			} else {
				select {
				case <-time.After(time.Millisecond):
				case <-b.stopCh:
					return
				}
			}
			continue
		}

		b.onOutboundPacket(buf[:n])
	}
}

func (b *Bridge) onOutboundPacket(packet []byte) {
	dest, ok := ipv4Destination(packet)
	if !ok {
		atomic.AddUint64(&b.framesDropped, 1)
		return
	}

	if b.isBroadcast(dest) {
		frame := VpnFrame{Type: IPPacket, Payload: packet}
		encoded := frame.Encode()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, peer := range b.registry.Snapshot() {
			b.sendFrame(ctx, peer.ID, encoded)
		}
		return
	}

	b.routeMu.RLock()
	peer, ok := b.routes[dest]
	b.routeMu.RUnlock()
	if !ok {
		atomic.AddUint64(&b.framesDropped, 1)
		return
	}

	frame := VpnFrame{Type: IPPacket, Payload: packet}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.sendFrame(ctx, peer, frame.Encode())
}

// sendFrame performs a single unreliable send and updates the
// consecutive-failure counter that drives the down transition once a
// peer exceeds MaxConsecutiveFailures.
func (b *Bridge) sendFrame(ctx context.Context, peer PeerID, encoded []byte) {
	err := b.transport.SendToPeer(ctx, peer, encoded, 0, DataChannel)

	b.failMu.Lock()
	defer b.failMu.Unlock()

	if err == nil {
		delete(b.fails, peer)
		atomic.AddUint64(&b.framesSent, 1)
		atomic.AddUint64(&b.bytesSent, uint64(len(encoded)))
		return
	}

	if !errors.Is(err, ErrUnknownPeer) && !errors.Is(err, ErrSessionDown) {
		log.Printf("vpn: send to %s failed: %v", peer, err)
	}
	b.fails[peer]++
	if b.fails[peer] > b.cfg.MaxConsecutiveFailures {
		b.registry.SetConnectionKind(peer, ConnectionDown)
	}
}

// pollTick is invoked by the PollEngine on every cadence tick. It drains
// up to BatchSize inbound messages and dispatches each synchronously,
// reporting whether any were present so the engine can adjust its
// backoff.
func (b *Bridge) pollTick() bool {
	msgs := b.transport.Drain(DataChannel, b.cfg.BatchSize)
	for _, m := range msgs {
		b.onInboundMessage(m)
	}
	return len(msgs) > 0
}

func (b *Bridge) onInboundMessage(msg InboundMessage) {
	if !b.registry.Contains(msg.From) {
		atomic.AddUint64(&b.framesDropped, 1)
		return
	}

	frame, err := DecodeFrame(msg.Payload)
	if err != nil {
		atomic.AddUint64(&b.framesDropped, 1)
		return
	}

	atomic.AddUint64(&b.framesReceived, 1)
	atomic.AddUint64(&b.bytesReceived, uint64(len(msg.Payload)))

	switch frame.Type {
	case SessionHello:
		// Reachability established by virtue of receiving a frame at
		// all; nothing further to record.
	case IPPacket:
		if _, err := b.device.Write(frame.Payload); err != nil {
			atomic.StoreInt32(&b.degraded, 1)
			log.Printf("vpn: tun write error: %v", err)
		}
	case Ping:
		reply := VpnFrame{Type: Pong, Payload: frame.Payload}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		b.sendFrame(ctx, msg.From, reply.Encode())
		cancel()
	case Pong:
		b.pendingMu.Lock()
		sentAt, ok := b.pending[msg.From]
		if ok {
			delete(b.pending, msg.From)
		}
		b.pendingMu.Unlock()
		if ok {
			b.registry.SetLastPingMs(msg.From, int(time.Since(sentAt).Milliseconds()))
		}
	default:
		atomic.AddUint64(&b.framesDropped, 1)
	}
}

// isBroadcast reports whether addr is the broadcast address of the
// bridge's configured subnet: network | ^mask.
func (b *Bridge) isBroadcast(addr [4]byte) bool {
	for i := 0; i < 4; i++ {
		network := b.cfg.LocalIP[i] & b.cfg.Netmask[i]
		broadcast := network | ^b.cfg.Netmask[i]
		if addr[i] != broadcast {
			return false
		}
	}
	return true
}

// ipv4Destination extracts the destination address from an IPv4 datagram.
// Non-IPv4 packets (the version nibble is not 4) are reported as not-ok:
// this bridge's route table is IPv4-only.
func ipv4Destination(packet []byte) (addr [4]byte, ok bool) {
	if len(packet) < 20 {
		return addr, false
	}
	if packet[0]>>4 != 4 {
		return addr, false
	}
	copy(addr[:], packet[16:20])
	return addr, true
}
