package vpn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	peer  PeerID
	bytes []byte
	flags SendFlags
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentFrame
	queue   []InboundMessage
	failFor map[PeerID]bool
	relayed map[PeerID]bool
	events  chan TransportEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failFor: make(map[PeerID]bool),
		relayed: make(map[PeerID]bool),
		events:  make(chan TransportEvent, 8),
	}
}

func (f *fakeTransport) SendToPeer(ctx context.Context, id PeerID, b []byte, flags SendFlags, channel Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[id] {
		return ErrSessionDown
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, sentFrame{peer: id, bytes: cp, flags: flags})
	return nil
}

func (f *fakeTransport) Drain(channel Channel, max int) []InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil
	}
	n := max
	if n > len(f.queue) {
		n = len(f.queue)
	}
	out := f.queue[:n]
	f.queue = f.queue[n:]
	return out
}

func (f *fakeTransport) SessionInfo(id PeerID) (SessionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SessionInfo{State: SessionEstablished, Relayed: f.relayed[id]}, true
}

func (f *fakeTransport) CloseSession(id PeerID) {}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) enqueue(msg InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, msg)
}

func (f *fakeTransport) lastSent() sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDevice struct {
	mu      sync.Mutex
	open    bool
	name    string
	written [][]byte
}

func (d *fakeDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.name = name
	return nil
}
func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}
func (d *fakeDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
func (d *fakeDevice) Read(buf []byte) (int, error) { return 0, nil }
func (d *fakeDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.written = append(d.written, cp)
	return len(buf), nil
}
func (d *fakeDevice) SetIP(ip, mask [4]byte) error        { return nil }
func (d *fakeDevice) SetMTU(mtu int) error                { return nil }
func (d *fakeDevice) SetUp() error                        { return nil }
func (d *fakeDevice) SetNonBlocking(bool) error           { return nil }
func (d *fakeDevice) Name() string                        { return d.name }
func (d *fakeDevice) LastError() error                    { return nil }
func (d *fakeDevice) ReadWaitEvent() <-chan struct{}       { return nil }
func (d *fakeDevice) lastWritten() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written[len(d.written)-1]
}

func newTestBridge(self PeerID) (*Bridge, *fakeTransport, *fakeDevice, *MembershipRegistry) {
	ft := newFakeTransport()
	fd := &fakeDevice{}
	registry := NewMembershipRegistry(self, ft.CloseSession, nil, nil)
	cfg := Config{Self: self, LocalIP: [4]byte{10, 42, 0, 1}, Netmask: [4]byte{255, 255, 0, 0}}
	b := NewBridge(fd, ft, registry, cfg)
	return b, ft, fd, registry
}

func TestHelloHandshake(t *testing.T) {
	b, ft, _, _ := newTestBridge(PeerID(101))

	b.AddPeer(PeerID(202))

	require.Equal(t, 1, ft.sentCount())
	sent := ft.lastSent()
	assert.Equal(t, PeerID(202), sent.peer)
	assert.Equal(t, []byte{0x01, 0x00, 0x00}, sent.bytes)
	assert.Equal(t, Reliable|AutoRestart, sent.flags)
}

func TestPingPathRepliesWithPong(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202)) // registry only: no HELLO fires, unlike Bridge.AddPeer

	b.onInboundMessage(InboundMessage{
		From:    PeerID(202),
		Payload: []byte{0x03, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF},
	})

	require.Equal(t, 1, ft.sentCount())
	sent := ft.lastSent()
	assert.Equal(t, PeerID(202), sent.peer)
	assert.Equal(t, []byte{0x04, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, sent.bytes)
}

// TestIPPacketEgressRouting verifies that a 60 byte IPv4 datagram destined
// for a known peer's address is wrapped and sent unreliable.
func TestIPPacketEgressRouting(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))
	dest := [4]byte{10, 42, 0, 2}
	b.SetRoute(dest, PeerID(202))

	packet := make([]byte, 60)
	packet[0] = 0x45 // version 4, IHL 5
	copy(packet[16:20], dest[:])

	b.onOutboundPacket(packet)

	require.Equal(t, 1, ft.sentCount())
	sent := ft.lastSent()
	assert.Equal(t, PeerID(202), sent.peer)
	assert.Equal(t, SendFlags(0), sent.flags)

	decoded, err := DecodeFrame(sent.bytes)
	require.NoError(t, err)
	assert.Equal(t, IPPacket, decoded.Type)
	assert.Equal(t, packet, decoded.Payload)
	assert.Equal(t, byte(0x3C), sent.bytes[2])
}

// TestIPPacketIngressWritesToDevice verifies that draining an IP_PACKET
// frame writes exactly the payload to TUN.
func TestIPPacketIngressWritesToDevice(t *testing.T) {
	b, _, fd, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))

	payload := make([]byte, 60)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := VpnFrame{Type: IPPacket, Payload: payload}

	b.onInboundMessage(InboundMessage{From: PeerID(202), Payload: frame.Encode()})

	assert.Equal(t, payload, fd.lastWritten())
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	b, _, fd, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))

	b.onInboundMessage(InboundMessage{From: PeerID(202), Payload: []byte{0xFF, 0x00, 0x00}})

	assert.Empty(t, fd.written)
	assert.Equal(t, uint64(1), b.Stats().FramesDropped)
}

func TestInboundFromUnknownPeerIsDropped(t *testing.T) {
	b, _, fd, _ := newTestBridge(PeerID(101))

	frame := VpnFrame{Type: IPPacket, Payload: []byte{1, 2, 3}}
	b.onInboundMessage(InboundMessage{From: PeerID(999), Payload: frame.Encode()})

	assert.Empty(t, fd.written)
	assert.Equal(t, uint64(1), b.Stats().FramesDropped)
}

// TestRemovePeerStopsFutureEgress verifies that after RemovePeer returns,
// no egress send targets that peer until a new AddPeer.
func TestRemovePeerStopsFutureEgress(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))
	dest := [4]byte{10, 42, 0, 2}
	b.SetRoute(dest, PeerID(202))

	b.RemovePeer(PeerID(202))

	packet := make([]byte, 20)
	packet[0] = 0x45
	copy(packet[16:20], dest[:])
	b.onOutboundPacket(packet)

	assert.Equal(t, 0, ft.sentCount())
}

func TestConsecutiveFailuresMarkPeerDown(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))
	ft.failFor[PeerID(202)] = true

	ctx := context.Background()
	for i := 0; i <= DefaultMaxConsecutiveFailures; i++ {
		b.sendFrame(ctx, PeerID(202), []byte{0x02, 0x00, 0x00})
	}

	state, ok := registry.Lookup(PeerID(202))
	require.True(t, ok)
	assert.Equal(t, ConnectionDown, state.ConnectionKind)
}

// TestStartStopDrainsCleanly verifies that stopping a running bridge must
// not hang and must leave the registry empty.
func TestStartStopDrainsCleanly(t *testing.T) {
	b, _, fd, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))

	require.NoError(t, b.Start())
	fd.mu.Lock()
	assert.True(t, fd.open)
	fd.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, 0, registry.Count())
	fd.mu.Lock()
	assert.False(t, fd.open)
	fd.mu.Unlock()
}

func TestPeerStatsReportsDirectOrRelayed(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))
	registry.AddPeer(PeerID(303))
	ft.relayed[PeerID(303)] = true

	direct := b.PeerStats(PeerID(202))
	assert.True(t, direct.Connected)
	assert.Equal(t, "direct", direct.Kind)

	relayed := b.PeerStats(PeerID(303))
	assert.True(t, relayed.Connected)
	assert.Equal(t, "relayed", relayed.Kind)
}

func TestPeerStatsUnknownPeerReportsSentinel(t *testing.T) {
	b, _, _, _ := newTestBridge(PeerID(101))
	status := b.PeerStats(PeerID(999))
	assert.False(t, status.Connected)
	assert.Equal(t, -1, status.PingMs)
	assert.Equal(t, "n/a", status.Kind)
}

func TestBroadcastSendsToEverySnapshotMember(t *testing.T) {
	b, ft, _, registry := newTestBridge(PeerID(101))
	registry.AddPeer(PeerID(202))
	registry.AddPeer(PeerID(303))

	b.Broadcast(context.Background(), []byte("hello"), 0)

	assert.Equal(t, 2, ft.sentCount())
}
