package vpn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddPeerIdempotent(t *testing.T) {
	r := NewMembershipRegistry(PeerID(1), nil, nil, nil)

	created := r.AddPeer(PeerID(2))
	assert.True(t, created)
	first, _ := r.Lookup(PeerID(2))

	created = r.AddPeer(PeerID(2))
	assert.False(t, created)
	second, _ := r.Lookup(PeerID(2))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Count())
}

func TestAddPeerRejectsSelf(t *testing.T) {
	r := NewMembershipRegistry(PeerID(1), nil, nil, nil)
	created := r.AddPeer(PeerID(1))
	assert.False(t, created)
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.Contains(PeerID(1)))
}

func TestRemovePeerClosesSession(t *testing.T) {
	var closed []PeerID
	r := NewMembershipRegistry(PeerID(1), func(id PeerID) {
		closed = append(closed, id)
	}, nil, nil)

	r.AddPeer(PeerID(2))
	r.RemovePeer(PeerID(2))

	assert.Equal(t, []PeerID{PeerID(2)}, closed)
	assert.False(t, r.Contains(PeerID(2)))
}

func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	closeCalled := false
	r := NewMembershipRegistry(PeerID(1), func(PeerID) { closeCalled = true }, nil, nil)
	r.RemovePeer(PeerID(999))
	assert.False(t, closeCalled)
}

func TestClearPeersIsAtomicFromObserverPerspective(t *testing.T) {
	r := NewMembershipRegistry(PeerID(1), nil, nil, nil)
	for i := PeerID(2); i < 50; i++ {
		r.AddPeer(i)
	}

	var wg sync.WaitGroup
	observed := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		observed <- r.Count()
	}()

	r.ClearPeers()
	wg.Wait()

	n := <-observed
	assert.True(t, n == 0 || n == 48, "observed count must be a full snapshot before or after clear, got %d", n)
	assert.Equal(t, 0, r.Count())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewMembershipRegistry(PeerID(1), nil, nil, nil)
	r.AddPeer(PeerID(2))

	snap := r.Snapshot()
	r.AddPeer(PeerID(3))

	assert.Len(t, snap, 1)
	assert.Equal(t, 2, r.Count())
}

func TestSetConnectionKindOnKnownPeer(t *testing.T) {
	r := NewMembershipRegistry(PeerID(1), nil, nil, nil)
	r.AddPeer(PeerID(2))
	r.SetConnectionKind(PeerID(2), ConnectionDown)

	state, ok := r.Lookup(PeerID(2))
	assert.True(t, ok)
	assert.Equal(t, ConnectionDown, state.ConnectionKind)
}
