// Package roomdiscovery is a concrete, optional stand-in for the
// room-directory service the bridge itself treats as out of scope: it
// discovers other members of a shared room over a libp2p DHT and
// GossipSub topic, and drives Bridge.AddPeer / Bridge.RemovePeer as
// members appear and go silent.
package roomdiscovery

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	mh "github.com/multiformats/go-multihash"

	"github.com/p2pvpn/bridge/pkg/transport"
	"github.com/p2pvpn/bridge/pkg/vpn"
)

// announceInterval is the cadence of both the pubsub announcement and the
// DHT reprovide loop.
const announceInterval = 30 * time.Second

// peerTimeout is how long a member can go unseen before it is considered
// to have left the room.
const peerTimeout = 2 * time.Minute

const topicPrefix = "/vpn-bridge/room/"

// BridgeController is the subset of *vpn.Bridge this package drives.
type BridgeController interface {
	AddPeer(id vpn.PeerID)
	RemovePeer(id vpn.PeerID)
	SetRoute(addr [4]byte, id vpn.PeerID)
}

type announcement struct {
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// Discovery announces this node's presence in a room and tracks other
// members' liveness, adding and removing them from a Bridge as they
// appear and expire.
type Discovery struct {
	host      host.Host
	dht       *dht.IpfsDHT
	transport *transport.LibP2PTransport
	bridge    BridgeController
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	roomKey   string
	roomCID   cid.Cid
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	lastSeen map[vpn.PeerID]time.Time
	addrOf   map[vpn.PeerID]peer.ID
}

// New joins the pubsub topic and derives the rendezvous CID for roomKey.
// It does not start any loop; call Start for that.
func New(ctx context.Context, h host.Host, kadDHT *dht.IpfsDHT, ps *pubsub.PubSub, t *transport.LibP2PTransport, bridge BridgeController, roomKey string) (*Discovery, error) {
	topic, err := ps.Join(topicPrefix + roomKey)
	if err != nil {
		return nil, fmt.Errorf("roomdiscovery: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("roomdiscovery: subscribe: %w", err)
	}

	roomCID, err := roomRendezvousCID(roomKey)
	if err != nil {
		return nil, fmt.Errorf("roomdiscovery: derive rendezvous cid: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Discovery{
		host:      h,
		dht:       kadDHT,
		transport: t,
		bridge:    bridge,
		topic:     topic,
		sub:       sub,
		roomKey:   roomKey,
		roomCID:   roomCID,
		ctx:       ctx,
		cancel:    cancel,
		lastSeen:  make(map[vpn.PeerID]time.Time),
		addrOf:    make(map[vpn.PeerID]peer.ID),
	}, nil
}

// roomRendezvousCID derives the same provider-record key every member of
// a room agrees on, from the shared room key alone.
func roomRendezvousCID(roomKey string) (cid.Cid, error) {
	sum := sha256.Sum256([]byte(roomKey))
	hash, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return cid.Cid{}, err
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Start launches the announce loop, the subscription reader, and the DHT
// rendezvous loop, plus a background reaper for expired members.
func (d *Discovery) Start() {
	d.wg.Add(4)
	go d.announceLoop()
	go d.subscriptionLoop()
	go d.rendezvousLoop()
	go d.expiryLoop()
}

// Close stops every loop and leaves the pubsub topic.
func (d *Discovery) Close() error {
	d.cancel()
	d.wg.Wait()
	d.sub.Cancel()
	return d.topic.Close()
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	d.publishAnnouncement()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.publishAnnouncement()
		}
	}
}

func (d *Discovery) publishAnnouncement() {
	msg := announcement{PeerID: d.host.ID().String(), Timestamp: time.Now().Unix()}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("roomdiscovery: marshal announcement: %v", err)
		return
	}
	if err := d.topic.Publish(d.ctx, b); err != nil {
		log.Printf("roomdiscovery: publish announcement: %v", err)
	}
}

func (d *Discovery) subscriptionLoop() {
	defer d.wg.Done()

	for {
		msg, err := d.sub.Next(d.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == d.host.ID() {
			continue
		}

		var ann announcement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			continue
		}
		remote, err := peer.Decode(ann.PeerID)
		if err != nil {
			continue
		}
		d.observe(remote)
	}
}

func (d *Discovery) rendezvousLoop() {
	defer d.wg.Done()

	if err := d.dht.Provide(d.ctx, d.roomCID, true); err != nil {
		log.Printf("roomdiscovery: initial provide: %v", err)
	}

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.dht.Provide(d.ctx, d.roomCID, true); err != nil {
				log.Printf("roomdiscovery: reprovide: %v", err)
				continue
			}
			for p := range d.dht.FindProvidersAsync(d.ctx, d.roomCID, 0) {
				if p.ID == d.host.ID() {
					continue
				}
				d.observe(p.ID)
			}
		}
	}
}

// observe is called whenever a peer is freshly seen, either via pubsub
// announcement or DHT rendezvous. On a peer's first observation (or
// after it had expired), it dials and admits the peer to the Bridge.
func (d *Discovery) observe(p peer.ID) {
	id := transport.DerivePeerID(p)

	d.mu.Lock()
	_, known := d.lastSeen[id]
	d.lastSeen[id] = time.Now()
	d.addrOf[id] = p
	d.mu.Unlock()

	if known {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()
	if _, err := d.transport.Connect(ctx, p); err != nil {
		log.Printf("roomdiscovery: connect to %s: %v", p, err)
		d.mu.Lock()
		delete(d.lastSeen, id)
		delete(d.addrOf, id)
		d.mu.Unlock()
		return
	}

	d.bridge.SetRoute(calculatePeerAddress(p), id)
	d.bridge.AddPeer(id)
}

func (d *Discovery) expiryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(peerTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var expired []vpn.PeerID

			d.mu.Lock()
			for id, seen := range d.lastSeen {
				if now.Sub(seen) > peerTimeout {
					expired = append(expired, id)
					delete(d.lastSeen, id)
					delete(d.addrOf, id)
				}
			}
			d.mu.Unlock()

			for _, id := range expired {
				d.bridge.RemovePeer(id)
			}
		}
	}
}

// calculatePeerAddress derives a deterministic in-subnet address from a
// peer's libp2p identity: the first two bytes of SHA-256(peer.ID) become
// the last two octets of the 10.42.0.0/16 convention this module's
// cmd/vpnnode assumes.
func calculatePeerAddress(p peer.ID) [4]byte {
	sum := sha256.Sum256([]byte(p))
	return [4]byte{10, 42, sum[0], sum[1]}
}
