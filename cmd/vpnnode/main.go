// Command vpnnode runs a single node of the peer-to-peer layer-3 VPN: it
// opens a local TUN interface, joins a room over libp2p, and bridges IP
// datagrams between the two. Flags are parsed with the standard library
// flag package; there is no third-party CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/multiformats/go-multiaddr"

	"github.com/p2pvpn/bridge/pkg/roomdiscovery"
	"github.com/p2pvpn/bridge/pkg/transport"
	"github.com/p2pvpn/bridge/pkg/tun"
	"github.com/p2pvpn/bridge/pkg/vpn"
)

func main() {
	listenPort := flag.Int("port", 0, "port to listen on")
	roomKey := flag.String("room", "MeshGenesisKey", "shared room key used for peer discovery")
	localIPFlag := flag.String("ip", "10.42.0.1", "local tunnel address")
	netmaskFlag := flag.String("netmask", "255.255.0.0", "tunnel netmask")
	ifName := flag.String("interface", "", "tun interface name (platform default if empty)")
	mtu := flag.Int("mtu", 1420, "tunnel MTU")
	bootstrapPeer := flag.String("bootstrap", "", "multiaddr of a bootstrap peer to connect to")
	flag.Parse()

	localIP, err := parseIPv4(*localIPFlag)
	if err != nil {
		log.Fatalf("vpnnode: invalid -ip: %v", err)
	}
	netmask, err := parseIPv4(*netmaskFlag)
	if err != nil {
		log.Fatalf("vpnnode: invalid -netmask: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, strings.NewReader(*roomKey))
	if err != nil {
		log.Fatal(err)
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic", *listenPort),
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *listenPort),
		),
		libp2p.Identity(priv),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.DefaultTransports,
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer h.Close()

	kadDHT, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.ProtocolPrefix("/vpn-bridge"))
	if err != nil {
		log.Fatal(err)
	}
	defer kadDHT.Close()
	if err := kadDHT.Bootstrap(ctx); err != nil {
		log.Fatal(err)
	}

	if *bootstrapPeer != "" {
		if err := connectBootstrap(ctx, h, *bootstrapPeer); err != nil {
			log.Printf("vpnnode: bootstrap connect failed: %v", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		log.Fatal(err)
	}

	self := transport.DerivePeerID(h.ID())
	device := tun.NewDevice()

	t := transport.NewLibP2PTransport(ctx, h)
	registry := vpn.NewMembershipRegistry(self, t.CloseSession, nil, nil)
	cfg := vpn.Config{
		Self:          self,
		InterfaceName: *ifName,
		MTU:           *mtu,
		LocalIP:       localIP,
		Netmask:       netmask,
	}
	bridge := vpn.NewBridge(device, t, registry, cfg)
	t.SetAuthorizer(bridge)

	if err := bridge.Start(); err != nil {
		log.Fatalf("vpnnode: bridge start: %v", err)
	}
	defer bridge.Stop()

	disco, err := roomdiscovery.New(ctx, h, kadDHT, ps, t, bridge, *roomKey)
	if err != nil {
		log.Fatal(err)
	}
	disco.Start()
	defer disco.Close()

	log.Printf("peer id: %s", h.ID())
	log.Printf("bridged tun device: %s", device.Name())
	log.Printf("listening on:")
	for _, addr := range h.Addrs() {
		log.Printf("  %s/p2p/%s", addr, h.ID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down...")
}

func connectBootstrap(ctx context.Context, h host.Host, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse bootstrap multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("derive peer info: %w", err)
	}
	return h.Connect(ctx, *info)
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("expected dotted-quad, got %q", s)
	}
	for i, p := range parts {
		var v int
		if _, err := fmt.Sscanf(p, "%d", &v); err != nil || v < 0 || v > 255 {
			return out, fmt.Errorf("invalid octet %q in %q", p, s)
		}
		out[i] = byte(v)
	}
	return out, nil
}
