// Package vpn implements the bridge subsystem of the peer-to-peer layer-3
// VPN: the membership registry, the adaptive poll engine, the VPN wire
// frame codec, and the bridge that pumps datagrams between a tun.Device and
// a Transport.
package vpn

import "fmt"

// PeerID is the opaque, transport-assigned identity of a remote node. It is
// ordered and comparable so it can key a map and be compared with <.
type PeerID uint64

func (id PeerID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}
