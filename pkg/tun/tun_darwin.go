//go:build darwin

package tun

import (
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	utunControlName = "com.apple.net.utun_control"
	utunOptIfname   = 2
	// maxAutoScanUnits bounds the linear scan over utun0..utun255 when no
	// specific unit was requested.
	maxAutoScanUnits = 256
)

// darwinDevice is a raw PF_SYSTEM/SYSPROTO_CONTROL utun socket: it
// resolves either a specific requested unit or scans for a free one, and
// handles the 4-byte address-family prefix utun prepends to every
// datagram along with the network+1/network+2 point-to-point peer
// computation utun requires.
type darwinDevice struct {
	mu      sync.Mutex
	fd      int
	name    string
	lastErr error
	nonblk  bool
	peerIP  [4]byte
}

// NewDevice constructs the macOS TUN backend.
func NewDevice() Device {
	return &darwinDevice{fd: -1}
}

func (d *darwinDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd >= 0 {
		return ErrAlreadyOpen
	}

	requestedUnit, explicit := parseUtunUnit(name)

	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return fmt.Errorf("tun: socket: %w", err)
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return fmt.Errorf("tun: ctl info: %w", err)
	}

	if explicit {
		// A single connect attempt at the requested unit: an explicit
		// unit request does not fall back to scanning on failure.
		sc := &unix.SockaddrCtl{ID: info.Id, Unit: uint32(requestedUnit + 1)}
		if err := unix.Connect(fd, sc); err != nil {
			unix.Close(fd)
			return fmt.Errorf("tun: connect utun%d: %w", requestedUnit, err)
		}
	} else {
		connected := false
		for unit := 0; unit < maxAutoScanUnits; unit++ {
			sc := &unix.SockaddrCtl{ID: info.Id, Unit: uint32(unit + 1)}
			if err := unix.Connect(fd, sc); err == nil {
				connected = true
				break
			}
		}
		if !connected {
			unix.Close(fd)
			return fmt.Errorf("tun: no free utun unit found in range [0,%d)", maxAutoScanUnits)
		}
	}

	ifName, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tun: read assigned ifname: %w", err)
	}

	d.fd = fd
	d.name = ifName
	return nil
}

func (d *darwinDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return ErrNotOpen
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *darwinDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fd >= 0
}

// Read strips the 4-byte AF_* family prefix utun prepends to every
// datagram, returning only the IP payload.
func (d *darwinDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, ErrNotOpen
	}

	raw := make([]byte, len(buf)+4)
	n, err := unix.Read(fd, raw)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		d.setErr(err)
		return 0, err
	}
	if n < 4 {
		return 0, nil
	}
	copy(buf, raw[4:n])
	return n - 4, nil
}

// Write prepends the 4-byte AF_INET/AF_INET6 family prefix utun requires,
// selected from the IP version nibble (4 => AF_INET, 6 => AF_INET6, else
// AF_INET as a default).
func (d *darwinDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, ErrNotOpen
	}
	if len(buf) == 0 {
		return 0, nil
	}

	family := uint32(unix.AF_INET)
	switch buf[0] >> 4 {
	case 6:
		family = unix.AF_INET6
	case 4:
		family = unix.AF_INET
	}

	raw := make([]byte, 4+len(buf))
	raw[0] = byte(family >> 24)
	raw[1] = byte(family >> 16)
	raw[2] = byte(family >> 8)
	raw[3] = byte(family)
	copy(raw[4:], buf)

	n, err := unix.Write(fd, raw)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		d.setErr(err)
		return 0, err
	}
	return n - 4, nil
}

// SetIP computes the point-to-point peer address required by utun
// (network+1, or network+2 if that collides with the local address) and
// applies both addresses via ifconfig.
func (d *darwinDevice) SetIP(ip, mask [4]byte) error {
	var network [4]byte
	for i := range network {
		network[i] = ip[i] & mask[i]
	}

	peer := network
	peer[3] |= 1
	if peer == ip {
		peer = network
		peer[3] |= 2
	}

	d.mu.Lock()
	d.peerIP = peer
	name := d.name
	d.mu.Unlock()

	local := fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
	remote := fmt.Sprintf("%d.%d.%d.%d", peer[0], peer[1], peer[2], peer[3])
	return runIfconfig(name, local, remote)
}

func (d *darwinDevice) SetMTU(mtu int) error {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()
	return runIfconfigMTU(name, mtu)
}

func (d *darwinDevice) SetUp() error {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()
	return runIfconfigUp(name)
}

func (d *darwinDevice) SetNonBlocking(nonBlocking bool) error {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return ErrNotOpen
	}
	if err := unix.SetNonblock(fd, nonBlocking); err != nil {
		return fmt.Errorf("tun: set non-blocking: %w", err)
	}
	d.mu.Lock()
	d.nonblk = nonBlocking
	d.mu.Unlock()
	return nil
}

func (d *darwinDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *darwinDevice) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *darwinDevice) ReadWaitEvent() <-chan struct{} {
	return nil
}

func (d *darwinDevice) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

func runIfconfig(name, local, remote string) error {
	cmd := exec.Command("ifconfig", name, "inet", local, remote)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tun: ifconfig %s inet %s %s: %w: %s", name, local, remote, err, out)
	}
	return nil
}

func runIfconfigMTU(name string, mtu int) error {
	cmd := exec.Command("ifconfig", name, "mtu", strconv.Itoa(mtu))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tun: ifconfig %s mtu %d: %w: %s", name, mtu, err, out)
	}
	return nil
}

func runIfconfigUp(name string) error {
	cmd := exec.Command("ifconfig", name, "up")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tun: ifconfig %s up: %w: %s", name, err, out)
	}
	return nil
}

// parseUtunUnit reports whether name names a specific utunN unit, as
// opposed to being empty or a template requesting auto-assignment.
func parseUtunUnit(name string) (unit int, explicit bool) {
	if name == "" {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name, "utun%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
