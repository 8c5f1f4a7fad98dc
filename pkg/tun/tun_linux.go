//go:build linux

package tun

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/songgao/water"
)

// linuxDevice wraps a songgao/water TUN interface, driving device
// configuration through the `ip` command line tool rather than raw
// netlink sockets.
type linuxDevice struct {
	mu        sync.Mutex
	iface     *water.Interface
	name      string
	lastErr   error
	readDeadl time.Duration
}

// NewDevice constructs the Linux TUN backend.
func NewDevice() Device {
	return &linuxDevice{readDeadl: 50 * time.Millisecond}
}

func (d *linuxDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.iface != nil {
		return ErrAlreadyOpen
	}

	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		d.lastErr = err
		return fmt.Errorf("tun: open: %w", err)
	}
	d.iface = iface
	d.name = iface.Name()
	return nil
}

func (d *linuxDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.iface == nil {
		return ErrNotOpen
	}
	err := d.iface.Close()
	d.iface = nil
	return err
}

func (d *linuxDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iface != nil
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	iface := d.iface
	deadline := d.readDeadl
	d.mu.Unlock()
	if iface == nil {
		return 0, ErrNotOpen
	}

	if f, ok := iface.ReadWriteCloser.(*os.File); ok {
		_ = f.SetReadDeadline(time.Now().Add(deadline))
		n, err := f.Read(buf)
		if err != nil {
			if os.IsTimeout(err) {
				return 0, nil
			}
			d.setErr(err)
			return 0, err
		}
		return n, nil
	}

	n, err := iface.Read(buf)
	if err != nil {
		d.setErr(err)
		return 0, err
	}
	return n, nil
}

func (d *linuxDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	iface := d.iface
	d.mu.Unlock()
	if iface == nil {
		return 0, ErrNotOpen
	}
	n, err := iface.Write(buf)
	if err != nil {
		d.setErr(err)
		return 0, err
	}
	return n, nil
}

func (d *linuxDevice) SetIP(ip, mask [4]byte) error {
	prefix := maskToPrefixLen(mask)
	ipStr := fmt.Sprintf("%d.%d.%d.%d/%d", ip[0], ip[1], ip[2], ip[3], prefix)
	return d.runIP("addr", "add", ipStr, "dev", d.name)
}

func (d *linuxDevice) SetMTU(mtu int) error {
	return d.runIP("link", "set", "dev", d.name, "mtu", strconv.Itoa(mtu))
}

func (d *linuxDevice) SetUp() error {
	return d.runIP("link", "set", "dev", d.name, "up")
}

func (d *linuxDevice) SetNonBlocking(bool) error {
	// Read already applies a short deadline unconditionally; there is no
	// separate non-blocking mode to toggle on Linux.
	return nil
}

func (d *linuxDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *linuxDevice) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *linuxDevice) ReadWaitEvent() <-chan struct{} {
	return nil
}

func (d *linuxDevice) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

func (d *linuxDevice) runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tun: ip %v: %w: %s", args, err, out)
	}
	return nil
}

func maskToPrefixLen(mask [4]byte) int {
	bits := 0
	for _, b := range mask {
		for b != 0 {
			bits += int(b & 1)
			b >>= 1
		}
	}
	return bits
}
