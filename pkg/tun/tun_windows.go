//go:build windows

package tun

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

func windowsWaitForSingleObject(h windows.Handle) {
	windows.WaitForSingleObject(h, windows.INFINITE)
}

// windowsDevice wraps a WinTUN adapter and session: packets are produced
// and consumed through Session.ReceivePacket/AllocateSendPacket rather
// than a file descriptor, and readiness is observed through the
// session's own event handle instead of a poll loop.
type windowsDevice struct {
	mu      sync.Mutex
	adapter *wintun.Adapter
	session wintun.Session
	name    string
	lastErr error
	mtu     int
}

// NewDevice constructs the Windows TUN backend.
func NewDevice() Device {
	return &windowsDevice{}
}

var wintunGUID = &wintun.GUID{
	Data1: 0xfe3f6f56,
	Data2: 0x8b2c,
	Data3: 0x4b9d,
	Data4: [8]byte{0x9c, 0x1e, 0x5a, 0x6f, 0x41, 0x2d, 0x7a, 0x11},
}

func (d *windowsDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.adapter != nil {
		return ErrAlreadyOpen
	}
	if name == "" {
		name = "vpnbridge"
	}

	adapter, err := wintun.CreateAdapter(name, "Wintun", wintunGUID)
	if err != nil {
		return fmt.Errorf("tun: create adapter: %w", err)
	}

	session, err := adapter.StartSession(0x400000) // 4 MiB ring, matches the upstream default capacity.
	if err != nil {
		adapter.Close()
		return fmt.Errorf("tun: start session: %w", err)
	}

	d.adapter = adapter
	d.session = session
	d.name = name
	d.mtu = mtu
	return nil
}

func (d *windowsDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adapter == nil {
		return ErrNotOpen
	}
	d.session.End()
	err := d.adapter.Close()
	d.adapter = nil
	return err
}

func (d *windowsDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adapter != nil
}

func (d *windowsDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	session := d.session
	adapter := d.adapter
	d.mu.Unlock()
	if adapter == nil {
		return 0, ErrNotOpen
	}

	packet, err := session.ReceivePacket()
	if err != nil {
		if err == wintun.ErrNoMoreItems {
			return 0, nil
		}
		d.setErr(err)
		return 0, err
	}
	n := copy(buf, packet)
	session.ReleaseReceivePacket(packet)
	return n, nil
}

func (d *windowsDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	session := d.session
	adapter := d.adapter
	d.mu.Unlock()
	if adapter == nil {
		return 0, ErrNotOpen
	}

	packet, err := session.AllocateSendPacket(len(buf))
	if err != nil {
		if err == wintun.ErrNoMoreItems {
			return 0, nil
		}
		d.setErr(err)
		return 0, err
	}
	copy(packet, buf)
	session.SendPacket(packet)
	return len(buf), nil
}

func (d *windowsDevice) SetIP(ip, mask [4]byte) error {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()

	ipStr := net.IPv4(ip[0], ip[1], ip[2], ip[3]).String()
	maskStr := net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
	cmd := exec.Command("netsh", "interface", "ip", "set", "address",
		fmt.Sprintf("name=%q", name), "static", ipStr, maskStr)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tun: netsh set address: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) SetMTU(mtu int) error {
	d.mu.Lock()
	d.mtu = mtu
	name := d.name
	d.mu.Unlock()

	cmd := exec.Command("netsh", "interface", "ipv4", "set", "subinterface",
		fmt.Sprintf("%q", name), fmt.Sprintf("mtu=%s", strconv.Itoa(mtu)), "store=persistent")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tun: netsh set mtu: %w: %s", err, out)
	}
	return nil
}

func (d *windowsDevice) SetUp() error {
	// The WinTUN adapter is enabled as soon as a session is started;
	// there is no separate link-up step.
	return nil
}

func (d *windowsDevice) SetNonBlocking(bool) error {
	// Reads are already non-blocking via ReceivePacket/ErrNoMoreItems.
	return nil
}

func (d *windowsDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *windowsDevice) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *windowsDevice) ReadWaitEvent() <-chan struct{} {
	d.mu.Lock()
	session := d.session
	adapter := d.adapter
	d.mu.Unlock()
	if adapter == nil {
		return nil
	}

	ch := make(chan struct{})
	go func() {
		evt := session.ReadWaitEvent()
		windowsWaitForSingleObject(evt)
		close(ch)
	}()
	return ch
}

func (d *windowsDevice) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}
