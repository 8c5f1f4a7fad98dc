// Package tun implements the platform virtual network interface the
// bridge reads IP datagrams from and writes them back to. Exactly one
// concrete Device variant is compiled in per platform, selected by Go
// build tags: Linux, macOS, and Windows each get their own file.
package tun

import "errors"

// Device is the capability interface every platform backend implements:
// open, close, is-open, read, write, set_ip, set_mtu, set_up,
// set_non_blocking, device name, last error, and an optional
// readable-event handle for platforms (Windows) whose kernel API is
// event-driven rather than poll-driven.
type Device interface {
	// Open allocates the interface. An empty or templated name lets the
	// OS assign a concrete one, later retrievable via Name. Open fails
	// if the device is already open or the kernel rejects the request.
	Open(name string, mtu int) error
	Close() error
	IsOpen() bool

	// Read returns 0, nil on would-block in non-blocking mode, a
	// positive count on success, or a non-nil error on hard failure.
	Read(buf []byte) (int, error)
	// Write accepts a full IP datagram, returning 0, nil on would-block.
	Write(buf []byte) (int, error)

	// SetIP configures a point-to-point-style address and mask. On
	// macOS this also computes and assigns a peer address within the
	// mask, since utun requires one.
	SetIP(ip, mask [4]byte) error
	SetMTU(mtu int) error
	SetUp() error
	SetNonBlocking(nonBlocking bool) error

	Name() string
	LastError() error

	// ReadWaitEvent returns a channel that becomes readable when a
	// packet is available, or nil on platforms with no such primitive
	// (the caller falls back to a short sleep between non-blocking
	// reads).
	ReadWaitEvent() <-chan struct{}
}

// ErrAlreadyOpen is returned by Open when called on a device that is
// already open.
var ErrAlreadyOpen = errors.New("tun: device already open")

// ErrNotOpen is returned by operations that require an open device.
var ErrNotOpen = errors.New("tun: device not open")
