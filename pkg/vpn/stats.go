package vpn

// Stats is a point-in-time snapshot of a Bridge's counters, returned by
// Bridge.Stats for diagnostics and tests. Field names mirror the
// vocabulary used throughout this package rather than any wire format.
type Stats struct {
	PeerCount      int
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
	BytesSent      uint64
	BytesReceived  uint64
	PollInterval   string
}
