package vpn

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the single-byte discriminator of a VpnFrame.
type FrameType uint8

const (
	SessionHello FrameType = 1
	IPPacket     FrameType = 2
	Ping         FrameType = 3
	Pong         FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case SessionHello:
		return "SESSION_HELLO"
	case IPPacket:
		return "IP_PACKET"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// frameHeaderSize is the 3-byte wire header: 1 byte type, 2 byte length
// (network byte order). The layout is identical on every node.
const frameHeaderSize = 3

// VpnFrame is the wire form of a payload carried on the VPN channel.
// Length is always len(Payload); it is kept explicit on the wire so a
// truncated datagram can be detected and dropped rather than trusted.
type VpnFrame struct {
	Type    FrameType
	Payload []byte
}

// Encode serializes f to its wire representation: a fixed 3-byte
// type+length header followed by the payload bytes.
func (f VpnFrame) Encode() []byte {
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:], f.Payload)
	return buf
}

// ErrFrameTooShort is returned when a datagram is smaller than the fixed
// header, or smaller than the header plus the length it declares.
var ErrFrameTooShort = fmt.Errorf("vpn: frame shorter than declared length")

// DecodeFrame parses a received datagram into a VpnFrame. A frame whose
// declared length exceeds the received datagram size is dropped by
// returning ErrFrameTooShort; callers must not reply to a decode error.
func DecodeFrame(b []byte) (VpnFrame, error) {
	if len(b) < frameHeaderSize {
		return VpnFrame{}, ErrFrameTooShort
	}
	length := binary.BigEndian.Uint16(b[1:3])
	if int(length) > len(b)-frameHeaderSize {
		return VpnFrame{}, ErrFrameTooShort
	}
	payload := make([]byte, length)
	copy(payload, b[frameHeaderSize:frameHeaderSize+int(length)])
	return VpnFrame{Type: FrameType(b[0]), Payload: payload}, nil
}
