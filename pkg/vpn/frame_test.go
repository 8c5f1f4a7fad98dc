package vpn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameRoundTripAllTypes(t *testing.T) {
	types := []FrameType{SessionHello, IPPacket, Ping, Pong}
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	for _, typ := range types {
		f := VpnFrame{Type: typ, Payload: payload}
		decoded, err := DecodeFrame(f.Encode())
		assert.NoError(t, err)
		assert.Equal(t, typ, decoded.Type)
		assert.Equal(t, payload, decoded.Payload)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := VpnFrame{Type: SessionHello}
	decoded, err := DecodeFrame(f.Encode())
	assert.NoError(t, err)
	assert.Equal(t, SessionHello, decoded.Type)
	assert.Empty(t, decoded.Payload)
}

func TestSessionHelloWireBytes(t *testing.T) {
	f := VpnFrame{Type: SessionHello}
	assert.Equal(t, []byte{0x01, 0x00, 0x00}, f.Encode())
}

func TestPingPongWireBytes(t *testing.T) {
	nonce := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	ping := VpnFrame{Type: Ping, Payload: nonce}
	assert.Equal(t, []byte{0x03, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, ping.Encode())

	pong := VpnFrame{Type: Pong, Payload: nonce}
	assert.Equal(t, []byte{0x04, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, pong.Encode())
}

func TestDecodeFrameTooShortHeader(t *testing.T) {
	_, err := DecodeFrame([]byte{0x02, 0x00})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecodeFrameDeclaredLengthExceedsBuffer(t *testing.T) {
	_, err := DecodeFrame([]byte{0x02, 0x00, 0x10, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}

func TestDecodeFrameUnknownTypePassesThrough(t *testing.T) {
	decoded, err := DecodeFrame([]byte{0xFF, 0x00, 0x00})
	assert.NoError(t, err)
	assert.Equal(t, FrameType(0xFF), decoded.Type)
}
