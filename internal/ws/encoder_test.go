package ws

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePong(t *testing.T) {
	raw := EncodePong([]byte("ping payload"))

	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, byte(0x80|byte(OpcodePong)), raw[0], "fin set, pong opcode")
	assert.Equal(t, byte(12), raw[1], "unmasked, literal length")
	assert.Equal(t, "ping payload", string(raw[2:]))
}

func TestEncodePong_Empty(t *testing.T) {
	raw := EncodePong(nil)
	assert.Equal(t, []byte{0x8A, 0x00}, raw)
}

func TestEncodeClose(t *testing.T) {
	raw := EncodeClose(CloseProtocolError, "reserved bits set")

	assert.Equal(t, byte(0x88), raw[0])
	assert.Equal(t, byte(2+len("reserved bits set")), raw[1])
	assert.Equal(t, uint16(CloseProtocolError), binary.BigEndian.Uint16(raw[2:4]))
	assert.Equal(t, "reserved bits set", string(raw[4:]))
}

func TestEncodeCloseEcho_EmptyPayload(t *testing.T) {
	// Echoing a codeless close produces a codeless close.
	raw := EncodeCloseEcho(nil)
	assert.Equal(t, []byte{0x88, 0x00}, raw)
}

func TestAppendFrame_LengthEncodings(t *testing.T) {
	tests := []struct {
		name       string
		payloadLen int
		wantMarker byte
		headerLen  int
	}{
		{"literal 0", 0, 0, 2},
		{"literal 125", 125, 125, 2},
		{"extended 16-bit lower bound", 126, 126, 4},
		{"extended 16-bit upper bound", 0xFFFF, 126, 4},
		{"extended 64-bit", 0x10000, 127, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := appendFrame(OpcodeText, make([]byte, tt.payloadLen))
			require.Len(t, raw, tt.headerLen+tt.payloadLen)
			assert.Equal(t, tt.wantMarker, raw[1]&0x7F)
			assert.Zero(t, raw[1]&0x80, "server frames are never masked")

			switch tt.headerLen {
			case 4:
				assert.Equal(t, uint16(tt.payloadLen), binary.BigEndian.Uint16(raw[2:4]))
			case 10:
				assert.Equal(t, uint64(tt.payloadLen), binary.BigEndian.Uint64(raw[2:10]))
			}
		})
	}
}
