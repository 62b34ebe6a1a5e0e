package ws

import "encoding/binary"

// appendFrame builds one unmasked frame with fin set. Server-to-client
// frames are never masked (RFC 6455 section 5.1). Length uses the same
// 7/16/64-bit scheme the decoder parses.
func appendFrame(opcode Opcode, payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, 0, 10+n)
	buf = append(buf, 0x80|byte(opcode))

	switch {
	case n <= 125:
		buf = append(buf, byte(n))
	case n <= 0xFFFF:
		buf = append(buf, 126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, 127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}
	return append(buf, payload...)
}

// EncodePong builds a pong frame echoing a ping payload.
func EncodePong(payload []byte) []byte {
	return appendFrame(OpcodePong, payload)
}

// EncodeClose builds a close frame with the given status code and
// optional UTF-8 reason.
func EncodeClose(code uint16, reason string) []byte {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	payload = append(payload, reason...)
	return appendFrame(OpcodeClose, payload)
}

// EncodeCloseEcho builds a close frame whose payload is the verbatim
// payload of a close frame received from the peer, including the
// zero-payload case.
func EncodeCloseEcho(payload []byte) []byte {
	return appendFrame(OpcodeClose, payload)
}
