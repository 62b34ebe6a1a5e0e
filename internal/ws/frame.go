// Package ws implements the server side of the RFC 6455 WebSocket wire
// protocol for loopback agent connections: the HTTP upgrade handshake,
// an incremental frame decoder with full conformance validation, and an
// encoder for the control frames the server sends back (pong, close).
//
// The decoder is a byte-level state machine. It is fed raw chunks exactly
// as they arrive off the socket and never assumes frame-aligned reads: a
// handshake plus three frames may arrive in one read, or a single frame
// header may be split across a dozen reads. The first protocol violation
// on a connection produces exactly one close code and poisons the decoder;
// no further input is parsed after that.
package ws

// Opcode is the 4-bit frame type tag from RFC 6455 section 5.2.
type Opcode uint8

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsValid reports whether the opcode is one of the six assigned values.
// Reserved opcodes (0x3-0x7, 0xB-0xF) are protocol errors.
func (o Opcode) IsValid() bool {
	switch o {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	return o == OpcodeClose || o == OpcodePing || o == OpcodePong
}

// IsData reports whether the opcode starts or continues a data message.
func (o Opcode) IsData() bool {
	return o == OpcodeContinuation || o == OpcodeText || o == OpcodeBinary
}

func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "reserved"
	}
}

// Close status codes (RFC 6455 section 7.4).
const (
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseInvalidPayload  = 1007
	CloseMessageTooBig   = 1009
)

// Size limits enforced by the decoder.
const (
	// MaxMessageSize caps a logical message, whether it arrives in one
	// frame or is reassembled from fragments. The check runs at
	// header-parse time, before any payload bytes are buffered, so a
	// hostile length field cannot force an allocation.
	MaxMessageSize = 16 << 20

	// MaxControlPayload is the RFC limit for ping/pong/close payloads.
	MaxControlPayload = 125
)

// validCloseCode reports whether a received close status code may be
// accepted and echoed. 1004-1006 are never valid on the wire; outside the
// listed protocol codes only the registered 1012-1014 range and the
// private-use 3000-4999 range are accepted.
func validCloseCode(code uint16) bool {
	switch code {
	case CloseNormal, CloseProtocolError, CloseUnsupportedData,
		CloseInvalidPayload, CloseMessageTooBig:
		return true
	}
	if code >= 1012 && code <= 1014 {
		return true
	}
	return code >= 3000 && code <= 4999
}

// CloseError is the single failure type the decoder produces. Code is the
// status the server must send in its close frame before disconnecting.
type CloseError struct {
	Code   uint16
	Reason string
}

func (e *CloseError) Error() string {
	return e.Reason
}

func protocolError(reason string) *CloseError {
	return &CloseError{Code: CloseProtocolError, Reason: reason}
}
