package ws

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// EventKind classifies what the decoder produced.
type EventKind uint8

const (
	// EventMessage is a completed logical text message, reassembled from
	// fragments if the client split it. Payload holds the UTF-8 bytes.
	EventMessage EventKind = iota
	// EventPing is a ping frame; the connection owes the client a pong
	// echoing Payload.
	EventPing
	// EventClose is a valid close frame. Payload holds the raw close
	// payload so the connection can echo it back verbatim; Code and
	// Reason are the parsed contents (Code is 0 when the payload was
	// empty).
	EventClose
)

// Event is one decoded protocol outcome. Payload is owned by the caller;
// the decoder does not retain it.
type Event struct {
	Kind    EventKind
	Payload []byte
	Code    uint16
	Reason  string
}

type decodeState uint8

const (
	stateHeader decodeState = iota
	stateExtLength
	stateMaskKey
	statePayload
	stateDone
)

// Decoder is an incremental WebSocket frame parser for one connection.
// Feed it bytes in whatever chunks the socket delivers; it returns
// completed events and fails exactly once on the first violation.
//
// Decoder is not safe for concurrent use. Each connection owns one.
type Decoder struct {
	state decodeState
	buf   []byte

	// current frame, valid from header parse until payload completion
	fin     bool
	opcode  Opcode
	length  uint64
	extLen  int
	maskKey [4]byte

	// fragmentation accumulator; at most one open per connection
	fragOpen   bool
	fragOpcode Opcode
	frag       []byte

	err *CloseError
}

// NewDecoder returns a decoder in the awaiting-header state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a chunk of bytes from the wire and returns any events
// completed by it. On a protocol violation it returns the events decoded
// before the violation together with a *CloseError carrying the status
// code the server must send; the decoder is poisoned afterward and
// discards all further input. After a valid close frame the decoder
// likewise stops parsing.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	if d.state == stateDone {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var events []Event
	for {
		switch d.state {
		case stateHeader:
			if len(d.buf) < 2 {
				return events, nil
			}
			if err := d.parseHeader(d.buf[0], d.buf[1]); err != nil {
				return events, d.fail(err)
			}
			d.advance(2)

		case stateExtLength:
			if len(d.buf) < d.extLen {
				return events, nil
			}
			if d.extLen == 2 {
				d.length = uint64(binary.BigEndian.Uint16(d.buf))
			} else {
				d.length = binary.BigEndian.Uint64(d.buf)
			}
			d.advance(d.extLen)
			if err := d.checkFrame(); err != nil {
				return events, d.fail(err)
			}
			d.state = stateMaskKey

		case stateMaskKey:
			if len(d.buf) < 4 {
				return events, nil
			}
			copy(d.maskKey[:], d.buf)
			d.advance(4)
			d.state = statePayload

		case statePayload:
			if uint64(len(d.buf)) < d.length {
				return events, nil
			}
			payload := make([]byte, d.length)
			copy(payload, d.buf)
			d.advance(int(d.length))
			for i := range payload {
				payload[i] ^= d.maskKey[i%4]
			}

			ev, err := d.completeFrame(payload)
			if err != nil {
				return events, d.fail(err)
			}
			if ev != nil {
				events = append(events, *ev)
			}
			if d.state == stateDone {
				return events, nil
			}
			d.state = stateHeader

		case stateDone:
			return events, nil
		}
	}
}

// parseHeader applies the first two header bytes and the checks that do
// not need the extended length: reserved bits, opcode legality, client
// masking, and the control-frame shape rules.
func (d *Decoder) parseHeader(b0, b1 byte) *CloseError {
	d.fin = b0&0x80 != 0
	d.opcode = Opcode(b0 & 0x0F)

	if b0&0x70 != 0 {
		return protocolError("reserved bits set without negotiated extension")
	}
	if !d.opcode.IsValid() {
		return protocolError(fmt.Sprintf("reserved opcode 0x%X", uint8(d.opcode)))
	}
	if b1&0x80 == 0 {
		return protocolError("client frame is not masked")
	}

	len7 := b1 & 0x7F
	if d.opcode.IsControl() {
		if !d.fin {
			return protocolError("fragmented control frame")
		}
		if len7 > MaxControlPayload {
			return protocolError("control frame payload exceeds 125 bytes")
		}
	}

	switch len7 {
	case 126:
		d.extLen = 2
		d.state = stateExtLength
	case 127:
		d.extLen = 8
		d.state = stateExtLength
	default:
		d.length = uint64(len7)
		if err := d.checkFrame(); err != nil {
			return err
		}
		d.state = stateMaskKey
	}
	return nil
}

// checkFrame runs once the declared payload length is fully known and
// before any payload byte is buffered: the message size ceiling, then
// fragmentation legality. Order matters; an oversized stray continuation
// reports 1009, not 1002.
func (d *Decoder) checkFrame() *CloseError {
	if d.opcode.IsControl() {
		return nil
	}

	// The declared length is checked on its own first: a hostile 64-bit
	// length near 2^64 must not wrap the fragment total past the ceiling.
	if d.length > MaxMessageSize {
		return &CloseError{Code: CloseMessageTooBig, Reason: "message exceeds 16 MiB limit"}
	}
	if d.fragOpen && d.opcode == OpcodeContinuation {
		if d.length+uint64(len(d.frag)) > MaxMessageSize {
			return &CloseError{Code: CloseMessageTooBig, Reason: "message exceeds 16 MiB limit"}
		}
	}

	switch d.opcode {
	case OpcodeContinuation:
		if !d.fragOpen {
			return protocolError("continuation frame without a message in progress")
		}
	case OpcodeText, OpcodeBinary:
		if d.fragOpen {
			return protocolError("new data frame while a fragmented message is in progress")
		}
		if d.opcode == OpcodeBinary {
			return &CloseError{Code: CloseUnsupportedData, Reason: "binary frames are not supported"}
		}
	}
	return nil
}

// completeFrame handles a fully received, unmasked payload.
func (d *Decoder) completeFrame(payload []byte) (*Event, *CloseError) {
	switch d.opcode {
	case OpcodePing:
		return &Event{Kind: EventPing, Payload: payload}, nil

	case OpcodePong:
		// Unsolicited pongs are legal and ignored.
		return nil, nil

	case OpcodeClose:
		return d.completeClose(payload)

	case OpcodeText:
		if !d.fin {
			d.fragOpen = true
			d.fragOpcode = OpcodeText
			d.frag = append(d.frag[:0], payload...)
			return nil, nil
		}
		return d.completeMessage(payload)

	case OpcodeContinuation:
		d.frag = append(d.frag, payload...)
		if !d.fin {
			return nil, nil
		}
		msg := d.frag
		d.frag = nil
		d.fragOpen = false
		return d.completeMessage(msg)
	}
	// Binary never reaches here; checkFrame rejected it.
	return nil, protocolError("unreachable opcode " + d.opcode.String())
}

func (d *Decoder) completeMessage(msg []byte) (*Event, *CloseError) {
	if !utf8.Valid(msg) {
		return nil, &CloseError{Code: CloseInvalidPayload, Reason: "text message is not valid UTF-8"}
	}
	return &Event{Kind: EventMessage, Payload: msg}, nil
}

func (d *Decoder) completeClose(payload []byte) (*Event, *CloseError) {
	ev := &Event{Kind: EventClose, Payload: payload}
	switch {
	case len(payload) == 0:
		// No status code; acceptable.
	case len(payload) == 1:
		return nil, protocolError("close payload of one byte")
	default:
		code := binary.BigEndian.Uint16(payload)
		if !validCloseCode(code) {
			return nil, protocolError(fmt.Sprintf("invalid close code %d", code))
		}
		reason := payload[2:]
		if !utf8.Valid(reason) {
			return nil, &CloseError{Code: CloseInvalidPayload, Reason: "close reason is not valid UTF-8"}
		}
		ev.Code = code
		ev.Reason = string(reason)
	}
	// A close frame ends the conversation; drop anything after it.
	d.state = stateDone
	d.buf = nil
	return ev, nil
}

// fail poisons the decoder. The first violation wins; everything fed
// afterward is discarded.
func (d *Decoder) fail(err *CloseError) error {
	d.err = err
	d.state = stateDone
	d.buf = nil
	d.frag = nil
	return err
}

func (d *Decoder) advance(n int) {
	d.buf = d.buf[n:]
}
