// Package wsframe implements the RFC 6455 frame-accumulation rules
// Eventhub needs on top of gobwas/ws's low-level header/mask primitives:
// separate data and control streams, fragmentation reassembly, and the
// 8 MiB / 1 KiB size caps.
package wsframe

import (
	"errors"
	"io"

	"github.com/gobwas/ws"
)

// MaxDataFrameSize is the cap on accumulated text/binary frame payloads.
const MaxDataFrameSize = 8 * 1024 * 1024

// MaxControlFrameSize is the cap on any single control frame payload.
const MaxControlFrameSize = 1024

// FrameType identifies what ReadMessage returned.
type FrameType int

const (
	Text FrameType = iota
	Binary
	Close
	Ping
	Pong
)

// ErrDataFrameTooLarge is returned when accumulated data frames exceed
// MaxDataFrameSize.
var ErrDataFrameTooLarge = errors.New("wsframe: data frame exceeds size cap")

// ErrControlFrameTooLarge is returned when a control frame payload exceeds
// MaxControlFrameSize.
var ErrControlFrameTooLarge = errors.New("wsframe: control frame exceeds size cap")

// ErrFragmentedControlFrame is returned when a peer attempts to fragment a
// control frame, which RFC 6455 forbids.
var ErrFragmentedControlFrame = errors.New("wsframe: control frames must not be fragmented")

// Parser reads successive WebSocket frames off r, reassembling fragmented
// data frames into one message and treating control frames (close/ping/
// pong) as always-whole.
type Parser struct {
	r io.Reader
}

// New wraps r (typically a net.Conn) for frame-by-frame reading.
func New(r io.Reader) *Parser {
	return &Parser{r: r}
}

// ReadMessage blocks for the next complete message: either a reassembled
// data frame (TEXT/BINARY) or a whole control frame (CLOSE/PING/PONG).
func (p *Parser) ReadMessage() (FrameType, []byte, error) {
	var dataBuf []byte
	var dataType FrameType
	accumulating := false

	for {
		header, err := ws.ReadHeader(p.r)
		if err != nil {
			return 0, nil, err
		}

		// Reject an oversized frame on the declared header.Length alone,
		// before allocating anything: header.Length comes straight off the
		// wire's (possibly 8-byte extended) length field and is fully
		// attacker-controlled, so sizing a make([]byte, ...) off an unchecked
		// value is an uncapped allocation that can OOM the whole process.
		switch header.OpCode {
		case ws.OpClose, ws.OpPing, ws.OpPong:
			if !header.Fin {
				return 0, nil, ErrFragmentedControlFrame
			}
			if header.Length > MaxControlFrameSize {
				return 0, nil, ErrControlFrameTooLarge
			}

		case ws.OpText, ws.OpBinary:
			if accumulating {
				// A new data frame opcode while a fragmented message is in
				// progress is a protocol violation; treat as fatal.
				return 0, nil, errors.New("wsframe: unexpected new data frame mid-fragmentation")
			}
			if int64(len(dataBuf))+header.Length > MaxDataFrameSize {
				return 0, nil, ErrDataFrameTooLarge
			}

		case ws.OpContinuation:
			if !accumulating {
				return 0, nil, errors.New("wsframe: continuation frame without preceding data frame")
			}
			if int64(len(dataBuf))+header.Length > MaxDataFrameSize {
				return 0, nil, ErrDataFrameTooLarge
			}

		default:
			return 0, nil, errors.New("wsframe: unsupported opcode")
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(p.r, payload); err != nil {
			return 0, nil, err
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return Close, payload, nil

		case ws.OpPing:
			return Ping, payload, nil

		case ws.OpPong:
			return Pong, payload, nil

		case ws.OpText, ws.OpBinary:
			dataType = Text
			if header.OpCode == ws.OpBinary {
				dataType = Binary
			}
			dataBuf = append(dataBuf, payload...)
			if header.Fin {
				return dataType, dataBuf, nil
			}
			accumulating = true

		case ws.OpContinuation:
			dataBuf = append(dataBuf, payload...)
			if header.Fin {
				return dataType, dataBuf, nil
			}
		}
	}
}

// WriteText writes a single unmasked, unfragmented TEXT frame (server→
// client frames are never masked per RFC 6455).
func WriteText(w io.Writer, payload []byte) error {
	return ws.WriteFrame(w, ws.NewTextFrame(payload))
}

// WriteBinary writes a single unmasked, unfragmented BINARY frame.
func WriteBinary(w io.Writer, payload []byte) error {
	return ws.WriteFrame(w, ws.NewBinaryFrame(payload))
}

// WritePing writes a PING control frame, used by the per-connection
// keepalive timer.
func WritePing(w io.Writer, payload []byte) error {
	return ws.WriteFrame(w, ws.NewPingFrame(payload))
}

// WritePong writes a PONG control frame with the given payload, echoing a
// peer PING per RFC 6455.
func WritePong(w io.Writer, payload []byte) error {
	return ws.WriteFrame(w, ws.NewPongFrame(payload))
}

// WriteClose writes a CLOSE control frame with the given status code and
// reason.
func WriteClose(w io.Writer, code ws.StatusCode, reason string) error {
	return ws.WriteFrame(w, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}
