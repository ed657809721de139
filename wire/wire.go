// Package wire implements the frame codec shared by every session/tcpsession
// connection: a fixed 17-byte header solving TCP's sticky-packet problem,
// followed by a variable-length body carrying one Envelope.
//
// Adapted from the teacher's protocol (frame header) and codec (body
// serialization) packages, folded into one package because SPEC_FULL.md's
// session layer has no separate pluggable-codec requirement — the wire
// format now always carries CBOR-encoded envelopes via fxamacker/cbor/v2,
// replacing the teacher's JSON/binary codec choice.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/matrixspace/fabric/ferrors"
)

// Magic identifies a fabric frame, rejecting stray connections on the
// listen port (e.g. a health-check probe hitting the RPC port).
const (
	magic0, magic1, magic2 = 'f', 'b', 'r'
	version                = byte(1)
)

// headerSize is 3 (magic) + 1 (version) + 1 (msgType) + 8 (correlationID
// uint64) + 4 (bodyLen) bytes.
const headerSize = 3 + 1 + 1 + 8 + 4

// MsgType distinguishes request, reply, and heartbeat frames.
type MsgType byte

const (
	MsgRequest MsgType = iota
	MsgReply
	MsgHeartbeat
)

// Header is the fixed-size frame header preceding every Envelope body.
type Header struct {
	MsgType       MsgType
	CorrelationID uint64
	BodyLen       uint32
}

// Envelope is the RPC payload carried inside a frame body, CBOR-encoded.
// It is the wire-format analogue of the teacher's message.RPCMessage.
type Envelope struct {
	Method  string `cbor:"method,omitempty"`
	Payload []byte `cbor:"payload"`
	Err     string `cbor:"err,omitempty"`
	Final   bool   `cbor:"final"`
}

// EncodeEnvelope CBOR-marshals an envelope for use as a frame body.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, &ferrors.Error{Kind: ferrors.DecodeError, Op: "wire.EncodeEnvelope", Err: err}
	}
	return b, nil
}

// DecodeEnvelope CBOR-unmarshals a frame body into an Envelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(body, &e); err != nil {
		return Envelope{}, &ferrors.Error{Kind: ferrors.DecodeError, Op: "wire.DecodeEnvelope", Err: err}
	}
	return e, nil
}

// WriteFrame writes a complete frame (header + body) to w. Callers sharing
// a single io.Writer across goroutines must serialize calls themselves —
// wire performs no internal locking, mirroring the teacher's protocol.Encode.
func WriteFrame(w io.Writer, h Header, body []byte) error {
	buf := make([]byte, headerSize)
	buf[0], buf[1], buf[2] = magic0, magic1, magic2
	buf[3] = version
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[5:13], h.CorrelationID)
	binary.BigEndian.PutUint32(buf[13:17], uint32(len(body)))
	if _, err := w.Write(buf); err != nil {
		return &ferrors.Error{Kind: ferrors.TransportError, Op: "wire.WriteFrame", Err: err}
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return &ferrors.Error{Kind: ferrors.TransportError, Op: "wire.WriteFrame", Err: err}
		}
	}
	return nil
}

// ReadFrame reads one complete frame from r, validating magic and version.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "wire.ReadFrame", Err: err}
	}
	if buf[0] != magic0 || buf[1] != magic1 || buf[2] != magic2 {
		return Header{}, nil, &ferrors.Error{Kind: ferrors.DecodeError, Op: "wire.ReadFrame", Err: errBadMagic}
	}
	if buf[3] != version {
		return Header{}, nil, &ferrors.Error{Kind: ferrors.DecodeError, Op: "wire.ReadFrame", Err: errBadVersion}
	}
	h := Header{
		MsgType:       MsgType(buf[4]),
		CorrelationID: binary.BigEndian.Uint64(buf[5:13]),
		BodyLen:       binary.BigEndian.Uint32(buf[13:17]),
	}
	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Header{}, nil, &ferrors.Error{Kind: ferrors.TransportError, Op: "wire.ReadFrame", Err: err}
		}
	}
	return h, body, nil
}

// MarshalFrame renders a complete frame (header + body) as a single byte
// slice, for transports like grpcsession that exchange whole messages
// rather than writing to a shared io.Writer.
func MarshalFrame(h Header, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, h, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalFrame parses a complete frame previously produced by
// MarshalFrame out of a single byte slice.
func UnmarshalFrame(frame []byte) (Header, []byte, error) {
	return ReadFrame(bytes.NewReader(frame))
}

var errBadMagic = wireError("invalid frame magic")
var errBadVersion = wireError("unsupported frame version")

type wireError string

func (e wireError) Error() string { return string(e) }
