// Package ipc implements the length-prefixed binary message protocol spoken
// between the gateway and worker processes, and the connection session that
// drives it over a byte stream.
//
// Wire layout of one frame:
//
//	[4 bytes LE] total length of everything that follows
//	[1 byte]     message kind tag
//	[4 bytes LE] correlation ID length, then that many UTF-8 bytes
//	[4 bytes LE] service name length, then that many UTF-8 bytes
//	[4 bytes LE] method name length, then that many UTF-8 bytes
//	[4 bytes LE] metadata length, then a UTF-8 JSON object (0 = no metadata)
//	[4 bytes LE] payload length, then that many opaque bytes
//
// All integers are unsigned 32-bit little-endian.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"neobridge/internal/domain"
)

// DefaultMaxFrameBytes bounds a single frame, length prefix excluded.
// Oversized frames are rejected before their body is buffered.
const DefaultMaxFrameBytes = 10 << 20 // 10 MiB

const (
	lenFieldSize = 4
	kindTagSize  = 1
)

func framingErr(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrFraming, detail)
}

// EncodedSize returns the body length (length prefix excluded) m encodes to.
func EncodedSize(m domain.Message) (int, error) {
	mdLen := 0
	if len(m.Metadata) > 0 {
		md, err := json.Marshal(m.Metadata)
		if err != nil {
			return 0, framingErr("ipc.EncodedSize", "marshal metadata: "+err.Error())
		}
		mdLen = len(md)
	}
	return kindTagSize +
		lenFieldSize + len(m.CorrelationID) +
		lenFieldSize + len(m.Service) +
		lenFieldSize + len(m.Method) +
		lenFieldSize + mdLen +
		lenFieldSize + len(m.Payload), nil
}

// Encode serializes m into one complete frame, length prefix included.
// The declared length always equals the produced body length exactly.
func Encode(m domain.Message) ([]byte, error) {
	return encodeBounded(m, DefaultMaxFrameBytes)
}

func encodeBounded(m domain.Message, maxFrameBytes int) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, framingErr("ipc.Encode", fmt.Sprintf("invalid kind 0x%02x", byte(m.Kind)))
	}

	var metadata []byte
	if len(m.Metadata) > 0 {
		md, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, framingErr("ipc.Encode", "marshal metadata: "+err.Error())
		}
		metadata = md
	}

	bodyLen := kindTagSize +
		lenFieldSize + len(m.CorrelationID) +
		lenFieldSize + len(m.Service) +
		lenFieldSize + len(m.Method) +
		lenFieldSize + len(metadata) +
		lenFieldSize + len(m.Payload)
	if bodyLen > maxFrameBytes {
		return nil, domain.NewDomainError("ipc.Encode", domain.ErrFrameTooLarge,
			fmt.Sprintf("%d bytes exceeds limit %d", bodyLen, maxFrameBytes))
	}

	buf := make([]byte, 0, lenFieldSize+bodyLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(bodyLen))
	buf = append(buf, byte(m.Kind))
	buf = appendField(buf, []byte(m.CorrelationID))
	buf = appendField(buf, []byte(m.Service))
	buf = appendField(buf, []byte(m.Method))
	buf = appendField(buf, metadata)
	buf = appendField(buf, m.Payload)
	return buf, nil
}

func appendField(buf, field []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// Decode parses one frame body (the bytes after the length prefix).
// The body must be consumed exactly; trailing bytes are a framing error.
func Decode(body []byte) (domain.Message, error) {
	var m domain.Message

	if len(body) < kindTagSize {
		return m, framingErr("ipc.Decode", "empty frame body")
	}
	kind := domain.MessageKind(body[0])
	if !kind.Valid() {
		return m, framingErr("ipc.Decode", fmt.Sprintf("unknown kind tag 0x%02x", body[0]))
	}
	m.Kind = kind
	rest := body[kindTagSize:]

	var err error
	var corr, svc, method, metadata, payload []byte
	if corr, rest, err = readField(rest); err != nil {
		return domain.Message{}, err
	}
	if svc, rest, err = readField(rest); err != nil {
		return domain.Message{}, err
	}
	if method, rest, err = readField(rest); err != nil {
		return domain.Message{}, err
	}
	if metadata, rest, err = readField(rest); err != nil {
		return domain.Message{}, err
	}
	if payload, rest, err = readField(rest); err != nil {
		return domain.Message{}, err
	}
	if len(rest) != 0 {
		return domain.Message{}, framingErr("ipc.Decode",
			fmt.Sprintf("%d trailing bytes after payload", len(rest)))
	}

	m.CorrelationID = string(corr)
	m.Service = string(svc)
	m.Method = string(method)
	if len(metadata) > 0 {
		md := make(map[string]string)
		if err := json.Unmarshal(metadata, &md); err != nil {
			return domain.Message{}, framingErr("ipc.Decode", "malformed metadata: "+err.Error())
		}
		m.Metadata = md
	}
	if len(payload) > 0 {
		m.Payload = payload
	}
	return m, nil
}

// readField consumes one 4-byte length prefix plus that many bytes.
func readField(b []byte) (field, rest []byte, err error) {
	if len(b) < lenFieldSize {
		return nil, nil, framingErr("ipc.Decode", "truncated field length")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[lenFieldSize:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, framingErr("ipc.Decode",
			fmt.Sprintf("declared field length %d exceeds remaining %d bytes", n, len(b)))
	}
	return b[:n], b[n:], nil
}

// Decoder reads frames off a byte stream one at a time. It is not safe for
// concurrent use; a session owns exactly one Decoder on its read loop.
type Decoder struct {
	r             io.Reader
	maxFrameBytes int
	lenBuf        [lenFieldSize]byte
}

// NewDecoder creates a Decoder. maxFrameBytes <= 0 selects the default ceiling.
func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{r: r, maxFrameBytes: maxFrameBytes}
}

// Next reads and decodes one frame. It returns io.EOF only on a clean
// end-of-stream between frames; a stream that ends mid-frame is a framing
// error. Frames whose declared length exceeds the ceiling are rejected
// before the body is read into memory.
func (d *Decoder) Next() (domain.Message, error) {
	if _, err := io.ReadFull(d.r, d.lenBuf[:]); err != nil {
		if err == io.EOF {
			return domain.Message{}, io.EOF
		}
		return domain.Message{}, framingErr("ipc.Decoder", "truncated length prefix: "+err.Error())
	}
	bodyLen := binary.LittleEndian.Uint32(d.lenBuf[:])
	if bodyLen == 0 {
		return domain.Message{}, framingErr("ipc.Decoder", "zero-length frame")
	}
	if int(bodyLen) > d.maxFrameBytes {
		return domain.Message{}, domain.NewDomainError("ipc.Decoder", domain.ErrFrameTooLarge,
			fmt.Sprintf("declared %d bytes exceeds limit %d", bodyLen, d.maxFrameBytes))
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return domain.Message{}, framingErr("ipc.Decoder", "truncated frame body: "+err.Error())
	}
	return Decode(body)
}

// Encoder writes frames to a byte stream. It is not safe for concurrent
// use; a session owns exactly one Encoder on its write loop.
type Encoder struct {
	w             io.Writer
	maxFrameBytes int
}

// NewEncoder creates an Encoder. maxFrameBytes <= 0 selects the default ceiling.
func NewEncoder(w io.Writer, maxFrameBytes int) *Encoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Encoder{w: w, maxFrameBytes: maxFrameBytes}
}

// Encode serializes m and writes the complete frame in a single Write call
// so concurrent producers upstream can never observe interleaved frames.
func (e *Encoder) Encode(m domain.Message) error {
	frame, err := encodeBounded(m, e.maxFrameBytes)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(frame); err != nil {
		return domain.NewDomainError("ipc.Encoder", domain.ErrConnectionLost, err.Error())
	}
	return nil
}
