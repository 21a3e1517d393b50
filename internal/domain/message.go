package domain

import (
	"encoding/json"
	"fmt"
)

// MessageKind is the wire tag identifying what a frame carries.
// The numeric values are fixed by the protocol and must never change.
type MessageKind byte

const (
	KindRequest   MessageKind = 0x01
	KindResponse  MessageKind = 0x02
	KindRegister  MessageKind = 0x03
	KindHeartbeat MessageKind = 0x04
	KindError     MessageKind = 0x05
)

// Valid reports whether k is one of the fixed protocol kinds.
func (k MessageKind) Valid() bool {
	return k >= KindRequest && k <= KindError
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindRegister:
		return "register"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// Well-known metadata keys. Metadata never affects routing; it carries
// cross-cutting context between gateway and workers.
const (
	MetaClientID = "client_id"
	MetaPriority = "priority"
	MetaTraceID  = "trace_id"
)

// Message is the unit of communication between the gateway and workers.
//
// CorrelationID links a Request to its Response/Error and is empty for
// Register and Heartbeat frames. Payload is opaque to the protocol layer:
// a serialized Registration for Register frames, the application payload
// for Request/Response, and a serialized ErrorPayload for Error frames.
type Message struct {
	Kind          MessageKind
	CorrelationID string
	Service       string
	Method        string
	Metadata      map[string]string
	Payload       []byte
}

// MetadataValue returns the metadata value for key, or def when absent.
func (m Message) MetadataValue(key, def string) string {
	if v, ok := m.Metadata[key]; ok && v != "" {
		return v
	}
	return def
}

// Capability describes one named unit of work a worker can perform.
// Declarations are advisory: they drive dispatch filtering, not security.
type Capability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Registration is the payload of a Register frame.
type Registration struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// DecodeRegistration parses a Register frame payload.
func DecodeRegistration(payload []byte) (Registration, error) {
	var reg Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return Registration{}, NewDomainError("DecodeRegistration", ErrInvalidRegistration, err.Error())
	}
	if reg.Name == "" {
		return Registration{}, NewDomainError("DecodeRegistration", ErrInvalidRegistration, "empty service name")
	}
	return reg, nil
}

// EncodeRegistration serializes a registration for the wire.
func EncodeRegistration(reg Registration) ([]byte, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return nil, NewDomainError("EncodeRegistration", ErrInvalidRegistration, err.Error())
	}
	return data, nil
}

// ErrorPayload is the payload of an Error frame: a machine-readable code
// plus a human-readable message describing why a request failed remotely.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// EncodeErrorPayload serializes err into an Error frame payload.
func EncodeErrorPayload(err error) []byte {
	p := ErrorPayload{Code: ErrorCodeOf(err), Message: err.Error()}
	data, mErr := json.Marshal(p)
	if mErr != nil {
		// Marshalling a code+string pair cannot realistically fail; keep the wire moving.
		return []byte(`{"code":"UNKNOWN","message":"error encoding failed"}`)
	}
	return data
}

// DecodeErrorPayload parses an Error frame payload back into a typed error.
// Unparseable payloads degrade to a generic executor failure carrying the
// raw bytes as detail.
func DecodeErrorPayload(payload []byte) error {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return NewDomainError("DecodeErrorPayload", ErrExecutorFailure, string(payload))
	}
	sentinel, ok := codeSentinels[p.Code]
	if !ok {
		sentinel = ErrExecutorFailure
	}
	return NewDomainError("remote", sentinel, p.Message)
}
