package ipc

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobridge/internal/domain"
)

func sampleMessages() []domain.Message {
	return []domain.Message{
		{
			Kind:          domain.KindRequest,
			CorrelationID: "01J0000000000000000000TEST",
			Service:       "worker-a",
			Method:        "echo",
			Metadata:      map[string]string{"client_id": "cli-1", "priority": "high"},
			Payload:       []byte("hi"),
		},
		{
			Kind:          domain.KindResponse,
			CorrelationID: "01J0000000000000000000TEST",
			Service:       "worker-a",
			Method:        "echo",
			Payload:       []byte("hi"),
		},
		{
			Kind:    domain.KindRegister,
			Service: "worker-a",
			Payload: []byte(`{"name":"worker-a","capabilities":[{"name":"echo"}]}`),
		},
		{
			Kind:    domain.KindHeartbeat,
			Service: "worker-a",
		},
		{
			Kind:          domain.KindError,
			CorrelationID: "01J0000000000000000000TEST",
			Service:       "worker-a",
			Method:        "echo",
			Payload:       []byte(`{"code":"EXECUTOR_FAILURE","message":"boom"}`),
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, msg := range sampleMessages() {
		t.Run(msg.Kind.String(), func(t *testing.T) {
			frame, err := Encode(msg)
			require.NoError(t, err)

			// The declared prefix must equal the body length exactly.
			declared := binary.LittleEndian.Uint32(frame[:4])
			require.Equal(t, int(declared), len(frame)-4)

			decoded, err := Decode(frame[4:])
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	msg := sampleMessages()[0]
	a, err := Encode(msg)
	require.NoError(t, err)
	b, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeRejectsInvalidKind(t *testing.T) {
	_, err := Encode(domain.Message{Kind: 0x7f})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestEncodeRejectsOversizeMessage(t *testing.T) {
	msg := domain.Message{Kind: domain.KindRequest, Payload: bytes.Repeat([]byte("x"), 1024)}
	_, err := encodeBounded(msg, 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFrameTooLarge)
}

func TestDecoderStreamsMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	msgs := sampleMessages()
	for _, msg := range msgs {
		frame, err := Encode(msg)
		require.NoError(t, err)
		buf.Write(frame)
	}

	dec := NewDecoder(&buf, 0)
	for _, want := range msgs {
		got, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

// Truncating an encoded frame at any byte boundary must yield an error,
// never a partially populated message.
func TestDecoderTruncationAtEveryBoundary(t *testing.T) {
	frame, err := Encode(sampleMessages()[0])
	require.NoError(t, err)

	for i := 1; i < len(frame); i++ {
		dec := NewDecoder(bytes.NewReader(frame[:i]), 0)
		_, err := dec.Next()
		require.Errorf(t, err, "truncation at byte %d must not decode", i)
		require.NotEqual(t, io.EOF, err, "truncation at byte %d is not a clean end of stream", i)
		assert.ErrorIs(t, err, domain.ErrFraming, "truncation at byte %d", i)
	}
}

func TestDecoderCleanEOF(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil), 0)
	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderRejectsUnknownKindTag(t *testing.T) {
	frame, err := Encode(sampleMessages()[0])
	require.NoError(t, err)
	frame[4] = 0x3f // kind tag sits right after the length prefix

	_, err = NewDecoder(bytes.NewReader(frame), 0).Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestDecoderRejectsOversizeDeclaredLength(t *testing.T) {
	frame, err := Encode(sampleMessages()[0])
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(frame), 8)
	_, err = dec.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFrameTooLarge)
}

func TestDecodeRejectsFieldLengthBeyondBuffer(t *testing.T) {
	// Kind tag plus a correlation-ID length claiming more bytes than remain.
	body := []byte{byte(domain.KindRequest)}
	body = binary.LittleEndian.AppendUint32(body, 1<<30)

	_, err := Decode(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	frame, err := Encode(sampleMessages()[1])
	require.NoError(t, err)

	body := append(frame[4:], 0xde, 0xad)
	_, err = Decode(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestDecodeRejectsMalformedMetadata(t *testing.T) {
	// Hand-build a body whose metadata field is not a JSON object.
	var body []byte
	body = append(body, byte(domain.KindRequest))
	for _, field := range [][]byte{[]byte("corr-1"), []byte("svc"), []byte("m")} {
		body = binary.LittleEndian.AppendUint32(body, uint32(len(field)))
		body = append(body, field...)
	}
	metadata := []byte("{not json")
	body = binary.LittleEndian.AppendUint32(body, uint32(len(metadata)))
	body = append(body, metadata...)
	body = binary.LittleEndian.AppendUint32(body, 0) // empty payload

	_, err := Decode(body)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}

func TestDecodeRejectsZeroLengthFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, err := NewDecoder(&buf, 0).Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFraming)
}
